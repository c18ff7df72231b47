// Command memoryd wires together the storage/retrieval engine (C1-C11) into
// a long-running process: it acquires the multi-process web lock, serves
// the Admin API over localhost, and -- only on the process that wins the
// lock's owner role -- drives the periodic retention/dedup/migration-detect
// jobs. Every other caller of this engine (the agent plugin host, the LLM
// provider adapters, the installer) is an external collaborator per the
// spec's scope and is not part of this binary.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"alfredmem/internal/adapter/adminapi"
	"alfredmem/internal/embedding"
	"alfredmem/internal/infra/config"
	"alfredmem/internal/infra/logger"
	"alfredmem/internal/infra/tracer"
	"alfredmem/internal/lock"
	"alfredmem/internal/maintenance"
	"alfredmem/internal/search"
	"alfredmem/internal/store/auxiliary"
	"alfredmem/internal/store/connmgr"
	"alfredmem/internal/store/shard"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		}
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`memoryd - local semantic memory store for a coding agent

USAGE:
    memoryd [FLAGS]

FLAGS:
    -h, --help       Show this help message
    --config PATH    Path to a JSONC config file (default: $HOME/.config/alfredmem/config.jsonc)
    --host HOST      Override the admin API / web lock bind host
    --port PORT      Override the admin API / web lock bind port

CONFIGURATION:
    Config file:  JSON/JSONC, layered over hard-coded defaults.
    Environment:  ALFREDMEM_EMBEDDING_API_KEY, ALFREDMEM_EMBEDDING_API_URL,
                  ALFREDMEM_STORAGE_PATH override the matching config fields.`)
}

// cliFlags holds optional CLI overrides, in the same manual --flag/--flag=value
// parsing style as the bot's own flag handling.
type cliFlags struct {
	ConfigPath string
	Host       string
	Port       int
}

func parseFlags() cliFlags {
	var flags cliFlags
	for i := 1; i < len(os.Args); i++ {
		switch {
		case os.Args[i] == "--config" && i+1 < len(os.Args):
			flags.ConfigPath = os.Args[i+1]
			i++
		case strings.HasPrefix(os.Args[i], "--config="):
			flags.ConfigPath = strings.TrimPrefix(os.Args[i], "--config=")
		case os.Args[i] == "--host" && i+1 < len(os.Args):
			flags.Host = os.Args[i+1]
			i++
		case strings.HasPrefix(os.Args[i], "--host="):
			flags.Host = strings.TrimPrefix(os.Args[i], "--host=")
		case os.Args[i] == "--port" && i+1 < len(os.Args):
			flags.Port, _ = strconv.Atoi(os.Args[i+1])
			i++
		case strings.HasPrefix(os.Args[i], "--port="):
			flags.Port, _ = strconv.Atoi(strings.TrimPrefix(os.Args[i], "--port="))
		}
	}
	return flags
}

func defaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return dir + "/alfredmem/config.jsonc"
}

func run() error {
	// 1. Config
	flags := parseFlags()
	cfgPath := flags.ConfigPath
	if cfgPath == "" {
		cfgPath = defaultConfigPath()
	}
	cfg := config.Load(cfgPath)
	if flags.Host != "" {
		cfg.WebLockHost = flags.Host
	}
	if flags.Port != 0 {
		cfg.WebLockPort = flags.Port
	}

	// 2. Logger & tracer
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()
	if cfg.LoadError() != nil {
		log.Warn("config: falling back to defaults", "error", cfg.LoadError())
	}

	ctx := context.Background()
	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(ctx)

	// 3. Storage directories
	if err := os.MkdirAll(cfg.ShardsDir(), 0o755); err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	if err := os.MkdirAll(cfg.ModelCacheDir(), 0o755); err != nil {
		return fmt.Errorf("storage: %w", err)
	}

	// 4. Connection Manager (C2), Shard Manager (C4)
	conns := connmgr.New()
	defer func() {
		if err := conns.CloseAll(); err != nil {
			log.Error("connmgr close error", "error", err)
		}
	}()

	shards, err := shard.NewManager(conns, cfg.RegistryPath(), cfg.ShardsDir(), cfg.MaxVectorsPerShard,
		cfg.EmbeddingDimensions, cfg.EmbeddingModel)
	if err != nil {
		return fmt.Errorf("shard manager: %w", err)
	}

	// 5. Embedding Service (C3)
	embedSvc := embedding.Global(cfg, log)
	warmUpCtx, cancel := context.WithTimeout(ctx, cfg.EmbedTimeout)
	if err := embedSvc.WarmUp(warmUpCtx); err != nil {
		log.Warn("embedding: warm-up failed, service will retry lazily on first query", "error", err)
	}
	cancel()

	// 6. Auxiliary tables (§3 auxiliary, §6 storage layout)
	promptsDB, err := conns.Get(cfg.AuxPath("user-prompts.db"), auxiliary.PromptsSchema)
	if err != nil {
		return fmt.Errorf("auxiliary prompts db: %w", err)
	}
	prompts := auxiliary.NewPrompts(promptsDB)

	if _, err := conns.Get(cfg.AuxPath("user-profiles.db"), auxiliary.ProfilesSchema); err != nil {
		return fmt.Errorf("auxiliary profiles db: %w", err)
	}

	sessionsDB, err := conns.Get(cfg.AuxPath("ai-sessions.db"), auxiliary.SessionsSchema)
	if err != nil {
		return fmt.Errorf("auxiliary sessions db: %w", err)
	}
	sessions := auxiliary.NewSessions(sessionsDB)

	// 7. Hybrid Search (C6)
	searchEngine := search.New(shards, conns, embedSvc, search.Config{
		Dimensions:          cfg.EmbeddingDimensions,
		VectorWeight:        cfg.VectorWeight,
		FTSWeight:           cfg.FTSWeight,
		SimilarityThreshold: cfg.SimilarityThreshold,
		DefaultLimit:        cfg.MaxMemories,
	}, log)

	// 8. Maintenance passes (C7/C8/C9)
	retention := maintenance.NewRetention(shards, conns, cfg.EmbeddingDimensions, cfg.Retention, log)
	dedup := maintenance.NewDedup(shards, conns, cfg.EmbeddingDimensions, cfg.Dedup, log)
	migrator := maintenance.NewMigrator(shards, conns, embedSvc, cfg.EmbeddingDimensions, cfg.EmbeddingModel, log)

	// 9. Admin API (C10)
	svc := adminapi.New(shards, conns, embedSvc, searchEngine, retention, dedup, migrator, prompts, cfg.EmbeddingDimensions, log)

	// 10. Multi-process web lock (C11) and gated maintenance scheduler
	webLock := lock.New(cfg.LockPath())
	lockResult, err := webLock.Acquire(cfg.WebLockPort, cfg.WebLockHost)
	if err != nil {
		return fmt.Errorf("web lock: %w", err)
	}
	log.Info("web lock acquired", "owner", lockResult.Owner, "pid", lockResult.PID)
	defer func() {
		if err := webLock.Release(); err != nil {
			log.Error("web lock release error", "error", err)
		}
	}()

	scheduler := maintenance.NewScheduler(webLock, retention, dedup, migrator, log)
	svc.SetScheduler(scheduler)

	// 11. Graceful shutdown
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := scheduler.Start(ctx, cfg.Maintenance); err != nil {
		return fmt.Errorf("maintenance scheduler: %w", err)
	}
	defer func() {
		if err := scheduler.Stop(); err != nil {
			log.Error("maintenance scheduler stop error", "error", err)
		}
	}()

	server := adminapi.NewServer(svc, cfg.WebLockHost, cfg.WebLockPort, sessions,
		cfg.AdminAPIRateLimit, cfg.AdminAPIRateBurst, cfg.RequestTimeout, log)
	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Start(ctx) }()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-serveErr:
		if err != nil {
			log.Error("admin api server error", "error", err)
		}
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := server.Stop(shutdownCtx); err != nil {
		log.Error("admin api shutdown error", "error", err)
	}
	if err := conns.CheckpointAll(); err != nil {
		log.Error("checkpoint error", "error", err)
	}
	return nil
}
