package adminapi

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"alfredmem/internal/domain"
	"alfredmem/internal/maintenance"
	"alfredmem/internal/search"
	"alfredmem/internal/store/auxiliary"
	"alfredmem/internal/store/connmgr"
	"alfredmem/internal/store/shard"
	"alfredmem/internal/store/vecstore"
)

// Embedder is the subset of the embedding service the admin API needs to
// produce vectors for add_memory/update_memory.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Service implements the business logic behind every Admin API operation
// of §4.10, independent of transport: it is called directly by the HTTP
// handlers in http.go and is equally usable by an in-process caller (the
// agent plugin host this spec treats as an external collaborator).
type Service struct {
	shards    *shard.Manager
	conns     *connmgr.Manager
	embed     Embedder
	search    *search.Engine
	retention *maintenance.Retention
	dedup     *maintenance.Dedup
	migrator  *maintenance.Migrator
	prompts   *auxiliary.Prompts     // nil if the prompts aux db was not wired
	scheduler *maintenance.Scheduler // nil until SetScheduler is called
	dims      int
	logger    *slog.Logger
}

// SetScheduler attaches the maintenance scheduler so Stats() can report the
// most recent run of each background job. It is wired after construction
// because the scheduler itself depends on the web lock, which is acquired
// after the Admin API service is built (see cmd/memoryd).
func (s *Service) SetScheduler(sched *maintenance.Scheduler) { s.scheduler = sched }

// New builds the Admin API service over its component dependencies.
// prompts may be nil; list_memories(include_prompts=true) then degrades to
// a plain timeline.
func New(shards *shard.Manager, conns *connmgr.Manager, embed Embedder, searchEngine *search.Engine,
	retention *maintenance.Retention, dedup *maintenance.Dedup, migrator *maintenance.Migrator,
	prompts *auxiliary.Prompts, dims int, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		shards: shards, conns: conns, embed: embed, search: searchEngine,
		retention: retention, dedup: dedup, migrator: migrator,
		prompts: prompts, dims: dims, logger: logger,
	}
}

// ListTags returns every distinct container tag in the store, split by
// scope, each carrying a count and the display fields of its most
// recently updated row.
func (s *Service) ListTags(ctx context.Context) (TagsResponse, error) {
	recs, err := s.shards.AllShards(ctx)
	if err != nil {
		return TagsResponse{}, err
	}

	byTag := make(map[string]*TagInfo)
	for _, rec := range recs {
		st, err := s.storeFor(rec)
		if err != nil {
			s.logger.Warn("list_tags: shard unreachable, skipping", "shard_id", rec.ID, "error", err)
			continue
		}
		tags, err := st.DistinctTags(ctx)
		if err != nil {
			s.logger.Warn("list_tags: distinct tags failed, skipping shard", "shard_id", rec.ID, "error", err)
			continue
		}
		for _, tag := range tags {
			rows, err := st.ListByContainerTag(ctx, tag)
			if err != nil {
				continue
			}
			info, ok := byTag[tag]
			if !ok {
				_, scope, hash := domain.ParseContainerTag(tag)
				info = &TagInfo{ContainerTag: tag, Scope: string(scope), Hash: hash}
				byTag[tag] = info
			}
			info.Count += len(rows)
			for _, m := range rows {
				if m.UpdatedAt > info.LastUpdatedAt {
					info.LastUpdatedAt = m.UpdatedAt
					info.DisplayName = m.DisplayName
					info.UserName = m.UserName
					info.ProjectName = m.ProjectName
					info.ProjectPath = m.ProjectPath
				}
			}
		}
	}

	resp := TagsResponse{}
	for _, info := range byTag {
		switch domain.Scope(info.Scope) {
		case domain.ScopeProject:
			resp.Project = append(resp.Project, *info)
		default:
			resp.User = append(resp.User, *info)
		}
	}
	sort.Slice(resp.User, func(i, j int) bool { return resp.User[i].LastUpdatedAt > resp.User[j].LastUpdatedAt })
	sort.Slice(resp.Project, func(i, j int) bool { return resp.Project[i].LastUpdatedAt > resp.Project[j].LastUpdatedAt })
	return resp, nil
}

// ListMemories returns a stable, created_at-desc-ordered page of memories,
// optionally restricted to containerTag. When includePrompts is set and a
// prompts aux store is wired, a memory's effective sort timestamp becomes
// max(created_at, latest linked prompt's created_at) per §9's ordering
// note, without materializing a separate atom type for the wire format.
func (s *Service) ListMemories(ctx context.Context, containerTag string, page, pageSize int, includePrompts bool) (PagedMemories, error) {
	page, pageSize = normalizePaging(page, pageSize)

	recs, err := s.resolveShards(ctx, containerTag)
	if err != nil {
		return PagedMemories{}, err
	}

	var all []domain.Memory
	for _, rec := range recs {
		st, err := s.storeFor(rec)
		if err != nil {
			s.logger.Warn("list_memories: shard unreachable, skipping", "shard_id", rec.ID, "error", err)
			continue
		}
		var rows []domain.Memory
		if containerTag == "" {
			rows, err = st.ListAll(ctx)
		} else {
			rows, err = st.ListByContainerTag(ctx, containerTag)
		}
		if err != nil {
			s.logger.Warn("list_memories: list failed, skipping shard", "shard_id", rec.ID, "error", err)
			continue
		}
		all = append(all, rows...)
	}

	sortKey := make(map[string]int64, len(all))
	for _, m := range all {
		sortKey[m.ID] = m.CreatedAt
	}
	if includePrompts && s.prompts != nil {
		ids := make([]string, len(all))
		for i, m := range all {
			ids[i] = m.ID
		}
		byMemory, err := s.prompts.ListForMemories(ctx, ids)
		if err != nil {
			s.logger.Warn("list_memories: prompt interleave failed, falling back to plain timeline", "error", err)
		} else {
			for id, linked := range byMemory {
				for _, p := range linked {
					if p.CreatedAt > sortKey[id] {
						sortKey[id] = p.CreatedAt
					}
				}
			}
		}
	}

	sort.SliceStable(all, func(i, j int) bool { return sortKey[all[i].ID] > sortKey[all[j].ID] })

	total := len(all)
	start := (page - 1) * pageSize
	if start > total {
		start = total
	}
	end := start + pageSize
	if end > total {
		end = total
	}

	return PagedMemories{Items: all[start:end], Page: page, PageSize: pageSize, Total: total}, nil
}

// AddMemory embeds content (and the joined tag list, if any), routes the
// row to the current write shard for its (scope, hash), and inserts it.
// The container tag is validated strictly at this boundary (§9 Open
// Question 1): a malformed tag is rejected rather than silently coerced.
func (s *Service) AddMemory(ctx context.Context, req AddMemoryRequest) (string, error) {
	if !domain.ValidateContainerTag(req.ContainerTag) {
		return "", domain.NewSubSystemError("adminapi", "Service.AddMemory", domain.ErrStoreInvalidContainerTag, req.ContainerTag)
	}

	vec, err := s.embed.Embed(ctx, req.Content)
	if err != nil {
		return "", domain.WrapOp("adminapi.Service.AddMemory", err)
	}

	var tagsVec []float32
	if len(req.Tags) > 0 {
		tagsVec, err = s.embed.Embed(ctx, strings.Join(req.Tags, " "))
		if err != nil {
			s.logger.Warn("add_memory: tag embedding failed, continuing without tags_vector", "error", err)
			tagsVec = nil
		}
	}

	_, scope, hash := domain.ParseContainerTag(req.ContainerTag)
	rec, err := s.shards.GetWriteShard(ctx, scope, hash)
	if err != nil {
		return "", err
	}
	st, err := s.storeFor(*rec)
	if err != nil {
		return "", err
	}

	now := time.Now().UTC().UnixMilli()
	m := domain.Memory{
		ID:           "mem_" + ulid.Make().String(),
		Content:      req.Content,
		Type:         domain.MemoryType(req.Type),
		Tags:         req.Tags,
		ContainerTag: req.ContainerTag,
		Vector:       vec,
		TagsVector:   tagsVec,
		DisplayName:  req.DisplayName,
		UserName:     req.UserName,
		UserEmail:    req.UserEmail,
		ProjectPath:  req.ProjectPath,
		ProjectName:  req.ProjectName,
		GitRepoURL:   req.GitRepoURL,
		Metadata:     req.Metadata,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := st.Insert(ctx, m); err != nil {
		return "", err
	}
	if err := s.shards.IncrementVectorCount(ctx, rec.ID); err != nil {
		s.logger.Warn("add_memory: vector count update failed", "shard_id", rec.ID, "error", err)
	}
	return m.ID, nil
}

// UpdateMemory replaces id's content/type/tags and re-embeds, preserving
// id and created_at, per §3's "never updated in place" lifecycle: the old
// row is deleted and a fresh one inserted, landing in whatever shard is
// currently the write target for its (unchanged) container tag.
func (s *Service) UpdateMemory(ctx context.Context, id string, req UpdateMemoryRequest) error {
	oldRec, oldStore, existing, err := s.findByID(ctx, id)
	if err != nil {
		return err
	}

	content := existing.Content
	if req.Content != nil {
		content = *req.Content
	}
	typ := existing.Type
	if req.Type != nil {
		typ = domain.MemoryType(*req.Type)
	}
	tags := existing.Tags
	if req.Tags != nil {
		tags = req.Tags
	}

	vec, err := s.embed.Embed(ctx, content)
	if err != nil {
		return domain.WrapOp("adminapi.Service.UpdateMemory", err)
	}
	var tagsVec []float32
	if len(tags) > 0 {
		tagsVec, err = s.embed.Embed(ctx, strings.Join(tags, " "))
		if err != nil {
			s.logger.Warn("update_memory: tag embedding failed, continuing without tags_vector", "id", id, "error", err)
			tagsVec = nil
		}
	}

	_, scope, hash := domain.ParseContainerTag(existing.ContainerTag)
	newRec, err := s.shards.GetWriteShard(ctx, scope, hash)
	if err != nil {
		return err
	}
	newStore, err := s.storeFor(*newRec)
	if err != nil {
		return err
	}

	updated := *existing
	updated.Content = content
	updated.Type = typ
	updated.Tags = tags
	updated.Vector = vec
	updated.TagsVector = tagsVec
	updated.UpdatedAt = time.Now().UTC().UnixMilli()
	if updated.UpdatedAt <= updated.CreatedAt {
		updated.UpdatedAt = updated.CreatedAt + 1
	}

	if err := oldStore.Delete(ctx, id); err != nil {
		return err
	}
	if err := s.shards.DecrementVectorCount(ctx, oldRec.ID); err != nil {
		s.logger.Warn("update_memory: vector count update failed", "shard_id", oldRec.ID, "error", err)
	}

	if err := newStore.Insert(ctx, updated); err != nil {
		return err
	}
	if err := s.shards.IncrementVectorCount(ctx, newRec.ID); err != nil {
		s.logger.Warn("update_memory: vector count update failed", "shard_id", newRec.ID, "error", err)
	}
	return nil
}

// DeleteMemory removes id from whichever shard holds it. When cascade is
// set and a prompts aux store is wired, linked prompts are dropped too.
func (s *Service) DeleteMemory(ctx context.Context, id string, cascade bool) error {
	rec, st, _, err := s.findByID(ctx, id)
	if err != nil {
		return err
	}
	if err := st.Delete(ctx, id); err != nil {
		return err
	}
	if err := s.shards.DecrementVectorCount(ctx, rec.ID); err != nil {
		s.logger.Warn("delete_memory: vector count update failed", "shard_id", rec.ID, "error", err)
	}
	if cascade && s.prompts != nil {
		if err := s.prompts.DeleteForMemory(ctx, id); err != nil {
			s.logger.Warn("delete_memory: cascade prompt delete failed", "id", id, "error", err)
		}
	}
	return nil
}

// BulkDelete deletes every id it can find, logging and skipping ids it
// cannot locate or cannot delete, and returns how many were removed.
func (s *Service) BulkDelete(ctx context.Context, ids []string, cascade bool) (int, error) {
	deleted := 0
	for _, id := range ids {
		if err := s.DeleteMemory(ctx, id, cascade); err != nil {
			s.logger.Warn("bulk_delete: skipping id", "id", id, "error", err)
			continue
		}
		deleted++
	}
	return deleted, nil
}

// Pin sets is_pinned=true on id.
func (s *Service) Pin(ctx context.Context, id string) error {
	_, st, _, err := s.findByID(ctx, id)
	if err != nil {
		return err
	}
	return st.Pin(ctx, id)
}

// Unpin sets is_pinned=false on id.
func (s *Service) Unpin(ctx context.Context, id string) error {
	_, st, _, err := s.findByID(ctx, id)
	if err != nil {
		return err
	}
	return st.Unpin(ctx, id)
}

// Search runs hybrid search and pages the fused, threshold-filtered
// results, converting each hit's fused score to an integer percent.
func (s *Service) Search(ctx context.Context, query, containerTag string, page, pageSize int) (PagedSearchResults, error) {
	page, pageSize = normalizePaging(page, pageSize)

	results, err := s.search.Search(ctx, query, containerTag, page*pageSize)
	if err != nil {
		return PagedSearchResults{}, err
	}

	total := len(results)
	start := (page - 1) * pageSize
	if start > total {
		start = total
	}
	end := start + pageSize
	if end > total {
		end = total
	}

	items := make([]SearchHit, 0, end-start)
	for _, r := range results[start:end] {
		items = append(items, SearchHit{
			Memory:     r.Memory,
			Similarity: int(math.Round(r.Similarity * 100)),
		})
	}
	return PagedSearchResults{Items: items, Page: page, PageSize: pageSize, Total: total}, nil
}

// Stats reports totals by scope and by memory type across every shard.
func (s *Service) Stats(ctx context.Context) (StatsResponse, error) {
	recs, err := s.shards.AllShards(ctx)
	if err != nil {
		return StatsResponse{}, err
	}

	resp := StatsResponse{ByType: make(map[string]int)}
	for _, rec := range recs {
		st, err := s.storeFor(rec)
		if err != nil {
			s.logger.Warn("stats: shard unreachable, skipping", "shard_id", rec.ID, "error", err)
			continue
		}
		count, err := st.Count(ctx)
		if err != nil {
			s.logger.Warn("stats: count failed, skipping shard", "shard_id", rec.ID, "error", err)
			continue
		}
		switch rec.Scope {
		case domain.ScopeProject:
			resp.TotalProject += count
		default:
			resp.TotalUser += count
		}
		resp.Total += count

		byType, err := st.CountsByType(ctx)
		if err != nil {
			continue
		}
		for typ, n := range byType {
			resp.ByType[typ] += n
		}
	}
	if s.scheduler != nil {
		resp.MaintenanceRuns = s.scheduler.History()
	}
	return resp, nil
}

// DetectMigration forwards to the migrator.
func (s *Service) DetectMigration(ctx context.Context) (maintenance.DetectResult, error) {
	return s.migrator.Detect(ctx)
}

// RunMigration forwards to the migrator.
func (s *Service) RunMigration(ctx context.Context, strategy maintenance.Strategy) (maintenance.Result, error) {
	return s.migrator.RunMigration(ctx, strategy, nil)
}

// RunCleanup forwards to the retention pass.
func (s *Service) RunCleanup(ctx context.Context) (maintenance.RetentionResult, error) {
	return s.retention.Run(ctx)
}

// RunDeduplication forwards to the dedup pass.
func (s *Service) RunDeduplication(ctx context.Context) (maintenance.DedupResult, error) {
	return s.dedup.Run(ctx)
}

func (s *Service) storeFor(rec domain.ShardRecord) (*vecstore.Store, error) {
	db, err := s.conns.Get(rec.DBPath, vecstore.Schema)
	if err != nil {
		return nil, err
	}
	return vecstore.New(db, s.dims), nil
}

// resolveShards mirrors search.Engine.resolveShards: an empty tag means
// every shard in both scopes, otherwise the shard set for that tag's
// (scope, hash) bucket.
func (s *Service) resolveShards(ctx context.Context, containerTag string) ([]domain.ShardRecord, error) {
	if containerTag == "" {
		return s.shards.AllShards(ctx)
	}
	_, scope, hash := domain.ParseContainerTag(containerTag)
	return s.shards.GetAllShards(ctx, scope, hash)
}

// findByID scans every shard for id, since a memory's storage location is
// addressed by its container tag's (scope, hash), not by id. Bounded by
// the total shard count, which the seal policy keeps small in practice.
func (s *Service) findByID(ctx context.Context, id string) (domain.ShardRecord, *vecstore.Store, *domain.Memory, error) {
	recs, err := s.shards.AllShards(ctx)
	if err != nil {
		return domain.ShardRecord{}, nil, nil, err
	}
	for _, rec := range recs {
		st, err := s.storeFor(rec)
		if err != nil {
			continue
		}
		m, err := st.GetByID(ctx, id)
		if err == nil {
			return rec, st, m, nil
		}
	}
	return domain.ShardRecord{}, nil, nil, domain.NewSubSystemError("adminapi", "Service.findByID", domain.ErrStoreNotFound, id)
}

func normalizePaging(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	return page, pageSize
}
