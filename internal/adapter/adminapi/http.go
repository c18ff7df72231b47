package adminapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"alfredmem/internal/domain"
	"alfredmem/internal/maintenance"
)

// Route is one entry of the handler table, generalizing the gateway
// package's RegisterHTTPRoute(pattern, handler) idiom to also carry the
// HTTP method it's registered against -- the admin API's endpoints reuse a
// single path ("/api/memories/{id}") across GET/PUT/DELETE variants, which
// the method-prefixed ServeMux patterns of the server disambiguate.
type Route struct {
	Pattern string
	Method  string
	Handler http.HandlerFunc
}

// Routes builds the full route table of §6 over svc.
func Routes(svc *Service) []Route {
	return []Route{
		{Pattern: "/api/tags", Method: http.MethodGet, Handler: handleListTags(svc)},
		{Pattern: "/api/memories", Method: http.MethodGet, Handler: handleListMemories(svc)},
		{Pattern: "/api/memories", Method: http.MethodPost, Handler: handleAddMemory(svc)},
		{Pattern: "/api/memories/bulk-delete", Method: http.MethodPost, Handler: handleBulkDelete(svc)},
		{Pattern: "/api/memories/{id}", Method: http.MethodPut, Handler: handleUpdateMemory(svc)},
		{Pattern: "/api/memories/{id}", Method: http.MethodDelete, Handler: handleDeleteMemory(svc)},
		{Pattern: "/api/memories/{id}/pin", Method: http.MethodPost, Handler: handlePin(svc)},
		{Pattern: "/api/memories/{id}/unpin", Method: http.MethodPost, Handler: handleUnpin(svc)},
		{Pattern: "/api/search", Method: http.MethodGet, Handler: handleSearch(svc)},
		{Pattern: "/api/stats", Method: http.MethodGet, Handler: handleStats(svc)},
		{Pattern: "/api/cleanup", Method: http.MethodPost, Handler: handleCleanup(svc)},
		{Pattern: "/api/deduplicate", Method: http.MethodPost, Handler: handleDeduplicate(svc)},
		{Pattern: "/api/migration/detect", Method: http.MethodGet, Handler: handleMigrationDetect(svc)},
		{Pattern: "/api/migration/run", Method: http.MethodPost, Handler: handleMigrationRun(svc)},
	}
}

func writeJSON(w http.ResponseWriter, status int, env Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch domain.ErrorCodeOf(err) {
	case domain.CodeStoreNotFound, domain.CodeShardMissing:
		status = http.StatusNotFound
	case domain.CodeStoreInvalidContainerTag, domain.CodeStoreDimensionMismatch, domain.CodeConfigInvalid:
		status = http.StatusBadRequest
	case domain.CodeStoreIDExists, domain.CodeMigrationAlreadyRunning, domain.CodeLockPortConflict:
		status = http.StatusConflict
	}
	writeJSON(w, status, errorEnvelope(err))
}

// writeBadRequest reports a malformed request (undecodable body, missing
// parameter) in the same envelope shape as every other error -- the contract
// is that the admin API never answers with a bare-text body.
func writeBadRequest(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, Envelope{
		Success: false,
		Error:   &ErrorBody{Code: "BAD_REQUEST", Message: message},
	})
}

// paging pulls the page/pageSize query parameters (§6 spells them camelCase).
func paging(r *http.Request) (page, pageSize int) {
	page, _ = strconv.Atoi(r.URL.Query().Get("page"))
	pageSize, _ = strconv.Atoi(r.URL.Query().Get("pageSize"))
	return page, pageSize
}

func handleListTags(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp, err := svc.ListTags(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, dataEnvelope(resp))
	}
}

func handleListMemories(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		page, pageSize := paging(r)
		includePrompts := q.Get("includePrompts") == "true"

		resp, err := svc.ListMemories(r.Context(), q.Get("tag"), page, pageSize, includePrompts)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, dataEnvelope(resp))
	}
}

func handleAddMemory(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req AddMemoryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeBadRequest(w, "malformed request body")
			return
		}
		id, err := svc.AddMemory(r.Context(), req)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, dataEnvelope(AddMemoryResponse{ID: id}))
	}
}

func handleUpdateMemory(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if id == "" {
			writeBadRequest(w, "missing memory id")
			return
		}
		var req UpdateMemoryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeBadRequest(w, "malformed request body")
			return
		}
		if err := svc.UpdateMemory(r.Context(), id, req); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, dataEnvelope(struct{}{}))
	}
}

func handleDeleteMemory(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if id == "" {
			writeBadRequest(w, "missing memory id")
			return
		}
		cascade := r.URL.Query().Get("cascade") == "true"
		if err := svc.DeleteMemory(r.Context(), id, cascade); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, dataEnvelope(struct{}{}))
	}
}

func handleBulkDelete(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req BulkDeleteRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeBadRequest(w, "malformed request body")
			return
		}
		deleted, err := svc.BulkDelete(r.Context(), req.IDs, req.Cascade)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, dataEnvelope(BulkDeleteResponse{Deleted: deleted}))
	}
}

func handlePin(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := svc.Pin(r.Context(), r.PathValue("id")); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, dataEnvelope(struct{}{}))
	}
}

func handleUnpin(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := svc.Unpin(r.Context(), r.PathValue("id")); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, dataEnvelope(struct{}{}))
	}
}

func handleSearch(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		query := q.Get("q")
		if query == "" {
			writeBadRequest(w, "missing query parameter q")
			return
		}
		page, pageSize := paging(r)

		resp, err := svc.Search(r.Context(), query, q.Get("tag"), page, pageSize)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, dataEnvelope(resp))
	}
}

func handleStats(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp, err := svc.Stats(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, dataEnvelope(resp))
	}
}

func handleCleanup(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp, err := svc.RunCleanup(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, dataEnvelope(resp))
	}
}

func handleDeduplicate(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp, err := svc.RunDeduplication(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, dataEnvelope(resp))
	}
}

func handleMigrationDetect(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp, err := svc.DetectMigration(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, dataEnvelope(resp))
	}
}

func handleMigrationRun(svc *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Strategy string `json:"strategy"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeBadRequest(w, "malformed request body")
			return
		}
		resp, err := svc.RunMigration(r.Context(), maintenance.Strategy(req.Strategy))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, dataEnvelope(resp))
	}
}
