// Package adminapi implements the Admin API (C10): a thin, uniform
// request -> component dispatch over the Shard Manager, Vector Store,
// Hybrid Search, Embedding Service, and the three maintenance passes,
// exposed both as a plain Go Service (for in-process callers, e.g. the
// agent plugin host this spec excludes) and as the localhost HTTP/JSON
// surface of §4.10/§6.
package adminapi

import "alfredmem/internal/domain"

// Envelope is the uniform response shape every admin operation returns:
// {success, data?, error?}. Errors never leak a stack trace -- only a
// machine-parseable code (domain.ErrorCode) and a message.
type Envelope struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *ErrorBody `json:"error,omitempty"`
}

// ErrorBody is the error half of an Envelope.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// errorEnvelope builds a failure Envelope from err, translating it through
// domain.ErrorCodeOf per §4.10's "translating a DomainError into the
// envelope's error field via ErrorCode()".
func errorEnvelope(err error) Envelope {
	return Envelope{
		Success: false,
		Error: &ErrorBody{
			Code:    string(domain.ErrorCodeOf(err)),
			Message: err.Error(),
		},
	}
}

func dataEnvelope(data any) Envelope {
	return Envelope{Success: true, Data: data}
}

// TagInfo is one distinct container tag surfaced by list_tags(), carrying
// the denormalized display fields of the most recently updated memory
// under that tag.
type TagInfo struct {
	ContainerTag  string `json:"container_tag"`
	Scope         string `json:"scope"`
	Hash          string `json:"hash"`
	DisplayName   string `json:"display_name,omitempty"`
	UserName      string `json:"user_name,omitempty"`
	ProjectName   string `json:"project_name,omitempty"`
	ProjectPath   string `json:"project_path,omitempty"`
	Count         int    `json:"count"`
	LastUpdatedAt int64  `json:"last_updated_at"`
}

// TagsResponse is list_tags()'s data payload.
type TagsResponse struct {
	User    []TagInfo `json:"user"`
	Project []TagInfo `json:"project"`
}

// AddMemoryRequest is add_memory()'s input.
type AddMemoryRequest struct {
	Content      string            `json:"content"`
	ContainerTag string            `json:"container_tag"`
	Type         string            `json:"type,omitempty"`
	Tags         []string          `json:"tags,omitempty"`
	DisplayName  string            `json:"display_name,omitempty"`
	UserName     string            `json:"user_name,omitempty"`
	UserEmail    string            `json:"user_email,omitempty"`
	ProjectPath  string            `json:"project_path,omitempty"`
	ProjectName  string            `json:"project_name,omitempty"`
	GitRepoURL   string            `json:"git_repo_url,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// AddMemoryResponse is add_memory()'s data payload.
type AddMemoryResponse struct {
	ID string `json:"id"`
}

// UpdateMemoryRequest is update_memory()'s input; nil fields are left
// unchanged, mirroring a PATCH-style partial update.
type UpdateMemoryRequest struct {
	Content *string  `json:"content,omitempty"`
	Type    *string  `json:"type,omitempty"`
	Tags    []string `json:"tags,omitempty"`
}

// BulkDeleteRequest is bulk_delete()'s input.
type BulkDeleteRequest struct {
	IDs     []string `json:"ids"`
	Cascade bool     `json:"cascade,omitempty"`
}

// BulkDeleteResponse reports how many of the requested ids were removed.
type BulkDeleteResponse struct {
	Deleted int `json:"deleted"`
}

// PagedMemories is list_memories()'s data payload.
type PagedMemories struct {
	Items    []domain.Memory `json:"items"`
	Page     int             `json:"page"`
	PageSize int             `json:"page_size"`
	Total    int             `json:"total"`
}

// SearchHit decorates a Memory with its fused similarity as an integer
// percent, per §4.10: "each with similarity as integer percent".
type SearchHit struct {
	Memory     domain.Memory `json:"memory"`
	Similarity int           `json:"similarity"`
}

// PagedSearchResults is search()'s data payload.
type PagedSearchResults struct {
	Items    []SearchHit `json:"items"`
	Page     int         `json:"page"`
	PageSize int         `json:"page_size"`
	Total    int         `json:"total"`
}

// StatsResponse is stats()'s data payload.
type StatsResponse struct {
	TotalUser       int                                                  `json:"total_user"`
	TotalProject    int                                                  `json:"total_project"`
	Total           int                                                  `json:"total"`
	ByType          map[string]int                                       `json:"by_type"`
	MaintenanceRuns map[domain.MaintenanceJobKind]domain.MaintenanceRun `json:"maintenance_runs,omitempty"`
}
