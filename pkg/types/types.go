package types

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"
)

// TimestampLayout formats UTC times at a fixed width, so stores that sort
// timestamps as strings sort them in time order.
const TimestampLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Scope partitions memories by owner. Empty fields are wildcards when
// a Scope is used as a filter.
type Scope struct {
	UserID  string `json:"user_id,omitempty"`
	AgentID string `json:"agent_id,omitempty"`
	AppID   string `json:"app_id,omitempty"`
}

// IsEmpty reports whether no identifier is set.
func (s Scope) IsEmpty() bool {
	return s.UserID == "" && s.AgentID == "" && s.AppID == ""
}

// Matches reports whether rec satisfies s used as a filter.
func (s Scope) Matches(rec Scope) bool {
	if s.UserID != "" && s.UserID != rec.UserID {
		return false
	}
	if s.AgentID != "" && s.AgentID != rec.AgentID {
		return false
	}
	if s.AppID != "" && s.AppID != rec.AppID {
		return false
	}
	return true
}

// Normalize trims whitespace from every identifier.
func (s Scope) Normalize() Scope {
	return Scope{
		UserID:  strings.TrimSpace(s.UserID),
		AgentID: strings.TrimSpace(s.AgentID),
		AppID:   strings.TrimSpace(s.AppID),
	}
}

// MemoryRecord represents one canonical memory item.
type MemoryRecord struct {
	ID         string         `json:"id"`
	Content    string         `json:"content"`
	Embedding  []float32      `json:"-"`
	Scope      Scope          `json:"scope"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Importance float64        `json:"importance"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Message is one chat turn handed to add_memory.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// AddInput describes a new memory. Content wins over Messages when both are set.
type AddInput struct {
	Messages []Message `json:"messages,omitempty"`
	Content  string    `json:"content,omitempty"`
	Scope
	Metadata   map[string]any `json:"metadata,omitempty"`
	Importance *float64       `json:"importance,omitempty"`
}

// Text flattens the input into the content that will be embedded.
func (in AddInput) Text() string {
	if strings.TrimSpace(in.Content) != "" {
		return in.Content
	}
	lines := make([]string, 0, len(in.Messages))
	for _, m := range in.Messages {
		text := strings.TrimSpace(m.Content)
		if text == "" {
			continue
		}
		role := strings.TrimSpace(m.Role)
		if role == "" {
			lines = append(lines, text)
			continue
		}
		lines = append(lines, role+": "+text)
	}
	return strings.Join(lines, "\n")
}

// SearchInput is used for search operations.
type SearchInput struct {
	Query string `json:"query"`
	Scope
	Limit int `json:"limit,omitempty"`
}

// Patch lists the fields an update changes. A nil field is left alone;
// a nil value inside Metadata removes that key.
type Patch struct {
	Content    *string        `json:"content,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Importance *float64       `json:"importance,omitempty"`
}

// IsEmpty reports whether the patch changes nothing.
func (p Patch) IsEmpty() bool {
	return p.Content == nil && len(p.Metadata) == 0 && p.Importance == nil
}

// UnmarshalJSON accepts either a patch object or a bare string, which is
// taken as replacement content.
func (p *Patch) UnmarshalJSON(b []byte) error {
	if string(bytes.TrimSpace(b)) == "null" {
		*p = Patch{}
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*p = Patch{Content: &s}
		return nil
	}
	type plain Patch
	var out plain
	if err := json.Unmarshal(b, &out); err != nil {
		return err
	}
	*p = Patch(out)
	return nil
}

// UpdateInput targets one memory with a patch.
type UpdateInput struct {
	MemoryID string `json:"memory_id"`
	Data     Patch  `json:"data"`
}

// DeleteInput targets one memory.
type DeleteInput struct {
	MemoryID string `json:"memory_id"`
}

// GetAllInput enumerates memories within a scope.
type GetAllInput struct {
	Scope
	Limit int `json:"limit,omitempty"`
}

// ErrorKind is the caller-visible classification of a failure.
type ErrorKind string

const (
	KindEmbedding              ErrorKind = "EmbeddingError"
	KindBackendUnavailable     ErrorKind = "BackendUnavailable"
	KindBackendTimeout         ErrorKind = "BackendTimeout"
	KindBackendRejected        ErrorKind = "BackendRejected"
	KindAllBackendsUnavailable ErrorKind = "AllBackendsUnavailable"
	KindNotFound               ErrorKind = "NotFound"
	KindConfiguration          ErrorKind = "ConfigurationError"
	KindInvalidInput           ErrorKind = "InvalidInput"
	KindStorage                ErrorKind = "StorageError"
	KindInternal               ErrorKind = "Internal"
)

// ErrorInfo explains why an operation did not succeed.
type ErrorInfo struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// Warning reports one backend that failed while the operation as a whole succeeded.
type Warning struct {
	Backend string    `json:"backend"`
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// AddResult is returned by add_memory.
type AddResult struct {
	Success  bool       `json:"success"`
	MemoryID string     `json:"memory_id,omitempty"`
	Warnings []Warning  `json:"warnings"`
	Error    *ErrorInfo `json:"error,omitempty"`
}

// SearchHit is one ranked memory.
type SearchHit struct {
	ID        string         `json:"id"`
	Content   string         `json:"content"`
	Score     float64        `json:"score"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Scope     Scope          `json:"scope"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// SearchResult is returned by search_memory.
type SearchResult struct {
	Success  bool        `json:"success"`
	Results  []SearchHit `json:"results"`
	Warnings []Warning   `json:"warnings"`
	Error    *ErrorInfo  `json:"error,omitempty"`
}

// UpdateResult is returned by update_memory.
type UpdateResult struct {
	Success  bool       `json:"success"`
	Warnings []Warning  `json:"warnings"`
	Error    *ErrorInfo `json:"error,omitempty"`
}

// DeleteResult is returned by delete_memory.
type DeleteResult struct {
	Success  bool       `json:"success"`
	Warnings []Warning  `json:"warnings,omitempty"`
	Error    *ErrorInfo `json:"error,omitempty"`
}

// GetAllResult is returned by get_all_memory.
type GetAllResult struct {
	Success  bool           `json:"success"`
	Memories []MemoryRecord `json:"memories"`
	Count    int            `json:"count"`
	Warnings []Warning      `json:"warnings,omitempty"`
	Error    *ErrorInfo     `json:"error,omitempty"`
}

// Stats summarizes the running system.
type Stats struct {
	BackendHealth map[string]bool `json:"backend_health"`
	TotalMemories int64           `json:"total_memories"`
	EmbeddingDim  int             `json:"embedding_dim"`
}

// StatsResult is returned by get_stats.
type StatsResult struct {
	Success bool       `json:"success"`
	Stats   Stats      `json:"stats"`
	Error   *ErrorInfo `json:"error,omitempty"`
}
