// Package repo is the single choke point for persistence: typed access
// to every entity, cache-aware reads, and the invariants the store
// itself does not enforce (role/type enums, non-negative numerics).
package repo

import "time"

// Model is a cached catalog row synced from the upstream provider.
type Model struct {
	ExternalID           string
	Name                 string
	ContextLength        int
	PromptUnitPrice      *float64
	CompletionUnitPrice  *float64
	Reasoning            bool
	CreatedAt            time.Time
}

// ModelFilter narrows a model listing.
type ModelFilter struct {
	Reasoning  *bool
	MinContext *int
	MaxPrice   *float64
}

// Profile is a reusable preset of generation parameters.
type Profile struct {
	ID            int64
	Name          string
	SystemPrompt  string
	Temperature   float64
	MaxTokens     int
	PresetLabel   string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

const (
	SessionTypeChat        = "chat"
	SessionTypeCode        = "code"
	SessionTypeDocuments   = "documents"
	SessionTypePlayground  = "playground"
)

// ValidSessionType reports whether t is one of the four allowed kinds.
func ValidSessionType(t string) bool {
	switch t {
	case SessionTypeChat, SessionTypeCode, SessionTypeDocuments, SessionTypePlayground:
		return true
	}
	return false
}

// Session is a conversation container.
type Session struct {
	ID        string
	Type      string
	Title     string
	ProfileID *int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ValidRole reports whether r is one of the four allowed message roles.
func ValidRole(r string) bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		return true
	}
	return false
}

// Message is a single chronological utterance within a session.
type Message struct {
	ID        string
	SessionID string
	Role      string
	Content   string
	CreatedAt time.Time
}

// UsageLog is a per-completion token/cost accounting row.
type UsageLog struct {
	ID               string
	SessionID        string
	ProfileID        *int64
	ModelID          string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	CostUSD          float64
	CreatedAt        time.Time
}

// Document is an uploaded text blob referenced by filename.
type Document struct {
	Filename string
	Size     int64
	Mtime    time.Time
}

// SearchResult is one ranked hit from the message full-text search.
type SearchResult struct {
	MessageID    string
	SessionID    string
	Role         string
	Content      string
	CreatedAt    time.Time
	SessionType  string
	SessionTitle string
	Snippet      string
	Rank         float64
}

// SearchQuery bundles the message-search parameters (§4.2).
type SearchQuery struct {
	Query       string
	SessionType string
	SessionID   string
	ModelID     string
	StartDate   *time.Time
	EndDate     *time.Time
	Limit       int
	Offset      int
}

// MaxSearchLimit is the hard ceiling on SearchQuery.Limit regardless of
// what the caller requested.
const MaxSearchLimit = 200

// TimelineBucket is one grouped period of the usage timeline.
type TimelineBucket struct {
	Period           string
	TotalTokens      int
	PromptTokens     int
	CompletionTokens int
	TotalCostUSD     float64
	RequestCount     int
}

// UsageStats is the overall usage summary.
type UsageStats struct {
	TotalTokens    int
	TotalCostUSD   float64
	UniqueModels   int
	UniqueSessions int
	AvgCostPerReq  float64
	FirstAt        *time.Time
	LastAt         *time.Time
}

// ModelUsage is one row of the per-model usage breakdown.
type ModelUsage struct {
	ModelID          string
	TotalTokens      int
	PromptTokens     int
	CompletionTokens int
	TotalCostUSD     float64
	RequestCount     int
}
