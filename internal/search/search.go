package search

// Result is a single search hit returned to the caller.
type Result struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Snippet   string `json:"snippet"`
	Completed bool   `json:"completed"`
}

// Query describes a search request. UserID scopes results to tasks the
// caller owns or has a grant on.
type Query struct {
	Text   string
	UserID string
	Limit  int
	Offset int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// TaskRecord is the data we index for a task. AllowedUserIDs is the owner
// plus every granted user; it is how the index enforces read visibility.
type TaskRecord struct {
	ID             string   `json:"id"`
	Title          string   `json:"title"`
	Description    string   `json:"description"`
	OwnerID        string   `json:"ownerId"`
	Completed      bool     `json:"completed"`
	AllowedUserIDs []string `json:"allowedUserIds"`
}
