package search

// Result is a single search hit returned to the caller.
type Result struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Snippet    string `json:"snippet"`
	Status     string `json:"status"`
	Visibility string `json:"visibility,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text         string
	FilterStatus string // empty = all statuses
	PublicOnly   bool
	Limit        int
	Offset       int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search over prompts.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// PromptRecord is the data we index for a prompt.
type PromptRecord struct {
	ID         string   `json:"id"`
	Title      string   `json:"title"`
	Body       string   `json:"body"`
	Status     string   `json:"status"`
	Visibility string   `json:"visibility"`
	Tags       []string `json:"tags"`
}
