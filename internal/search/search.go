package search

// Result is a single search hit returned to the caller.
type Result struct {
	DocumentID   string `json:"documentId"`
	Title        string `json:"title,omitempty"`
	Snippet      string `json:"snippet"`
	Version      int64  `json:"version"`
	LastEditedBy string `json:"lastEditedBy,omitempty"`
}

// Query describes a search request. Username limits results to documents
// the caller owns or collaborates on.
type Query struct {
	Text     string
	Username string
	Limit    int
	Offset   int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Record is the data we index for a flushed document.
type Record struct {
	ID           string `json:"id"`
	Content      string `json:"content"`
	Version      int64  `json:"version"`
	LastEditedBy string `json:"lastEditedBy"`
	ContentHash  string `json:"contentHash"`
}

func (q Query) normalized() Query {
	if q.Limit <= 0 || q.Limit > 100 {
		q.Limit = 20
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	return q
}
