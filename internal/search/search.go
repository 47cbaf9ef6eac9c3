package search

import "time"

// Result is a single search hit returned to the caller.
type Result struct {
	ID         string    `json:"id"`
	ChannelID  string    `json:"channelId"`
	SenderID   string    `json:"senderId"`
	SenderName string    `json:"senderName"`
	Snippet    string    `json:"snippet"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Query describes a search request. ChannelID is always set: searches are
// scoped to one channel and the caller has already passed the membership gate.
type Query struct {
	Text      string
	ChannelID string
	Limit     int
	Offset    int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search over messages.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push messages into a search index.
type Indexer interface {
	IndexMessage(rec MessageRecord) error
	DeleteMessage(id string) error
}

// MessageRecord is the data we index for a message. Trashed messages are
// deleted from the index rather than flagged, so the index never needs a
// trash filter.
type MessageRecord struct {
	ID         string `json:"id"`
	ChannelID  string `json:"channelId"`
	SenderID   string `json:"senderId"`
	SenderName string `json:"senderName"`
	Content    string `json:"content"`
	CreatedAt  int64  `json:"createdAt"`
}
