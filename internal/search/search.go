package search

import (
	"reviewroom/api/internal/room"
)

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultComment ResultType = "comment"
	ResultKB      ResultType = "kb"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type    ResultType `json:"type"`
	ID      string     `json:"id"`
	Title   string     `json:"title"`
	Snippet string     `json:"snippet"`
	RoomID  string     `json:"roomId"`
}

// Query describes a search request, always scoped to one room.
type Query struct {
	RoomID     string
	Text       string
	FilterType ResultType // empty = all types
	Limit      int
	Offset     int
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

// CommentRecord is the data we index for a review comment.
type CommentRecord struct {
	ID       string `json:"id"`
	RoomID   string `json:"roomId"`
	Body     string `json:"body"`
	Position string `json:"position"`
	Quoted   string `json:"quoted"`
	Type     string `json:"commentType"`
	Severity string `json:"severity"`
	Author   string `json:"author"`
}

// KBRecord is the data we index for a knowledge-base document.
type KBRecord struct {
	ID      string `json:"id"`
	RoomID  string `json:"roomId"`
	Name    string `json:"name"`
	Content string `json:"content"`
}

// RecordsFromState flattens a room state into indexable records.
func RecordsFromState(s *room.State) ([]CommentRecord, []KBRecord) {
	comments := make([]CommentRecord, 0, len(s.Comments))
	for _, c := range s.Comments {
		comments = append(comments, CommentRecord{
			ID:       c.ID,
			RoomID:   s.RoomID,
			Body:     c.Comment,
			Position: c.Position,
			Quoted:   c.OriginalText,
			Type:     c.Type,
			Severity: c.Severity,
			Author:   c.Author,
		})
	}
	kb := make([]KBRecord, 0, len(s.KBFiles))
	for _, f := range s.KBFiles {
		kb = append(kb, KBRecord{
			ID:      f.ID,
			RoomID:  s.RoomID,
			Name:    f.Name,
			Content: f.Content,
		})
	}
	return comments, kb
}
