package search

import "strings"

// snippetRadius is how many runes of context surround a match in fallback
// snippets.
const snippetRadius = 60

// scanState is the degraded path when Meilisearch is down: a case-insensitive
// substring scan over the room's comments and KB documents. Rooms are small
// enough that this stays interactive.
func scanState(q Query, comments []CommentRecord, kb []KBRecord) ([]Result, int) {
	needle := strings.ToLower(strings.TrimSpace(q.Text))
	if needle == "" {
		return []Result{}, 0
	}

	var results []Result
	if q.FilterType == "" || q.FilterType == ResultComment {
		for _, c := range comments {
			haystack := c.Body + "\n" + c.Quoted + "\n" + c.Position + "\n" + c.Author
			if idx := strings.Index(strings.ToLower(haystack), needle); idx >= 0 {
				results = append(results, Result{
					Type:    ResultComment,
					ID:      c.ID,
					RoomID:  c.RoomID,
					Title:   c.Position,
					Snippet: snippetAround(haystack, idx, len(needle)),
				})
			}
		}
	}
	if q.FilterType == "" || q.FilterType == ResultKB {
		for _, f := range kb {
			haystack := f.Name + "\n" + f.Content
			if idx := strings.Index(strings.ToLower(haystack), needle); idx >= 0 {
				results = append(results, Result{
					Type:    ResultKB,
					ID:      f.ID,
					RoomID:  f.RoomID,
					Title:   f.Name,
					Snippet: snippetAround(haystack, idx, len(needle)),
				})
			}
		}
	}

	total := len(results)
	if q.Offset > 0 {
		if q.Offset >= len(results) {
			return []Result{}, total
		}
		results = results[q.Offset:]
	}
	limit := q.Limit
	if limit == 0 {
		limit = 20
	}
	if len(results) > limit {
		results = results[:limit]
	}
	return results, total
}

// snippetAround trims the haystack to a window around the byte offset of the
// match, snapping to rune boundaries.
func snippetAround(haystack string, idx, matchLen int) string {
	start := idx - snippetRadius
	if start < 0 {
		start = 0
	}
	end := idx + matchLen + snippetRadius
	if end > len(haystack) {
		end = len(haystack)
	}
	for start > 0 && !isRuneStart(haystack[start]) {
		start--
	}
	for end < len(haystack) && !isRuneStart(haystack[end]) {
		end++
	}
	snippet := strings.TrimSpace(haystack[start:end])
	if start > 0 {
		snippet = "…" + snippet
	}
	if end < len(haystack) {
		snippet += "…"
	}
	return snippet
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
