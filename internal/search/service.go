package search

import (
	"log"

	"reviewroom/api/internal/room"
)

// Service is the facade that tries Meilisearch first and falls back to an
// in-memory scan of the room state.
type Service struct {
	meili *Meili
}

// NewService creates a search service. meili may be nil when Meilisearch is
// not configured; every query then takes the fallback path.
func NewService(meili *Meili) *Service {
	return &Service{meili: meili}
}

// Search answers a query against the given room state. The state is the
// authority for the fallback scan and is always available to callers, which
// load it anyway to authorize the request.
func (s *Service) Search(q Query, state *room.State) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back to state scan: %v", err)
	}

	comments, kb := RecordsFromState(state)
	results, total := scanState(q, comments, kb)
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexRoom pushes the room's searchable records to Meilisearch,
// fire-and-forget so writes never wait on the index. The state is deep
// copied first; the caller is free to keep mutating its copy.
func (s *Service) IndexRoom(state *room.State) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	snapshot := state.Clone()
	go func() {
		comments, kb := RecordsFromState(snapshot)
		if err := s.meili.IndexRoom(snapshot.RoomID, comments, kb); err != nil {
			log.Printf("search: index room %s: %v", snapshot.RoomID, err)
		}
	}()
}

func nonNil(results []Result) []Result {
	if results == nil {
		return []Result{}
	}
	return results
}
