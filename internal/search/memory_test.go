package search

import (
	"testing"

	"reviewroom/api/internal/room"
)

func sampleState() *room.State {
	s := room.NewState("r1")
	s.Comments = []room.Comment{
		{ID: "c1", Type: "LOGIC", Severity: "BLOCKER", Position: "2.1", Comment: "缺少异常流程的说明", OriginalText: "用户登录后直接进入首页"},
		{ID: "c2", Type: "HUMAN", Severity: "INFO", Position: "3", Comment: "performance budget is missing", Author: "alice"},
	}
	s.KBFiles = []room.KBFile{
		{ID: "k1", Name: "security-guidelines.md", Content: "All tokens must expire within 24 hours."},
	}
	return s
}

func TestScanStateMatchesComments(t *testing.T) {
	state := sampleState()
	comments, kb := RecordsFromState(state)

	results, total := scanState(Query{RoomID: "r1", Text: "异常流程"}, comments, kb)
	if total != 1 || len(results) != 1 {
		t.Fatalf("total=%d results=%v", total, results)
	}
	if results[0].Type != ResultComment || results[0].ID != "c1" {
		t.Errorf("result = %+v", results[0])
	}
	if results[0].Snippet == "" {
		t.Error("empty snippet")
	}
}

func TestScanStateMatchesKB(t *testing.T) {
	state := sampleState()
	comments, kb := RecordsFromState(state)

	results, total := scanState(Query{RoomID: "r1", Text: "tokens"}, comments, kb)
	if total != 1 || results[0].Type != ResultKB || results[0].Title != "security-guidelines.md" {
		t.Fatalf("results = %+v total = %d", results, total)
	}
}

func TestScanStateCaseInsensitive(t *testing.T) {
	state := sampleState()
	comments, kb := RecordsFromState(state)

	results, _ := scanState(Query{RoomID: "r1", Text: "PERFORMANCE"}, comments, kb)
	if len(results) != 1 || results[0].ID != "c2" {
		t.Fatalf("results = %+v", results)
	}
}

func TestScanStateFilterType(t *testing.T) {
	state := sampleState()
	state.KBFiles[0].Content = "异常流程 reference"
	comments, kb := RecordsFromState(state)

	results, _ := scanState(Query{RoomID: "r1", Text: "异常流程", FilterType: ResultKB}, comments, kb)
	if len(results) != 1 || results[0].Type != ResultKB {
		t.Fatalf("results = %+v", results)
	}
}

func TestScanStateEmptyQuery(t *testing.T) {
	comments, kb := RecordsFromState(sampleState())
	results, total := scanState(Query{RoomID: "r1", Text: "  "}, comments, kb)
	if total != 0 || len(results) != 0 {
		t.Fatalf("blank query matched: %+v", results)
	}
}

func TestServiceFallsBackWithoutMeili(t *testing.T) {
	svc := NewService(nil)
	resp := svc.Search(Query{RoomID: "r1", Text: "tokens"}, sampleState())
	if resp.Total != 1 || len(resp.Results) != 1 {
		t.Fatalf("resp = %+v", resp)
	}
	if resp.Query != "tokens" {
		t.Errorf("query echo = %q", resp.Query)
	}
}

func TestServiceNeverReturnsNilResults(t *testing.T) {
	svc := NewService(nil)
	resp := svc.Search(Query{RoomID: "r1", Text: "no-match-here"}, sampleState())
	if resp.Results == nil {
		t.Fatal("results must be an empty slice, not nil")
	}
}
