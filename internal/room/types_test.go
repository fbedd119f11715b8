package room

import "testing"

func TestCloneIsIndependentOfOriginal(t *testing.T) {
	s := NewState("r1")
	s.Content = "# Draft"
	s.Comments = []Comment{{ID: "c1", Type: "HUMAN", Severity: "INFO", Comment: "looks fine"}}
	s.KBFiles = []KBFile{{ID: "kb1", Name: "glossary.md", Content: "terms"}}
	s.ImpactGraph = ImpactGraph{
		Nodes: []ImpactNode{{ID: "login", Group: 1}},
		Links: []ImpactLink{{Source: "login", Target: "billing"}},
	}
	s.Decisions = map[string]Decision{
		"d1": {
			Question:   "Ship now?",
			Options:    []string{"同意 (Agree)", "反对 (Disagree)"},
			Votes:      map[string]int{"0": 2},
			TotalVotes: 2,
		},
	}

	c := s.Clone()

	c.Comments[0].Comment = "edited"
	c.Comments = append(c.Comments, Comment{ID: "c2"})
	c.KBFiles[0].Content = "mutated"
	c.ImpactGraph.Nodes[0].Group = 9
	c.ImpactGraph.Links[0].Target = "elsewhere"
	d := c.Decisions["d1"]
	d.Options[0] = "changed"
	d.Votes["0"] = 99
	d.Votes["1"] = 1
	c.Decisions["d1"] = d
	c.Decisions["d2"] = Decision{Question: "extra"}

	if got := s.Comments[0].Comment; got != "looks fine" {
		t.Fatalf("original comment mutated: %q", got)
	}
	if len(s.Comments) != 1 {
		t.Fatalf("original comments len = %d, want 1", len(s.Comments))
	}
	if got := s.KBFiles[0].Content; got != "terms" {
		t.Fatalf("original kb file mutated: %q", got)
	}
	if got := s.ImpactGraph.Nodes[0].Group; got != 1 {
		t.Fatalf("original graph node mutated: group = %d", got)
	}
	if got := s.ImpactGraph.Links[0].Target; got != "billing" {
		t.Fatalf("original graph link mutated: %q", got)
	}
	orig := s.Decisions["d1"]
	if orig.Options[0] != "同意 (Agree)" {
		t.Fatalf("original decision option mutated: %q", orig.Options[0])
	}
	if orig.Votes["0"] != 2 || len(orig.Votes) != 1 {
		t.Fatalf("original votes mutated: %v", orig.Votes)
	}
	if _, ok := s.Decisions["d2"]; ok {
		t.Fatal("new decision leaked into original")
	}
}
