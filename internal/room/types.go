package room

import "time"

type Role string

const (
	RoleOwner Role = "OWNER"
	RoleGuest Role = "GUEST"
)

type Status string

const (
	StatusDraft    Status = "DRAFT"
	StatusReview   Status = "REVIEW"
	StatusApproved Status = "APPROVED"
)

// Comment covers both human remarks and AI review findings. Human comments
// carry type HUMAN with severity INFO; AI findings use LOGIC/TECH/RISK/LANGUAGE
// with BLOCKER/WARNING/SUGGESTION.
type Comment struct {
	ID           string `json:"id"`
	Type         string `json:"type"`
	Severity     string `json:"severity"`
	Position     string `json:"position"`
	OriginalText string `json:"originalText"`
	Comment      string `json:"comment"`
	Question     string `json:"question,omitempty"`
	Author       string `json:"author,omitempty"`
	Timestamp    int64  `json:"timestamp,omitempty"`
}

// Decision accumulates votes for one {{DECISION: ...}} anchor.
// Votes is keyed by option index into Options.
type Decision struct {
	Question   string         `json:"question"`
	Options    []string       `json:"options"`
	Votes      map[string]int `json:"votes"`
	TotalVotes int            `json:"totalVotes"`
	AISummary  string         `json:"aiSummary,omitempty"`
}

type ImpactNode struct {
	ID    string `json:"id"`
	Group int    `json:"group"`
	Val   int    `json:"val,omitempty"`
}

type ImpactLink struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

type ImpactGraph struct {
	Nodes []ImpactNode `json:"nodes"`
	Links []ImpactLink `json:"links"`
}

type KBFile struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Content    string `json:"content"`
	Size       int    `json:"size"`
	UploadedAt int64  `json:"uploadedAt"`
}

type Settings struct {
	AllowGuestEdit    bool   `json:"allowGuestEdit"`
	AllowGuestComment bool   `json:"allowGuestComment"`
	IsActive          bool   `json:"isActive"`
	Status            Status `json:"status"`
}

// State is the full shared blob for one room. OwnerKeyHash never leaves the
// store; Sanitize strips it before the state is returned to a client.
type State struct {
	RoomID       string              `json:"roomId"`
	Content      string              `json:"content"`
	Comments     []Comment           `json:"comments"`
	KBFiles      []KBFile            `json:"kbFiles"`
	Decisions    map[string]Decision `json:"decisions"`
	ImpactGraph  ImpactGraph         `json:"impactGraph"`
	Settings     Settings            `json:"settings"`
	Version      int64               `json:"version"`
	LastUpdated  int64               `json:"lastUpdated"`
	OwnerKeyHash string              `json:"ownerKeyHash,omitempty"`
}

// NewState returns the default blob a first sync materializes.
func NewState(roomID string) *State {
	return &State{
		RoomID:    roomID,
		Content:   "",
		Comments:  []Comment{},
		KBFiles:   []KBFile{},
		Decisions: map[string]Decision{},
		ImpactGraph: ImpactGraph{
			Nodes: []ImpactNode{},
			Links: []ImpactLink{},
		},
		Settings: Settings{
			AllowGuestEdit:    false,
			AllowGuestComment: false,
			IsActive:          true,
			Status:            StatusDraft,
		},
		Version:     1,
		LastUpdated: time.Now().UnixMilli(),
	}
}

// Sanitize returns a copy safe to hand to any client.
func (s *State) Sanitize() *State {
	out := *s
	out.OwnerKeyHash = ""
	return &out
}

// Clone deep-copies the state so concurrent readers never observe a
// half-applied update.
func (s *State) Clone() *State {
	out := *s
	out.Comments = append([]Comment(nil), s.Comments...)
	out.KBFiles = append([]KBFile(nil), s.KBFiles...)
	out.ImpactGraph.Nodes = append([]ImpactNode(nil), s.ImpactGraph.Nodes...)
	out.ImpactGraph.Links = append([]ImpactLink(nil), s.ImpactGraph.Links...)
	out.Decisions = make(map[string]Decision, len(s.Decisions))
	for k, d := range s.Decisions {
		d.Options = append([]string(nil), d.Options...)
		votes := make(map[string]int, len(d.Votes))
		for idx, n := range d.Votes {
			votes[idx] = n
		}
		d.Votes = votes
		out.Decisions[k] = d
	}
	return &out
}
