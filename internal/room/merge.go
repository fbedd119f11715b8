package room

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

var (
	ErrGuestEditDenied    = errors.New("guest editing is disabled")
	ErrGuestCommentDenied = errors.New("guest commenting is disabled")
	ErrRoomLocked         = errors.New("room is approved and locked")
	ErrVersionConflict    = errors.New("version conflict")
	ErrOwnerOnly          = errors.New("owner required")
)

// SettingsPatch shallow-merges into Settings; nil fields are untouched.
type SettingsPatch struct {
	AllowGuestEdit    *bool   `json:"allowGuestEdit,omitempty"`
	AllowGuestComment *bool   `json:"allowGuestComment,omitempty"`
	IsActive          *bool   `json:"isActive,omitempty"`
	Status            *Status `json:"status,omitempty"`
}

// Updates is one client push. Pointer fields distinguish "absent" from
// zero-value: only present sections touch the state.
type Updates struct {
	Content     *string             `json:"content,omitempty"`
	NewComment  *Comment            `json:"newComment,omitempty"`
	NewComments []Comment           `json:"newComments,omitempty"`
	Comments    *[]Comment          `json:"comments,omitempty"`
	KBFiles     *[]KBFile           `json:"kbFiles,omitempty"`
	Decisions   map[string]Decision `json:"decisions,omitempty"`
	ImpactGraph *ImpactGraph        `json:"impactGraph,omitempty"`
	Settings    *SettingsPatch      `json:"settings,omitempty"`

	// BaseVersion, when set, turns the write into a compare-and-set
	// against the stored version. Absent means last-writer-wins.
	BaseVersion *int64 `json:"baseVersion,omitempty"`
}

func (u *Updates) touchesContent() bool {
	return u.Content != nil || u.KBFiles != nil || u.Decisions != nil || u.ImpactGraph != nil
}

func (u *Updates) touchesComments() bool {
	return u.NewComment != nil || u.NewComments != nil || u.Comments != nil
}

// Apply merges one update into the state in place. Permission checks run
// before any field is touched, so a rejected request leaves the state
// unmodified. Returns ErrVersionConflict without mutation when BaseVersion
// is set and stale.
func Apply(s *State, u *Updates, role Role) error {
	if u.BaseVersion != nil && *u.BaseVersion != s.Version {
		return ErrVersionConflict
	}

	locked := s.Settings.Status == StatusApproved
	if locked && (u.touchesContent() || u.touchesComments()) {
		return ErrRoomLocked
	}
	if role != RoleOwner {
		if u.Settings != nil {
			return ErrOwnerOnly
		}
		if u.Content != nil && !s.Settings.AllowGuestEdit {
			return ErrGuestEditDenied
		}
		if u.touchesComments() && !s.Settings.AllowGuestComment {
			return ErrGuestCommentDenied
		}
	}

	if u.Content != nil {
		s.Content = *u.Content
	}
	if u.KBFiles != nil {
		s.KBFiles = *u.KBFiles
	}
	if u.Decisions != nil {
		s.Decisions = u.Decisions
	}
	if u.ImpactGraph != nil {
		s.ImpactGraph = *u.ImpactGraph
	}
	if u.Settings != nil {
		applySettings(&s.Settings, u.Settings)
	}

	// Comments prefer append over replace so concurrent writers do not
	// clobber each other's additions. First matching form wins.
	if s.Comments == nil {
		s.Comments = []Comment{}
	}
	switch {
	case u.NewComment != nil:
		s.Comments = append(s.Comments, *u.NewComment)
	case u.NewComments != nil:
		s.Comments = append(s.Comments, u.NewComments...)
	case u.Comments != nil:
		s.Comments = *u.Comments
	}

	s.Version++
	s.LastUpdated = time.Now().UnixMilli()
	return nil
}

func applySettings(dst *Settings, patch *SettingsPatch) {
	if patch.AllowGuestEdit != nil {
		dst.AllowGuestEdit = *patch.AllowGuestEdit
	}
	if patch.AllowGuestComment != nil {
		dst.AllowGuestComment = *patch.AllowGuestComment
	}
	if patch.IsActive != nil {
		dst.IsActive = *patch.IsActive
	}
	if patch.Status != nil {
		dst.Status = *patch.Status
	}
}

// RecordVote registers one ballot for anchorKey, seeding the decision
// record on first vote. Voting never advances the document version.
func RecordVote(s *State, anchorKey string, optionIndex int, question string, options []string) (Decision, error) {
	if optionIndex < 0 {
		return Decision{}, errors.New("option index out of range")
	}
	key := strings.TrimSpace(anchorKey)
	if key == "" {
		return Decision{}, errors.New("anchor key required")
	}
	if s.Decisions == nil {
		s.Decisions = map[string]Decision{}
	}
	d, ok := s.Decisions[key]
	if !ok {
		d = Decision{
			Question:  question,
			Options:   options,
			Votes:     map[string]int{},
			AISummary: "等待更多投票以生成共识...",
		}
	}
	if d.Votes == nil {
		d.Votes = map[string]int{}
	}
	if len(d.Options) > 0 && optionIndex >= len(d.Options) {
		return Decision{}, errors.New("option index out of range")
	}
	idx := strconv.Itoa(optionIndex)
	d.Votes[idx]++
	d.TotalVotes++
	s.Decisions[key] = d
	return d, nil
}
