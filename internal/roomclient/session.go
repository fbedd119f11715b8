package roomclient

import (
	"context"
	"errors"
	"log"
	"time"

	"reviewroom/api/internal/room"
)

// Timing defaults mirror the web editor: poll every 3s, debounce pushes by
// 1s, hold the server's content for 5s after a local keystroke and 2s after
// a write so the echo does not clobber in-flight typing. Everything else
// (comments, settings, decisions) applies on every tick regardless.
const (
	defaultPollInterval = 3 * time.Second
	defaultDebounce     = 1 * time.Second
	defaultQuietPeriod  = 5 * time.Second
	defaultSkipWindow   = 2 * time.Second
)

// SessionOptions tune the reconciliation loop. Zero values take defaults.
type SessionOptions struct {
	PollInterval time.Duration
	Debounce     time.Duration
	QuietPeriod  time.Duration
	SkipWindow   time.Duration

	// OnState receives every authoritative state the session observes,
	// in loop order. While a local edit is in flight the delivered
	// state carries the local draft as Content, never the server echo.
	// Optional.
	OnState func(*room.State)
}

// ErrRoomClosed reports that the owner deactivated the room; Run returns it
// after delivering the closing state to OnState.
var ErrRoomClosed = errors.New("room closed")

// Session drives one client's view of a room: local edits are debounced into
// sparse updates, the server state is polled back in, and version conflicts
// trigger refresh-and-retry. All loop state is owned by the Run goroutine;
// Edit and Nudge are the only cross-goroutine entry points.
type Session struct {
	client *Client
	roomID string
	role   room.Role
	opts   SessionOptions

	edits chan string
	nudge chan struct{}

	// owned by Run
	lastKnown  *room.State
	pending    *string
	lastEditAt time.Time
	lastPushAt time.Time
	closed     bool
}

func NewSession(client *Client, roomID string, role room.Role, opts SessionOptions) *Session {
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.Debounce <= 0 {
		opts.Debounce = defaultDebounce
	}
	if opts.QuietPeriod <= 0 {
		opts.QuietPeriod = defaultQuietPeriod
	}
	if opts.SkipWindow <= 0 {
		opts.SkipWindow = defaultSkipWindow
	}
	return &Session{
		client: client,
		roomID: roomID,
		role:   role,
		opts:   opts,
		edits:  make(chan string, 1),
		nudge:  make(chan struct{}, 1),
	}
}

// Edit records the full local document after a keystroke. Only the latest
// edit matters; earlier unsent snapshots are dropped.
func (s *Session) Edit(content string) {
	for {
		select {
		case s.edits <- content:
			return
		default:
			select {
			case <-s.edits:
			default:
			}
		}
	}
}

// Nudge requests an immediate pull, typically from a server-push watcher.
func (s *Session) Nudge() {
	select {
	case s.nudge <- struct{}{}:
	default:
	}
}

// Run executes the loop until ctx is cancelled. The initial sync runs before
// the first tick so callers observe the room immediately.
func (s *Session) Run(ctx context.Context) error {
	if err := s.pull(ctx); err != nil && ctx.Err() != nil {
		return ctx.Err()
	}

	poll := time.NewTicker(s.opts.PollInterval)
	defer poll.Stop()

	debounce := time.NewTimer(s.opts.Debounce)
	if !debounce.Stop() {
		<-debounce.C
	}
	defer debounce.Stop()

	for {
		if s.closed {
			return ErrRoomClosed
		}
		select {
		case <-ctx.Done():
			return ctx.Err()

		case content := <-s.edits:
			s.pending = &content
			s.lastEditAt = time.Now()
			resetTimer(debounce, s.opts.Debounce)

		case <-debounce.C:
			if s.push(ctx) {
				resetTimer(debounce, s.opts.Debounce)
			}

		case <-s.nudge:
			_ = s.pull(ctx)

		case <-poll.C:
			_ = s.pull(ctx)
		}
	}
}

// State returns the last authoritative state seen. Only safe from the
// OnState callback or after Run returns.
func (s *Session) State() *room.State {
	return s.lastKnown
}

// push sends the pending content. Returns true when a retry should be
// scheduled: the write conflicted and the base was refreshed, or it failed
// transiently and the pending edit is still worth sending.
func (s *Session) push(ctx context.Context) bool {
	if s.pending == nil {
		return false
	}
	updates := &room.Updates{Content: s.pending}
	if s.lastKnown != nil {
		base := s.lastKnown.Version
		updates.BaseVersion = &base
	}

	state, err := s.client.Update(ctx, s.roomID, updates, s.role)
	if err != nil {
		if errors.Is(err, ErrConflict) {
			// Refresh the base and retry with the pending edit intact.
			_ = s.refreshBase(ctx)
			return true
		}
		var he *HTTPError
		if errors.As(err, &he) && he.StatusCode >= 400 && he.StatusCode < 500 {
			// The server refused the edit outright (permissions, locked
			// room); retrying the same payload cannot succeed.
			log.Printf("roomclient: push room %s rejected: %v", s.roomID, err)
			s.pending = nil
			return false
		}
		log.Printf("roomclient: push room %s: %v", s.roomID, err)
		return true
	}

	s.pending = nil
	s.lastPushAt = time.Now()
	s.observe(state, true)
	return false
}

func (s *Session) pull(ctx context.Context) error {
	state, exists, err := s.client.Sync(ctx, s.roomID)
	if err != nil {
		log.Printf("roomclient: sync room %s: %v", s.roomID, err)
		return err
	}
	if !exists {
		return nil
	}
	s.observe(state, false)
	return nil
}

// refreshBase updates lastKnown without invoking OnState, so a conflicted
// local edit is not visually reverted before the retry lands.
func (s *Session) refreshBase(ctx context.Context) error {
	state, exists, err := s.client.Sync(ctx, s.roomID)
	if err != nil || !exists {
		return err
	}
	s.lastKnown = state
	return nil
}

// observe takes a server state as the new truth. Non-content fields always
// win; Content is taken only when it is authoritative (our own write's
// response) or the editor has settled, so a polled echo never reverts
// in-flight typing.
func (s *Session) observe(state *room.State, contentAuthoritative bool) {
	if state == nil {
		return
	}
	if s.lastKnown != nil && state.Version < s.lastKnown.Version {
		// Stale read beaten by our own write; ignore.
		return
	}
	if !contentAuthoritative && !s.contentSettled() && s.lastKnown != nil {
		patched := *state
		if s.pending != nil {
			patched.Content = *s.pending
		} else {
			patched.Content = s.lastKnown.Content
		}
		state = &patched
	}
	s.lastKnown = state
	if s.opts.OnState != nil {
		s.opts.OnState(state)
	}
	if !state.Settings.IsActive {
		s.closed = true
	}
}

// contentSettled reports whether the server's content may replace the local
// draft: nothing pending, and both the keystroke quiet period and the
// post-write echo window have passed.
func (s *Session) contentSettled() bool {
	if s.pending != nil {
		return false
	}
	if time.Since(s.lastEditAt) < s.opts.QuietPeriod {
		return false
	}
	if time.Since(s.lastPushAt) < s.opts.SkipWindow {
		return false
	}
	return true
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
