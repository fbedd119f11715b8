package app

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"reviewroom/api/internal/ai"
	"reviewroom/api/internal/auth"
	"reviewroom/api/internal/export"
	"reviewroom/api/internal/realtime"
	"reviewroom/api/internal/room"
	"reviewroom/api/internal/search"
	"reviewroom/api/internal/statestore"
)

// ServiceConfig carries the behavior switches the service cannot infer.
type ServiceConfig struct {
	// FailOpen maps store read failures to "room does not exist" instead
	// of surfacing 503. Matches the permissive edge-runtime behavior;
	// off by default because it silently forks rooms during outages.
	FailOpen bool

	// RequireOwnerKey makes owner-role requests prove ownership with the
	// capability key minted at creation. Off by default for legacy
	// clients that only assert a role string.
	RequireOwnerKey bool
}

// Service implements the room operations behind the HTTP surface.
type Service struct {
	store    statestore.Store
	bus      *realtime.Bus // nil disables realtime events
	reviewer *ai.Reviewer
	impact   *ai.ImpactAnalyzer
	search   *search.Service
	export   *export.Service
	cfg      ServiceConfig
}

func NewService(
	store statestore.Store,
	bus *realtime.Bus,
	reviewer *ai.Reviewer,
	impact *ai.ImpactAnalyzer,
	searchSvc *search.Service,
	exportSvc *export.Service,
	cfg ServiceConfig,
) *Service {
	return &Service{
		store:    store,
		bus:      bus,
		reviewer: reviewer,
		impact:   impact,
		search:   searchSvc,
		export:   exportSvc,
		cfg:      cfg,
	}
}

// Ping reports backing-store connectivity for readiness checks.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// loadState applies the configured read-failure policy.
func (s *Service) loadState(ctx context.Context, roomID string) (*room.State, error) {
	state, err := s.store.Get(ctx, roomID)
	if err == nil {
		return state, nil
	}
	if errors.Is(err, statestore.ErrNotFound) {
		return nil, err
	}
	if s.cfg.FailOpen {
		log.Printf(`{"msg":"store read failed, treating room as absent","room":%q,"error":%q}`, roomID, err.Error())
		return nil, statestore.ErrNotFound
	}
	return nil, domainError(http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "State store unreachable", nil)
}

// Sync returns the sanitized state, or exists=false for unknown rooms.
func (s *Service) Sync(ctx context.Context, roomID string) (*room.State, bool, error) {
	if roomID == "" {
		return nil, false, domainError(http.StatusBadRequest, "INVALID_ROOM_ID", "No Room ID", nil)
	}
	state, err := s.loadState(ctx, roomID)
	if errors.Is(err, statestore.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return state.Sanitize(), true, nil
}

// UpdateParams is one state mutation request.
type UpdateParams struct {
	RoomID   string
	Updates  *room.Updates
	Role     room.Role
	OwnerKey string
}

// UpdateResult carries the authoritative state after the write. OwnerKey is
// non-empty exactly once, when the write created the room.
type UpdateResult struct {
	State    *room.State
	OwnerKey string
}

// Update applies a sparse update, creating the room on first write.
func (s *Service) Update(ctx context.Context, p UpdateParams) (UpdateResult, error) {
	if p.RoomID == "" {
		return UpdateResult{}, domainError(http.StatusBadRequest, "INVALID_ROOM_ID", "No Room ID", nil)
	}
	if p.Updates == nil {
		return UpdateResult{}, domainError(http.StatusBadRequest, "INVALID_BODY", "Missing updates", nil)
	}

	state, err := s.loadState(ctx, p.RoomID)
	if errors.Is(err, statestore.ErrNotFound) {
		return s.createRoom(ctx, p)
	}
	if err != nil {
		return UpdateResult{}, err
	}

	if err := s.authorizeOwner(state, p.Role, p.OwnerKey); err != nil {
		return UpdateResult{}, err
	}

	if err := room.Apply(state, p.Updates, p.Role); err != nil {
		return UpdateResult{}, mapMergeError(p.RoomID, state, err)
	}

	if err := s.persist(ctx, state); err != nil {
		return UpdateResult{}, err
	}
	return UpdateResult{State: state.Sanitize()}, nil
}

// createRoom materializes the default state seeded from the first write.
// The creator becomes the owner: a capability key is minted and only its
// hash is kept.
func (s *Service) createRoom(ctx context.Context, p UpdateParams) (UpdateResult, error) {
	state := room.NewState(p.RoomID)
	if p.Updates.Content != nil {
		state.Content = *p.Updates.Content
	}
	if p.Updates.KBFiles != nil {
		state.KBFiles = *p.Updates.KBFiles
	}

	key, hash, err := auth.MintOwnerKey()
	if err != nil {
		return UpdateResult{}, domainError(http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil)
	}
	state.OwnerKeyHash = hash

	if err := s.persist(ctx, state); err != nil {
		return UpdateResult{}, err
	}
	return UpdateResult{State: state.Sanitize(), OwnerKey: key}, nil
}

func (s *Service) authorizeOwner(state *room.State, role room.Role, ownerKey string) error {
	if !s.cfg.RequireOwnerKey || role != room.RoleOwner {
		return nil
	}
	if err := auth.VerifyOwnerKey(state.OwnerKeyHash, ownerKey); err != nil {
		return domainError(http.StatusForbidden, "INVALID_OWNER_KEY", "Owner key missing or invalid", nil)
	}
	return nil
}

// persist writes the state, then lets the search index and event bus catch
// up. Only the store write can fail the request.
func (s *Service) persist(ctx context.Context, state *room.State) error {
	if err := s.store.Put(ctx, state.RoomID, state); err != nil {
		log.Printf(`{"msg":"store write failed","room":%q,"error":%q}`, state.RoomID, err.Error())
		return domainError(http.StatusInternalServerError, "STORE_WRITE_FAILED", "Update failed", nil)
	}
	if s.search != nil {
		s.search.IndexRoom(state)
	}
	s.publish(state)
	return nil
}

func (s *Service) publish(state *room.State) {
	if s.bus == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.bus.Publish(ctx, realtime.Event{RoomID: state.RoomID, Version: state.Version}); err != nil {
		log.Printf(`{"msg":"publish room event failed","room":%q,"error":%q}`, state.RoomID, err.Error())
	}
}

func mapMergeError(roomID string, state *room.State, err error) error {
	switch {
	case errors.Is(err, room.ErrVersionConflict):
		return domainError(http.StatusConflict, "VERSION_CONFLICT", "Room state has moved on", map[string]any{
			"roomId":         roomID,
			"currentVersion": state.Version,
		})
	case errors.Is(err, room.ErrGuestEditDenied):
		return domainError(http.StatusForbidden, "GUEST_EDIT_DISABLED", "Permission Denied: Guest editing is disabled.", nil)
	case errors.Is(err, room.ErrGuestCommentDenied):
		return domainError(http.StatusForbidden, "GUEST_COMMENT_DISABLED", "Permission Denied: Guest commenting is disabled.", nil)
	case errors.Is(err, room.ErrOwnerOnly):
		return domainError(http.StatusForbidden, "OWNER_ONLY", "Only the owner can change room settings", nil)
	case errors.Is(err, room.ErrRoomLocked):
		return domainError(http.StatusForbidden, "ROOM_LOCKED", "Room is approved and locked", nil)
	default:
		return domainError(http.StatusBadRequest, "INVALID_UPDATE", err.Error(), nil)
	}
}

// VoteParams is one ballot on a decision anchor.
type VoteParams struct {
	RoomID      string
	AnchorKey   string
	OptionIndex int
	Question    string
	Options     []string
}

// Vote records a ballot. The document version stays put; an event is still
// published so other participants refresh their tallies.
func (s *Service) Vote(ctx context.Context, p VoteParams) (room.Decision, error) {
	if p.RoomID == "" {
		return room.Decision{}, domainError(http.StatusBadRequest, "INVALID_ROOM_ID", "No Room ID", nil)
	}
	state, err := s.loadState(ctx, p.RoomID)
	if errors.Is(err, statestore.ErrNotFound) {
		return room.Decision{}, domainError(http.StatusNotFound, "ROOM_NOT_FOUND", "Room not found", nil)
	}
	if err != nil {
		return room.Decision{}, err
	}

	decision, err := room.RecordVote(state, p.AnchorKey, p.OptionIndex, p.Question, p.Options)
	if err != nil {
		return room.Decision{}, domainError(http.StatusBadRequest, "INVALID_VOTE", err.Error(), nil)
	}

	if err := s.persist(ctx, state); err != nil {
		return room.Decision{}, err
	}
	return decision, nil
}

// Review runs the AI review chain over the given document. Degradation is
// handled inside the reviewer; this never fails.
func (s *Service) Review(ctx context.Context, content string, kbFiles []room.KBFile) []room.Comment {
	return s.reviewer.Review(ctx, content, kbFiles)
}

// Impact generates the dependency graph for the given document.
func (s *Service) Impact(ctx context.Context, content string) (room.ImpactGraph, error) {
	graph, err := s.impact.Generate(ctx, content)
	if err != nil {
		log.Printf(`{"msg":"impact graph generation failed","error":%q}`, err.Error())
		return room.ImpactGraph{}, domainError(http.StatusInternalServerError, "GRAPH_GEN_FAILED", "Graph Gen Failed: "+err.Error(), nil)
	}
	return graph, nil
}

// CloseParams identifies the room to deactivate.
type CloseParams struct {
	RoomID   string
	Role     room.Role
	OwnerKey string
}

// CloseRoom marks the room inactive. It stays readable until the TTL
// expires it; closing an unknown room succeeds, matching the
// fire-and-forget close semantics clients rely on during teardown.
func (s *Service) CloseRoom(ctx context.Context, p CloseParams) error {
	if p.Role != room.RoleOwner {
		return domainError(http.StatusForbidden, "OWNER_ONLY", "Only Owner can close room", nil)
	}
	state, err := s.loadState(ctx, p.RoomID)
	if errors.Is(err, statestore.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := s.authorizeOwner(state, p.Role, p.OwnerKey); err != nil {
		return err
	}

	state.Settings.IsActive = false
	return s.persist(ctx, state)
}

// Search answers a room-scoped query over comments and KB documents.
func (s *Service) Search(ctx context.Context, q search.Query) (search.Response, error) {
	state, err := s.loadState(ctx, q.RoomID)
	if errors.Is(err, statestore.ErrNotFound) {
		return search.Response{}, domainError(http.StatusNotFound, "ROOM_NOT_FOUND", "Room not found", nil)
	}
	if err != nil {
		return search.Response{}, err
	}
	return s.search.Search(q, state), nil
}

// Export renders the room document in the requested format.
func (s *Service) Export(ctx context.Context, req export.Request) (*export.Result, error) {
	state, err := s.loadState(ctx, req.RoomID)
	if errors.Is(err, statestore.ErrNotFound) {
		return nil, domainError(http.StatusNotFound, "ROOM_NOT_FOUND", "Room not found", nil)
	}
	if err != nil {
		return nil, err
	}

	result, err := s.export.Export(state, req)
	if err != nil {
		if errors.Is(err, export.ErrPDFDependencyMissing) || errors.Is(err, export.ErrDOCXDependencyMissing) {
			return nil, domainError(http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "Export dependencies are not installed", nil)
		}
		return nil, domainError(http.StatusInternalServerError, "EXPORT_FAILED", "Export failed", nil)
	}
	return result, nil
}

// Subscribe opens a realtime event stream for a room. Returns a nil channel
// when no bus is configured; callers fall back to plain polling.
func (s *Service) Subscribe(ctx context.Context, roomID string) (<-chan realtime.Event, func(), error) {
	if s.bus == nil {
		return nil, nil, domainError(http.StatusServiceUnavailable, "REALTIME_UNAVAILABLE", "Realtime events are not configured", nil)
	}
	return s.bus.Subscribe(ctx, roomID)
}
