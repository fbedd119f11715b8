// Package roomclient is a Go client for the review-room API: a thin HTTP
// wrapper plus a reconciliation session that keeps a local document copy
// converged with the authoritative room state.
package roomclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"reviewroom/api/internal/room"
	"reviewroom/api/internal/util"
)

// ErrConflict matches any version-conflict error via errors.Is.
var ErrConflict = errors.New("version conflict")

// ConflictError reports a stale write; CurrentVersion is the server's
// authoritative version at rejection time.
type ConflictError struct {
	RoomID         string
	CurrentVersion int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict in room %s (server at v%d)", e.RoomID, e.CurrentVersion)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// HTTPError is any non-2xx reply that is not a version conflict.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// Client calls one review-room server.
type Client struct {
	baseURL    string
	ownerKey   string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func New(baseURL string, httpClient *http.Client) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  100 * time.Millisecond,
		maxDelay:   2 * time.Second,
	}
}

// SetOwnerKey attaches the capability key returned at room creation to all
// subsequent requests.
func (c *Client) SetOwnerKey(key string) {
	c.ownerKey = key
}

// OwnerKey returns the capability key held by this client, empty for guests.
func (c *Client) OwnerKey() string {
	return c.ownerKey
}

type syncResponse struct {
	Exists bool        `json:"exists"`
	State  *room.State `json:"state"`
}

// Sync fetches the current room state. exists is false when the room has
// never been written or has expired.
func (c *Client) Sync(ctx context.Context, roomID string) (*room.State, bool, error) {
	var resp syncResponse
	err := c.doJSON(ctx, http.MethodGet, "/api/room/sync?roomId="+url.QueryEscape(roomID), nil, &resp)
	if err != nil {
		return nil, false, err
	}
	return resp.State, resp.Exists, nil
}

type updateRequest struct {
	RoomID   string        `json:"roomId"`
	Updates  *room.Updates `json:"updates"`
	UserRole room.Role     `json:"userRole"`
	OwnerKey string        `json:"ownerKey,omitempty"`
}

type updateResponse struct {
	Success  bool        `json:"success"`
	Version  int64       `json:"version"`
	State    *room.State `json:"state"`
	OwnerKey string      `json:"ownerKey,omitempty"`
}

// Update pushes a sparse update and returns the authoritative state. When the
// call creates the room, the server mints an owner key which the client
// retains for later owner-gated operations.
func (c *Client) Update(ctx context.Context, roomID string, updates *room.Updates, role room.Role) (*room.State, error) {
	var resp updateResponse
	req := updateRequest{RoomID: roomID, Updates: updates, UserRole: role, OwnerKey: c.ownerKey}
	if err := c.doJSON(ctx, http.MethodPost, "/api/room/update", req, &resp); err != nil {
		return nil, err
	}
	if resp.OwnerKey != "" {
		c.ownerKey = resp.OwnerKey
	}
	return resp.State, nil
}

// CreateRoom mints a shareable room ID and performs the creating write. The
// returned client state carries the owner key for the life of this client.
func (c *Client) CreateRoom(ctx context.Context, content string) (string, *room.State, error) {
	roomID := util.NewRoomID()
	state, err := c.Update(ctx, roomID, &room.Updates{Content: &content}, room.RoleOwner)
	if err != nil {
		return "", nil, err
	}
	return roomID, state, nil
}

type voteRequest struct {
	RoomID      string   `json:"roomId"`
	AnchorKey   string   `json:"anchorKey"`
	OptionIndex int      `json:"optionIndex"`
	Question    string   `json:"question"`
	Options     []string `json:"options"`
}

type voteResponse struct {
	Success  bool          `json:"success"`
	Decision room.Decision `json:"decision"`
}

// Vote casts one ballot on a decision anchor.
func (c *Client) Vote(ctx context.Context, roomID, anchorKey string, optionIndex int, question string, options []string) (room.Decision, error) {
	var resp voteResponse
	req := voteRequest{RoomID: roomID, AnchorKey: anchorKey, OptionIndex: optionIndex, Question: question, Options: options}
	if err := c.doJSON(ctx, http.MethodPost, "/api/vote", req, &resp); err != nil {
		return room.Decision{}, err
	}
	return resp.Decision, nil
}

type reviewRequest struct {
	PRDContent string        `json:"prdContent"`
	KBFiles    []room.KBFile `json:"kbFiles,omitempty"`
}

type reviewResponse struct {
	Comments []room.Comment `json:"comments"`
}

// Review asks the server's AI chain for findings on the given document.
func (c *Client) Review(ctx context.Context, content string, kbFiles []room.KBFile) ([]room.Comment, error) {
	var resp reviewResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/review", reviewRequest{PRDContent: content, KBFiles: kbFiles}, &resp); err != nil {
		return nil, err
	}
	return resp.Comments, nil
}

type impactRequest struct {
	PRDContent string `json:"prdContent"`
}

type impactResponse struct {
	ImpactGraph room.ImpactGraph `json:"impactGraph"`
}

// Impact requests a fresh dependency graph for the document.
func (c *Client) Impact(ctx context.Context, content string) (room.ImpactGraph, error) {
	var resp impactResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/impact", impactRequest{PRDContent: content}, &resp); err != nil {
		return room.ImpactGraph{}, err
	}
	return resp.ImpactGraph, nil
}

type closeRequest struct {
	RoomID   string    `json:"roomId"`
	UserRole room.Role `json:"userRole"`
	OwnerKey string    `json:"ownerKey,omitempty"`
}

// Close marks the room inactive. Owner only.
func (c *Client) Close(ctx context.Context, roomID string) (*room.State, error) {
	var resp updateResponse
	req := closeRequest{RoomID: roomID, UserRole: room.RoleOwner, OwnerKey: c.ownerKey}
	if err := c.doJSON(ctx, http.MethodPost, "/api/room/close", req, &resp); err != nil {
		return nil, err
	}
	return resp.State, nil
}

func (c *Client) doJSON(ctx context.Context, method, requestPath string, body, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}

	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := c.backoff(ctx, attempt+1); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}

		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payload) == 0 {
				return nil
			}
			return json.Unmarshal(payload, out)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < c.maxRetries {
			if waitErr := c.backoff(ctx, attempt+1); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"error"`
			Details struct {
				RoomID         string `json:"roomId"`
				CurrentVersion int64  `json:"currentVersion"`
			} `json:"details"`
		}
		_ = json.Unmarshal(payload, &errPayload)

		if resp.StatusCode == http.StatusConflict {
			return &ConflictError{
				RoomID:         errPayload.Details.RoomID,
				CurrentVersion: errPayload.Details.CurrentVersion,
			}
		}
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Code,
			Message:    errPayload.Message,
		}
	}
}

func (c *Client) backoff(ctx context.Context, attempt int) error {
	delay := c.baseDelay << (attempt - 1)
	if delay > c.maxDelay {
		delay = c.maxDelay
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
