package roomclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"reviewroom/api/internal/room"
)

// fakeServer is a minimal in-memory room API for client tests.
type fakeServer struct {
	mu          sync.Mutex
	state       *room.State
	updates     int
	failUpdates int // respond 500 to this many update calls first
}

func (f *fakeServer) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/room/sync", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.state == nil {
			json.NewEncoder(w).Encode(map[string]any{"exists": false})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"exists": true, "state": f.state})
	})

	mux.HandleFunc("/api/room/update", func(w http.ResponseWriter, r *http.Request) {
		var req updateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode update: %v", err)
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.failUpdates > 0 {
			f.failUpdates--
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		f.updates++

		created := false
		if f.state == nil {
			f.state = room.NewState(req.RoomID)
			created = true
		}
		if err := room.Apply(f.state, req.Updates, req.UserRole); err != nil {
			if errors.Is(err, room.ErrVersionConflict) {
				w.WriteHeader(http.StatusConflict)
				json.NewEncoder(w).Encode(map[string]any{
					"code":  "VERSION_CONFLICT",
					"error": "version conflict",
					"details": map[string]any{
						"roomId":         req.RoomID,
						"currentVersion": f.state.Version,
					},
				})
				return
			}
			w.WriteHeader(http.StatusForbidden)
			json.NewEncoder(w).Encode(map[string]any{"code": "FORBIDDEN", "error": err.Error()})
			return
		}
		resp := map[string]any{"success": true, "version": f.state.Version, "state": f.state}
		if created {
			resp["ownerKey"] = "minted-key"
		}
		json.NewEncoder(w).Encode(resp)
	})

	return mux
}

func TestClientSyncMissingRoom(t *testing.T) {
	fs := &fakeServer{}
	srv := httptest.NewServer(fs.handler(t))
	defer srv.Close()

	c := New(srv.URL, nil)
	state, exists, err := c.Sync(context.Background(), "nope")
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if exists || state != nil {
		t.Errorf("exists=%v state=%v", exists, state)
	}
}

func TestClientUpdateCreatesAndKeepsOwnerKey(t *testing.T) {
	fs := &fakeServer{}
	srv := httptest.NewServer(fs.handler(t))
	defer srv.Close()

	c := New(srv.URL, nil)
	content := "# Draft"
	state, err := c.Update(context.Background(), "r1", &room.Updates{Content: &content}, room.RoleOwner)
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if state.Content != "# Draft" || state.Version != 2 {
		t.Errorf("state = content %q v%d", state.Content, state.Version)
	}
	if c.OwnerKey() != "minted-key" {
		t.Errorf("owner key = %q, want the minted key retained", c.OwnerKey())
	}
}

func TestClientCreateRoom(t *testing.T) {
	fs := &fakeServer{}
	srv := httptest.NewServer(fs.handler(t))
	defer srv.Close()

	c := New(srv.URL, nil)
	roomID, state, err := c.CreateRoom(context.Background(), "# Draft")
	if err != nil {
		t.Fatalf("CreateRoom failed: %v", err)
	}
	if roomID == "" {
		t.Error("empty room ID")
	}
	if state.Content != "# Draft" {
		t.Errorf("content = %q", state.Content)
	}
	if c.OwnerKey() != "minted-key" {
		t.Errorf("owner key = %q", c.OwnerKey())
	}
}

func TestClientConflict(t *testing.T) {
	fs := &fakeServer{state: room.NewState("r1")}
	fs.state.Version = 9
	srv := httptest.NewServer(fs.handler(t))
	defer srv.Close()

	c := New(srv.URL, nil)
	content := "stale"
	base := int64(3)
	_, err := c.Update(context.Background(), "r1", &room.Updates{Content: &content, BaseVersion: &base}, room.RoleOwner)

	if !errors.Is(err, ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
	var ce *ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %T, want *ConflictError", err)
	}
	if ce.CurrentVersion != 9 {
		t.Errorf("current version = %d", ce.CurrentVersion)
	}
}

func TestClientPermissionError(t *testing.T) {
	fs := &fakeServer{state: room.NewState("r1")}
	srv := httptest.NewServer(fs.handler(t))
	defer srv.Close()

	c := New(srv.URL, nil)
	content := "guest edit"
	_, err := c.Update(context.Background(), "r1", &room.Updates{Content: &content}, room.RoleGuest)

	var he *HTTPError
	if !errors.As(err, &he) {
		t.Fatalf("err = %v, want *HTTPError", err)
	}
	if he.StatusCode != http.StatusForbidden || he.Code != "FORBIDDEN" {
		t.Errorf("error = %+v", he)
	}
}

func TestClientRetriesServerErrors(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"exists": false})
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	c.baseDelay = time.Millisecond

	_, _, err := c.Sync(context.Background(), "r1")
	if err != nil {
		t.Fatalf("Sync failed after retries: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}
