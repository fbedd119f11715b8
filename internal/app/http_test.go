package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"reviewroom/api/internal/ai"
	"reviewroom/api/internal/export"
	"reviewroom/api/internal/realtime"
	"reviewroom/api/internal/search"
	"reviewroom/api/internal/statestore"
)

type stubCaller struct {
	response string
	err      error
	calls    int
}

func (s *stubCaller) Chat(ctx context.Context, model string, messages []ai.Message, temperature float64) (string, error) {
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	return s.response, nil
}

type testEnv struct {
	server *httptest.Server
	redis  *miniredis.Miniredis
}

func newTestEnv(t *testing.T, caller ai.ChatCaller, cfg ServiceConfig) *testEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	store := statestore.NewRedisStoreWithClient(client, time.Hour)
	chain := ai.NewChain(caller, "deepseek-v3", "qwen-plus")
	svc := NewService(
		store,
		realtime.NewBus(client),
		ai.NewReviewer(chain),
		ai.NewImpactAnalyzer(chain),
		search.NewService(nil),
		export.NewService(),
		cfg,
	)

	ts := httptest.NewServer(NewHTTPServer(svc, "*").Handler())
	t.Cleanup(ts.Close)
	return &testEnv{server: ts, redis: mr}
}

func (e *testEnv) post(t *testing.T, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	resp, err := http.Post(e.server.URL+path, "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp, decodeResponse(t, resp)
}

func (e *testEnv) get(t *testing.T, path string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(e.server.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp, decodeResponse(t, resp)
}

func decodeResponse(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func createRoom(t *testing.T, env *testEnv, roomID, content string) string {
	t.Helper()
	resp, body := env.post(t, "/api/room/update", map[string]any{
		"roomId":   roomID,
		"userRole": "OWNER",
		"updates":  map[string]any{"content": content},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create room status = %d, body %v", resp.StatusCode, body)
	}
	key, _ := body["ownerKey"].(string)
	return key
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, &stubCaller{}, ServiceConfig{})
	resp, body := env.get(t, "/api/health")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["ok"] != true {
		t.Errorf("body = %v, want ok:true", body)
	}
}

func TestReadyReportsStoreOutage(t *testing.T) {
	env := newTestEnv(t, &stubCaller{}, ServiceConfig{})
	env.redis.Close()

	resp, body := env.get(t, "/api/ready")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
	if body["status"] != "not_ready" {
		t.Errorf("status field = %v", body["status"])
	}
}

func TestStoreFailClosed(t *testing.T) {
	env := newTestEnv(t, &stubCaller{}, ServiceConfig{})
	env.redis.Close()

	resp, body := env.get(t, "/api/room/sync?roomId=r1")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
	if body["code"] != "STORE_UNAVAILABLE" {
		t.Errorf("code = %v", body["code"])
	}
}

func TestStoreFailOpen(t *testing.T) {
	env := newTestEnv(t, &stubCaller{}, ServiceConfig{FailOpen: true})
	env.redis.Close()

	resp, body := env.get(t, "/api/room/sync?roomId=r1")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if body["exists"] != false {
		t.Errorf("exists = %v, want false when the store is unreadable", body["exists"])
	}
}

func TestSyncUnknownRoom(t *testing.T) {
	env := newTestEnv(t, &stubCaller{}, ServiceConfig{})
	resp, body := env.get(t, "/api/room/sync?roomId=nope")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["exists"] != false {
		t.Errorf("exists = %v, want false", body["exists"])
	}
}

func TestSyncRequiresRoomID(t *testing.T) {
	env := newTestEnv(t, &stubCaller{}, ServiceConfig{})
	resp, body := env.get(t, "/api/room/sync")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if body["code"] != "INVALID_ROOM_ID" {
		t.Errorf("code = %v", body["code"])
	}
}

func TestUpdateCreatesRoomAndMintsOwnerKey(t *testing.T) {
	env := newTestEnv(t, &stubCaller{}, ServiceConfig{})

	resp, body := env.post(t, "/api/room/update", map[string]any{
		"roomId":   "r1",
		"userRole": "OWNER",
		"updates":  map[string]any{"content": "# Hello"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %v", resp.StatusCode, body)
	}
	if body["success"] != true {
		t.Errorf("success = %v", body["success"])
	}
	if body["version"] != float64(1) {
		t.Errorf("version = %v, want 1 on create", body["version"])
	}
	if key, _ := body["ownerKey"].(string); key == "" {
		t.Error("expected a minted ownerKey on creation")
	}
	state := body["state"].(map[string]any)
	if state["content"] != "# Hello" {
		t.Errorf("content = %v", state["content"])
	}
	if _, leaked := state["ownerKeyHash"]; leaked {
		t.Error("ownerKeyHash leaked to the client")
	}

	// A second write is not a creation: no key, version bumps.
	resp, body = env.post(t, "/api/room/update", map[string]any{
		"roomId":   "r1",
		"userRole": "OWNER",
		"updates":  map[string]any{"content": "# Hello v2"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("second update status = %d", resp.StatusCode)
	}
	if _, ok := body["ownerKey"]; ok {
		t.Error("ownerKey must only be returned at creation")
	}
	if body["version"] != float64(2) {
		t.Errorf("version = %v, want 2", body["version"])
	}
}

func TestGuestEditForbidden(t *testing.T) {
	env := newTestEnv(t, &stubCaller{}, ServiceConfig{})
	createRoom(t, env, "r1", "owner text")

	resp, body := env.post(t, "/api/room/update", map[string]any{
		"roomId":   "r1",
		"userRole": "GUEST",
		"updates":  map[string]any{"content": "guest text"},
	})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
	if body["code"] != "GUEST_EDIT_DISABLED" {
		t.Errorf("code = %v", body["code"])
	}
	if body["error"] != "Permission Denied: Guest editing is disabled." {
		t.Errorf("error = %v", body["error"])
	}

	// Owner opens guest editing; the same write now lands.
	env.post(t, "/api/room/update", map[string]any{
		"roomId":   "r1",
		"userRole": "OWNER",
		"updates":  map[string]any{"settings": map[string]any{"allowGuestEdit": true}},
	})
	resp, _ = env.post(t, "/api/room/update", map[string]any{
		"roomId":   "r1",
		"userRole": "GUEST",
		"updates":  map[string]any{"content": "guest text"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("guest edit after enable status = %d", resp.StatusCode)
	}
}

func TestVersionConflict(t *testing.T) {
	env := newTestEnv(t, &stubCaller{}, ServiceConfig{})
	createRoom(t, env, "r1", "v1")
	env.post(t, "/api/room/update", map[string]any{
		"roomId":   "r1",
		"userRole": "OWNER",
		"updates":  map[string]any{"content": "v2"},
	})

	resp, body := env.post(t, "/api/room/update", map[string]any{
		"roomId":   "r1",
		"userRole": "OWNER",
		"updates":  map[string]any{"content": "stale", "baseVersion": 1},
	})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
	if body["code"] != "VERSION_CONFLICT" {
		t.Errorf("code = %v", body["code"])
	}
	details := body["details"].(map[string]any)
	if details["currentVersion"] != float64(2) {
		t.Errorf("currentVersion = %v, want 2", details["currentVersion"])
	}
	if details["roomId"] != "r1" {
		t.Errorf("roomId = %v", details["roomId"])
	}
}

// Two clients taking turns appending comments must never lose one: each
// newComment write appends to whatever is stored, regardless of how stale
// the writer's view is. Truly simultaneous writers can still race the
// read-modify-write cycle and drop an append; interleaved writes cannot.
func TestInterleavedCommentAppendsAllSurvive(t *testing.T) {
	env := newTestEnv(t, &stubCaller{}, ServiceConfig{})
	createRoom(t, env, "r1", "draft")
	env.post(t, "/api/room/update", map[string]any{
		"roomId":   "r1",
		"userRole": "OWNER",
		"updates":  map[string]any{"settings": map[string]any{"allowGuestComment": true}},
	})

	const rounds = 4
	want := make([]string, 0, rounds*2)
	for i := 0; i < rounds; i++ {
		for _, author := range []struct{ role, id string }{
			{"OWNER", fmt.Sprintf("owner-%d", i)},
			{"GUEST", fmt.Sprintf("guest-%d", i)},
		} {
			resp, body := env.post(t, "/api/room/update", map[string]any{
				"roomId":   "r1",
				"userRole": author.role,
				"updates": map[string]any{
					"newComment": map[string]any{
						"id":       author.id,
						"type":     "HUMAN",
						"severity": "INFO",
						"comment":  "note from " + author.id,
					},
				},
			})
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("append %s: status = %d, body %v", author.id, resp.StatusCode, body)
			}
			want = append(want, author.id)
		}
	}

	_, syncBody := env.get(t, "/api/room/sync?roomId=r1")
	state := syncBody["state"].(map[string]any)
	comments := state["comments"].([]any)
	if len(comments) != len(want) {
		t.Fatalf("stored comments = %d, want %d", len(comments), len(want))
	}
	got := make(map[string]bool, len(comments))
	for _, c := range comments {
		got[c.(map[string]any)["id"].(string)] = true
	}
	for _, id := range want {
		if !got[id] {
			t.Errorf("comment %s missing from stored state", id)
		}
	}
}

func TestSyncReflectsUpdateImmediately(t *testing.T) {
	env := newTestEnv(t, &stubCaller{}, ServiceConfig{})
	createRoom(t, env, "r1", "first")

	_, updateBody := env.post(t, "/api/room/update", map[string]any{
		"roomId":   "r1",
		"userRole": "OWNER",
		"updates":  map[string]any{"content": "second"},
	})

	resp, syncBody := env.get(t, "/api/room/sync?roomId=r1")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("sync status = %d", resp.StatusCode)
	}
	state := syncBody["state"].(map[string]any)
	if state["content"] != "second" {
		t.Errorf("synced content = %v, want the just-written text", state["content"])
	}
	if state["version"] != updateBody["version"] {
		t.Errorf("synced version = %v, update returned %v", state["version"], updateBody["version"])
	}
	if state["lastUpdated"] != updateBody["state"].(map[string]any)["lastUpdated"] {
		t.Errorf("synced lastUpdated differs from the update response")
	}
}

func TestVoteSeedsDecisionWithoutVersionBump(t *testing.T) {
	env := newTestEnv(t, &stubCaller{}, ServiceConfig{})
	createRoom(t, env, "r1", "{{DECISION: 上线时间?}}")

	resp, body := env.post(t, "/api/vote", map[string]any{
		"roomId":      "r1",
		"anchorKey":   "上线时间?",
		"optionIndex": 0,
		"question":    "上线时间?",
		"options":     []string{"本周", "下周"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %v", resp.StatusCode, body)
	}
	decision := body["decision"].(map[string]any)
	if decision["totalVotes"] != float64(1) {
		t.Errorf("totalVotes = %v", decision["totalVotes"])
	}
	votes := decision["votes"].(map[string]any)
	if votes["0"] != float64(1) {
		t.Errorf("votes = %v", votes)
	}

	_, syncBody := env.get(t, "/api/room/sync?roomId=r1")
	state := syncBody["state"].(map[string]any)
	if state["version"] != float64(1) {
		t.Errorf("version = %v, votes must not bump the version", state["version"])
	}
}

func TestVoteUnknownRoom(t *testing.T) {
	env := newTestEnv(t, &stubCaller{}, ServiceConfig{})
	resp, body := env.post(t, "/api/vote", map[string]any{
		"roomId":      "missing",
		"anchorKey":   "q",
		"optionIndex": 0,
	})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	if body["code"] != "ROOM_NOT_FOUND" {
		t.Errorf("code = %v", body["code"])
	}
}

func TestReviewParsesFindings(t *testing.T) {
	caller := &stubCaller{response: "```json\n" + `[{"type":"LOGIC","severity":"BLOCKER","position":"1.2","originalText":"无","comment":"缺少成功指标"}]` + "\n```"}
	env := newTestEnv(t, caller, ServiceConfig{})

	resp, body := env.post(t, "/api/review", map[string]any{"prdContent": "# PRD"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	comments := body["comments"].([]any)
	if len(comments) != 1 {
		t.Fatalf("comments = %d, want 1", len(comments))
	}
	first := comments[0].(map[string]any)
	if first["type"] != "LOGIC" || first["severity"] != "BLOCKER" {
		t.Errorf("comment = %v", first)
	}
}

func TestReviewDegradesToSyntheticComment(t *testing.T) {
	caller := &stubCaller{err: errors.New("connection refused")}
	env := newTestEnv(t, caller, ServiceConfig{})

	resp, body := env.post(t, "/api/review", map[string]any{"prdContent": "# PRD"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, review must not surface AI failures", resp.StatusCode)
	}
	comments := body["comments"].([]any)
	if len(comments) != 1 {
		t.Fatalf("comments = %d, want 1 synthetic comment", len(comments))
	}
	first := comments[0].(map[string]any)
	if first["type"] != "RISK" || first["severity"] != "WARNING" {
		t.Errorf("comment = %v", first)
	}
	if !strings.Contains(first["comment"].(string), "AI 服务调用失败") {
		t.Errorf("comment text = %v", first["comment"])
	}
	// Primary and fallback were both tried.
	if caller.calls != 2 {
		t.Errorf("caller.calls = %d, want 2", caller.calls)
	}
}

func TestImpactGraph(t *testing.T) {
	caller := &stubCaller{response: `{"nodes":[{"id":"登录","group":1}],"links":[]}`}
	env := newTestEnv(t, caller, ServiceConfig{})

	resp, body := env.post(t, "/api/impact", map[string]any{"prdContent": "# PRD"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	graph := body["impactGraph"].(map[string]any)
	nodes := graph["nodes"].([]any)
	if len(nodes) != 1 {
		t.Errorf("nodes = %v", nodes)
	}
}

func TestImpactFailureSurfaces(t *testing.T) {
	caller := &stubCaller{err: errors.New("quota exceeded")}
	env := newTestEnv(t, caller, ServiceConfig{})

	resp, body := env.post(t, "/api/impact", map[string]any{"prdContent": "# PRD"})
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", resp.StatusCode)
	}
	if body["code"] != "GRAPH_GEN_FAILED" {
		t.Errorf("code = %v", body["code"])
	}
}

func TestCloseRoom(t *testing.T) {
	env := newTestEnv(t, &stubCaller{}, ServiceConfig{})
	createRoom(t, env, "r1", "text")

	resp, body := env.post(t, "/api/room/close", map[string]any{
		"roomId":   "r1",
		"userRole": "GUEST",
	})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("guest close status = %d, want 403", resp.StatusCode)
	}
	if body["code"] != "OWNER_ONLY" {
		t.Errorf("code = %v", body["code"])
	}

	resp, body = env.post(t, "/api/room/close", map[string]any{
		"roomId":   "r1",
		"userRole": "OWNER",
	})
	if resp.StatusCode != http.StatusOK || body["success"] != true {
		t.Fatalf("owner close: status = %d body = %v", resp.StatusCode, body)
	}

	_, syncBody := env.get(t, "/api/room/sync?roomId=r1")
	state := syncBody["state"].(map[string]any)
	settings := state["settings"].(map[string]any)
	if settings["isActive"] != false {
		t.Errorf("isActive = %v, want false", settings["isActive"])
	}
	if state["version"] != float64(1) {
		t.Errorf("version = %v, closing must not bump the version", state["version"])
	}

	// Closing a room that never existed still succeeds.
	resp, _ = env.post(t, "/api/room/close", map[string]any{
		"roomId":   "ghost",
		"userRole": "OWNER",
	})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("close unknown room status = %d", resp.StatusCode)
	}
}

func TestRequireOwnerKey(t *testing.T) {
	env := newTestEnv(t, &stubCaller{}, ServiceConfig{RequireOwnerKey: true})
	key := createRoom(t, env, "r1", "text")
	if key == "" {
		t.Fatal("no owner key minted")
	}

	resp, body := env.post(t, "/api/room/update", map[string]any{
		"roomId":   "r1",
		"userRole": "OWNER",
		"updates":  map[string]any{"content": "forged"},
	})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("keyless owner update status = %d, want 403", resp.StatusCode)
	}
	if body["code"] != "INVALID_OWNER_KEY" {
		t.Errorf("code = %v", body["code"])
	}

	resp, _ = env.post(t, "/api/room/update", map[string]any{
		"roomId":   "r1",
		"userRole": "OWNER",
		"ownerKey": key,
		"updates":  map[string]any{"content": "legit"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("keyed owner update status = %d", resp.StatusCode)
	}
}

func TestRoomSearchFallback(t *testing.T) {
	env := newTestEnv(t, &stubCaller{}, ServiceConfig{})
	createRoom(t, env, "r1", "text")
	env.post(t, "/api/room/update", map[string]any{
		"roomId":   "r1",
		"userRole": "OWNER",
		"updates": map[string]any{
			"newComment": map[string]any{
				"id": "c1", "type": "HUMAN", "severity": "INFO",
				"position": "1.1", "comment": "支付流程需要补充超时处理",
			},
		},
	})

	resp, body := env.get(t, "/api/room/search?roomId=r1&q=%E8%B6%85%E6%97%B6")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	results := body["results"].([]any)
	if len(results) != 1 {
		t.Fatalf("results = %v, want 1 hit", results)
	}
	first := results[0].(map[string]any)
	if first["type"] != "comment" {
		t.Errorf("type = %v", first["type"])
	}
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t, &stubCaller{}, ServiceConfig{})
	req, _ := http.NewRequest(http.MethodOptions, env.server.URL+"/api/room/update", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", resp.StatusCode)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("Allow-Origin = %q", resp.Header.Get("Access-Control-Allow-Origin"))
	}
}

func TestUnknownRoute(t *testing.T) {
	env := newTestEnv(t, &stubCaller{}, ServiceConfig{})
	resp, body := env.get(t, "/api/nope")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["code"] != "NOT_FOUND" {
		t.Errorf("code = %v", body["code"])
	}
}

func TestRequestIDEchoed(t *testing.T) {
	env := newTestEnv(t, &stubCaller{}, ServiceConfig{})
	req, _ := http.NewRequest(http.MethodGet, env.server.URL+"/api/health", nil)
	req.Header.Set("X-Request-ID", "req-42")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if got := resp.Header.Get("X-Request-ID"); got != "req-42" {
		t.Errorf("X-Request-ID = %q, want req-42", got)
	}
}

func TestRoomEventsStream(t *testing.T) {
	env := newTestEnv(t, &stubCaller{}, ServiceConfig{})
	createRoom(t, env, "r1", "v1")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, env.server.URL+"/api/room/events?roomId=r1", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	// Writes publish version events the stream relays.
	go func() {
		time.Sleep(100 * time.Millisecond)
		env.post(t, "/api/room/update", map[string]any{
			"roomId":   "r1",
			"userRole": "OWNER",
			"updates":  map[string]any{"content": "v2"},
		})
	}()

	buf := make([]byte, 4096)
	deadline := time.Now().Add(4 * time.Second)
	var got string
	for time.Now().Before(deadline) {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			got += string(buf[:n])
			if strings.Contains(got, "event: update") && strings.Contains(got, `"version":2`) {
				return
			}
		}
		if err != nil {
			break
		}
	}
	t.Fatalf("no update event observed, got %q", got)
}

func TestInvalidJSONBody(t *testing.T) {
	env := newTestEnv(t, &stubCaller{}, ServiceConfig{})
	resp, err := http.Post(env.server.URL+"/api/room/update", "application/json", strings.NewReader("{nope"))
	if err != nil {
		t.Fatal(err)
	}
	body := decodeResponse(t, resp)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if body["code"] != "INVALID_BODY" {
		t.Errorf("code = %v", body["code"])
	}
}
