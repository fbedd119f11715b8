package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"reviewroom/api/internal/export"
	"reviewroom/api/internal/room"
	"reviewroom/api/internal/search"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"store": map[string]any{"status": "ok"},
		}

		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["store"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/room/sync" {
		s.handleRoomSync(w, r)
		return
	}
	if r.Method == http.MethodPost && r.URL.Path == "/api/room/update" {
		s.handleRoomUpdate(w, r)
		return
	}
	if r.Method == http.MethodPost && r.URL.Path == "/api/vote" {
		s.handleVote(w, r)
		return
	}
	if r.Method == http.MethodPost && r.URL.Path == "/api/review" {
		s.handleReview(w, r)
		return
	}
	if r.Method == http.MethodPost && r.URL.Path == "/api/impact" {
		s.handleImpact(w, r)
		return
	}
	if r.Method == http.MethodPost && r.URL.Path == "/api/room/close" {
		s.handleRoomClose(w, r)
		return
	}
	if r.Method == http.MethodGet && r.URL.Path == "/api/room/events" {
		s.handleRoomEvents(w, r)
		return
	}
	if r.Method == http.MethodGet && r.URL.Path == "/api/room/search" {
		s.handleRoomSearch(w, r)
		return
	}
	if r.Method == http.MethodPost && r.URL.Path == "/api/room/export" {
		s.handleRoomExport(w, r)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleRoomSync(w http.ResponseWriter, r *http.Request) {
	roomID := r.URL.Query().Get("roomId")
	state, exists, err := s.service.Sync(r.Context(), roomID)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	if !exists {
		writeJSON(w, http.StatusOK, map[string]any{"exists": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"exists": true, "state": state})
}

func (s *HTTPServer) handleRoomUpdate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RoomID   string        `json:"roomId"`
		Updates  *room.Updates `json:"updates"`
		UserRole room.Role     `json:"userRole"`
		OwnerKey string        `json:"ownerKey"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	result, err := s.service.Update(r.Context(), UpdateParams{
		RoomID:   body.RoomID,
		Updates:  body.Updates,
		Role:     normalizeRole(body.UserRole),
		OwnerKey: body.OwnerKey,
	})
	if err != nil {
		writeMappedError(w, err)
		return
	}

	response := map[string]any{
		"success": true,
		"version": result.State.Version,
		"state":   result.State,
	}
	if result.OwnerKey != "" {
		response["ownerKey"] = result.OwnerKey
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *HTTPServer) handleVote(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RoomID      string   `json:"roomId"`
		AnchorKey   string   `json:"anchorKey"`
		OptionIndex int      `json:"optionIndex"`
		Question    string   `json:"question"`
		Options     []string `json:"options"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	decision, err := s.service.Vote(r.Context(), VoteParams{
		RoomID:      body.RoomID,
		AnchorKey:   body.AnchorKey,
		OptionIndex: body.OptionIndex,
		Question:    body.Question,
		Options:     body.Options,
	})
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "decision": decision})
}

func (s *HTTPServer) handleReview(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PRDContent string        `json:"prdContent"`
		KBFiles    []room.KBFile `json:"kbFiles"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	// Review always answers 200; AI failures ride along as comments.
	comments := s.service.Review(r.Context(), body.PRDContent, body.KBFiles)
	writeJSON(w, http.StatusOK, map[string]any{"comments": comments})
}

func (s *HTTPServer) handleImpact(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PRDContent string `json:"prdContent"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	graph, err := s.service.Impact(r.Context(), body.PRDContent)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"impactGraph": graph})
}

func (s *HTTPServer) handleRoomClose(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RoomID   string    `json:"roomId"`
		UserRole room.Role `json:"userRole"`
		OwnerKey string    `json:"ownerKey"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	if err := s.service.CloseRoom(r.Context(), CloseParams{
		RoomID:   body.RoomID,
		Role:     normalizeRole(body.UserRole),
		OwnerKey: body.OwnerKey,
	}); err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// handleRoomEvents streams version announcements over SSE. Clients that
// cannot hold the stream keep polling /api/room/sync instead.
func (s *HTTPServer) handleRoomEvents(w http.ResponseWriter, r *http.Request) {
	roomID := r.URL.Query().Get("roomId")
	if roomID == "" {
		writeError(w, http.StatusBadRequest, "INVALID_ROOM_ID", "No Room ID", nil)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "STREAMING_UNSUPPORTED", "Streaming unsupported", nil)
		return
	}

	events, stop, err := s.service.Subscribe(r.Context(), roomID)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	defer stop()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case ev, ok := <-events:
			if !ok {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: update\ndata: %s\n\n", payload)
			flusher.Flush()
		}
	}
}

func (s *HTTPServer) handleRoomSearch(w http.ResponseWriter, r *http.Request) {
	q := search.Query{
		RoomID:     r.URL.Query().Get("roomId"),
		Text:       r.URL.Query().Get("q"),
		FilterType: search.ResultType(r.URL.Query().Get("type")),
		Limit:      atoiDefault(r.URL.Query().Get("limit"), 0),
		Offset:     atoiDefault(r.URL.Query().Get("offset"), 0),
	}
	if q.RoomID == "" {
		writeError(w, http.StatusBadRequest, "INVALID_ROOM_ID", "No Room ID", nil)
		return
	}

	resp, err := s.service.Search(r.Context(), q)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleRoomExport(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RoomID           string `json:"roomId"`
		Format           string `json:"format"`
		IncludeComments  bool   `json:"includeComments"`
		IncludeDecisions bool   `json:"includeDecisions"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	format := export.Format(strings.ToLower(body.Format))
	if format != export.FormatPDF && format != export.FormatDOCX {
		writeError(w, http.StatusBadRequest, "INVALID_FORMAT", "Format must be pdf or docx", nil)
		return
	}

	result, err := s.service.Export(r.Context(), export.Request{
		RoomID:           body.RoomID,
		Format:           format,
		IncludeComments:  body.IncludeComments,
		IncludeDecisions: body.IncludeDecisions,
	})
	if err != nil {
		writeMappedError(w, err)
		return
	}

	w.Header().Set("Content-Type", result.MimeType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+result.Filename+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Data)
}

// normalizeRole collapses anything that is not OWNER down to GUEST.
func normalizeRole(role room.Role) room.Role {
	if role == room.RoleOwner {
		return room.RoleOwner
	}
	return room.RoleGuest
}

func atoiDefault(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return n
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		// Every request gets a JSON reply, panics included.
		defer func() {
			if rec := recover(); rec != nil {
				log.Printf(`{"request_id":"%s","msg":"panic recovered","panic":"%v"}`, requestID, rec)
				if !writer.wrote {
					writeError(writer, http.StatusInternalServerError, "SERVER_ERROR", "Internal Server Error", nil)
				}
			}
			log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
				requestID,
				r.Method,
				r.URL.Path,
				writer.status,
				time.Since(started).Milliseconds(),
			)
		}()

		next.ServeHTTP(writer, r)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.wrote = true
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wrote = true
	return r.ResponseWriter.Write(b)
}

// Flush lets the SSE handler stream through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, X-Room-ID, X-User-Role, X-User-Name")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func writeMappedError(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	writeError(w, status, code, message, details)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
