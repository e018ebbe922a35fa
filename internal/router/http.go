package router

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/corkboard/corkboard/internal/types"
)

// Handler returns the full HTTP surface: the websocket event channel,
// the read-only REST fallback, and the operational endpoints. All
// mutations go through the event channel so conflict logic stays
// single-sourced.
func (r *Router) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", r.handleHealth)
	mux.HandleFunc("GET /readyz", r.handleReadyz)
	mux.HandleFunc("GET /metrics", r.handleMetrics)

	mux.HandleFunc("GET /stats", r.requireAuth(r.handleStats))
	mux.HandleFunc("GET /tasks", r.requireAuth(r.handleTasks))
	mux.HandleFunc("GET /tasks/{id}", r.requireAuth(r.handleTask))

	mux.HandleFunc("GET /ws", r.handleWS)

	return r.withCORS(mux)
}

// withCORS applies the configured allowed origin to the REST reads.
func (r *Router) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if origin := r.cfg.AllowedOrigin; origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		}
		if req.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, req)
	})
}

// requireAuth guards a REST read with the optional Bearer token.
func (r *Router) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if r.cfg.AuthToken != "" {
			header := req.Header.Get("Authorization")
			token := strings.TrimPrefix(header, "Bearer ")
			if header == "" || token == header || token != r.cfg.AuthToken {
				writeJSONError(w, http.StatusUnauthorized, "invalid or missing bearer token")
				return
			}
		}
		next(w, req)
	}
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": r.cfg.Version,
	})
}

func (r *Router) handleReadyz(w http.ResponseWriter, req *http.Request) {
	ctx, cancel := context.WithTimeout(req.Context(), 5*time.Second)
	defer cancel()

	if r.ready != nil {
		if err := r.ready(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not ready",
				"reason": err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (r *Router) handleMetrics(w http.ResponseWriter, req *http.Request) {
	snap := r.metrics.Snapshot()
	snap.VersionMismatches = r.tasks.VersionMismatches()
	snap.ActiveConns = r.hub.Active()
	if r.flushq != nil {
		snap.Flush = r.flushq.Stats()
	}
	if r.auditor != nil {
		snap.AuditDropped = r.auditor.Dropped()
	}
	writeJSON(w, http.StatusOK, snap)
}

func (r *Router) handleStats(w http.ResponseWriter, req *http.Request) {
	stats, err := r.tasks.Stats(req.Context())
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to compute stats")
		return
	}
	if list, err := r.presence.ListActive(req.Context()); err == nil {
		stats.ActiveUsers = len(list)
	}
	writeJSON(w, http.StatusOK, stats)
}

func (r *Router) handleTasks(w http.ResponseWriter, req *http.Request) {
	tasks, err := r.tasks.ListAll(req.Context())
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}
	if tasks == nil {
		tasks = []*types.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (r *Router) handleTask(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	task, err := r.tasks.Get(req.Context(), id)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to read task")
		return
	}
	if task == nil {
		writeJSONError(w, http.StatusNotFound, "task not found: "+id)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// handleWS runs the connection lifecycle: upgrade, presence
// registration, private board snapshot, pump startup, and the
// disconnect path when the read pump returns.
func (r *Router) handleWS(w http.ResponseWriter, req *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(req *http.Request) bool {
			if r.cfg.AllowedOrigin == "*" {
				return true
			}
			origin := req.Header.Get("Origin")
			return origin == "" || origin == r.cfg.AllowedOrigin
		},
	}

	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	name := strings.TrimSpace(req.URL.Query().Get("name"))
	if name == "" {
		name = "Guest"
	}
	connID := uuid.NewString()
	ctx := context.Background()

	p, err := r.presence.Register(ctx, connID, name)
	if err != nil {
		r.failConnect(conn, "could not register presence")
		return
	}

	c := newClient(connID, name, p.Color, conn, r.log)

	snapshot, err := r.assembleSnapshot(ctx)
	if err != nil {
		_ = r.presence.Remove(ctx, connID)
		r.failConnect(conn, "could not assemble board snapshot")
		return
	}

	r.hub.register <- c
	go c.writePump()

	c.log.Info("connection established")
	r.hub.SendTo(connID, EventBoardSnapshot, snapshot)
	r.broadcastPresenceExcept(ctx, connID)

	c.readPump(ctx, r)

	// Disconnect path.
	r.hub.unregister <- c
	if err := r.presence.Remove(ctx, connID); err != nil {
		c.log.WithError(err).Warn("presence remove failed")
	}
	r.broadcastPresence(ctx)
	c.log.Info("connection closed")
}

func (r *Router) assembleSnapshot(ctx context.Context) (*SnapshotPayload, error) {
	tasks, err := r.tasks.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	list, err := r.presence.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	snap := &SnapshotPayload{Tasks: tasks, Presence: list}
	if snap.Tasks == nil {
		snap.Tasks = []*types.Task{}
	}
	if snap.Presence == nil {
		snap.Presence = []*types.UserPresence{}
	}
	return snap, nil
}

// failConnect sends a terminal CONNECT_FAILED frame and closes the
// socket; the client may retry.
func (r *Router) failConnect(conn *websocket.Conn, message string) {
	frame, err := encodeFrame(EventError, ErrorPayload{Code: CodeConnectFailed, Message: message})
	if err == nil {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = conn.WriteMessage(websocket.TextMessage, frame)
	}
	_ = conn.Close()
}

// broadcastPresenceExcept fans the participant list to everyone but the
// given connection, which just received the full snapshot privately.
func (r *Router) broadcastPresenceExcept(ctx context.Context, exceptID string) {
	list, err := r.presence.ListActive(ctx)
	if err != nil {
		r.log.WithError(err).Error("failed to list presence")
		return
	}
	r.metrics.RecordBroadcast()
	r.hub.BroadcastExcept(exceptID, EventPresenceState, list)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil && !errors.Is(err, context.Canceled) {
		return
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
