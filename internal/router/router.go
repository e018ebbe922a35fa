package router

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/corkboard/corkboard/internal/conflict"
	"github.com/corkboard/corkboard/internal/flush"
	"github.com/corkboard/corkboard/internal/locks"
	"github.com/corkboard/corkboard/internal/presence"
	"github.com/corkboard/corkboard/internal/service"
	"github.com/corkboard/corkboard/internal/types"
)

// Config carries the router's runtime settings.
type Config struct {
	// AllowedOrigin is matched against websocket Origin headers and
	// echoed in CORS headers on the REST surface. "*" allows any.
	AllowedOrigin string

	// AuthToken, when set, guards the REST reads with a Bearer check.
	// The event channel and health probes stay open.
	AuthToken string

	// Version is reported by /health.
	Version string
}

// Deps are the collaborators the router dispatches into.
type Deps struct {
	Tasks    *service.Tasks
	Locks    locks.Manager
	Presence presence.Registry
	Auditor  *conflict.Auditor
	Flush    *flush.Queue
	Log      *logrus.Logger

	// Ready reports whether the cache and durable store are reachable;
	// it backs the /readyz probe.
	Ready func(ctx context.Context) error
}

type handlerFunc func(ctx context.Context, c *Client, payload json.RawMessage)

// Router binds event names to handlers and owns the fan-out hub. It is
// transport-thin: every handler validates first, calls the service, and
// emits the authoritative result.
type Router struct {
	cfg      Config
	hub      *Hub
	tasks    *service.Tasks
	locks    locks.Manager
	presence presence.Registry
	auditor  *conflict.Auditor
	flushq   *flush.Queue
	metrics  *Metrics
	ready    func(ctx context.Context) error
	log      *logrus.Logger

	handlers map[string]handlerFunc
}

// New wires the router. Call Run to start the hub, and mount Handler on
// an HTTP server.
func New(cfg Config, deps Deps) *Router {
	r := &Router{
		cfg:      cfg,
		hub:      NewHub(deps.Log),
		tasks:    deps.Tasks,
		locks:    deps.Locks,
		presence: deps.Presence,
		auditor:  deps.Auditor,
		flushq:   deps.Flush,
		metrics:  NewMetrics(),
		ready:    deps.Ready,
		log:      deps.Log,
	}
	r.handlers = map[string]handlerFunc{
		EventTaskCreate:     r.handleTaskCreate,
		EventTaskUpdate:     r.handleTaskUpdate,
		EventTaskMove:       r.handleTaskMove,
		EventTaskDelete:     r.handleTaskDelete,
		EventPresenceUpdate: r.handlePresenceUpdate,
		EventReplayOps:      r.handleReplayOps,
	}
	return r
}

// Hub exposes the fan-out hub for the relay bridge.
func (r *Router) Hub() *Hub {
	return r.hub
}

// Run drives the hub loop until ctx is canceled.
func (r *Router) Run(ctx context.Context) {
	r.hub.Run(ctx)
}

// dispatch routes one inbound frame. Events count toward presence
// activity; the sliding TTL refresh is what keeps live-but-quiet
// connections from being reclaimed.
func (r *Router) dispatch(ctx context.Context, c *Client, data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		r.sendError(c, CodeValidation, "malformed frame: not a JSON envelope")
		return
	}

	handler, ok := r.handlers[env.Event]
	if !ok {
		r.sendError(c, CodeValidation, "unknown event: "+env.Event)
		return
	}

	r.metrics.RecordEvent(env.Event)
	if err := r.presence.Touch(ctx, c.ID); err != nil {
		c.log.WithError(err).Debug("presence touch failed")
	}
	handler(ctx, c, env.Payload)
}

func (r *Router) handleTaskCreate(ctx context.Context, c *Client, payload json.RawMessage) {
	var p CreatePayload
	if err := unmarshalPayload(payload, &p); err != nil {
		r.sendError(c, CodeValidation, err.Error())
		return
	}

	creator := service.Actor{Name: p.CreatorName, Color: p.CreatorColor}
	if creator.Name == "" {
		creator.Name = c.Name
	}
	if creator.Color == "" {
		creator.Color = c.Color
	}

	task, err := r.tasks.Create(ctx, service.CreateParams{
		ID:          p.ID,
		ColumnID:    p.ColumnID,
		Title:       p.Title,
		Description: p.Description,
		Creator:     creator,
	})
	if err != nil {
		c.log.WithField("task", p.ID).WithError(err).Error("create failed")
		r.sendError(c, CodeCreateFailed, "could not create task")
		return
	}
	r.broadcast(EventTaskCreated, task)
}

func (r *Router) handleTaskUpdate(ctx context.Context, c *Client, payload json.RawMessage) {
	var p UpdatePayload
	if err := unmarshalPayload(payload, &p); err != nil {
		r.sendError(c, CodeValidation, err.Error())
		return
	}

	task, err := r.tasks.Update(ctx, service.UpdateParams{
		ID:          p.ID,
		Title:       p.Title,
		Description: p.Description,
		Version:     p.Version,
		By:          service.Actor{Name: c.Name, Color: c.Color},
	})
	if errors.Is(err, service.ErrNotFound) {
		r.sendError(c, CodeNotFound, "task does not exist: "+p.ID)
		return
	}
	if err != nil {
		c.log.WithField("task", p.ID).WithError(err).Error("update failed")
		r.sendError(c, CodeUpdateFailed, "could not update task")
		return
	}
	r.broadcast(EventTaskUpdated, task)
}

// handleTaskMove serializes contested moves on the per-task lock. The
// acquire loser gets a private CONFLICT_NOTIFY carrying the freshest
// authoritative state, re-read after the refusal so a winner that has
// already committed is reflected, and an audit record is written off
// the critical path. The winner's release is deferred so every exit
// path, including a failed move, frees the lock.
func (r *Router) handleTaskMove(ctx context.Context, c *Client, payload json.RawMessage) {
	var p MovePayload
	if err := unmarshalPayload(payload, &p); err != nil {
		r.sendError(c, CodeValidation, err.Error())
		return
	}

	current, err := r.tasks.Get(ctx, p.ID)
	if err != nil {
		c.log.WithField("task", p.ID).WithError(err).Error("move failed reading task")
		r.sendError(c, CodeMoveFailed, "could not move task")
		return
	}
	if current == nil {
		r.sendError(c, CodeNotFound, "task does not exist: "+p.ID)
		return
	}

	acquired, holder, err := r.locks.Acquire(ctx, p.ID, c.ID)
	if err != nil {
		c.log.WithField("task", p.ID).WithError(err).Error("lock acquire failed")
		r.sendError(c, CodeMoveFailed, "could not move task")
		return
	}
	if !acquired {
		r.metrics.RecordConflict()
		resolved := current
		if latest, gerr := r.tasks.Get(ctx, p.ID); gerr == nil && latest != nil {
			resolved = latest
		}
		r.hub.SendTo(c.ID, EventConflictNotify, conflict.NewNotice(p.ID, resolved))
		r.auditor.Record(conflict.Entry{
			TaskID:        p.ID,
			WinnerEvent:   EventTaskMove,
			LoserEvent:    EventTaskMove,
			WinnerUserID:  holder,
			LoserUserID:   c.ID,
			ResolvedState: resolved,
			Message:       conflict.LoserMessage,
			At:            time.Now().UTC(),
		})
		return
	}
	defer func() {
		if err := r.locks.Release(ctx, p.ID, c.ID); err != nil {
			c.log.WithField("task", p.ID).WithError(err).Warn("lock release failed")
		}
	}()

	task, _, err := r.tasks.Move(ctx, service.MoveParams{
		ID:       p.ID,
		ColumnID: p.ColumnID,
		Order:    p.Order,
		Version:  p.Version,
		By:       service.Actor{Name: c.Name, Color: c.Color},
	})
	if errors.Is(err, service.ErrNotFound) {
		r.sendError(c, CodeNotFound, "task does not exist: "+p.ID)
		return
	}
	if err != nil {
		c.log.WithField("task", p.ID).WithError(err).Error("move failed")
		r.sendError(c, CodeMoveFailed, "could not move task")
		return
	}
	r.broadcast(EventTaskMoved, task)
}

func (r *Router) handleTaskDelete(ctx context.Context, c *Client, payload json.RawMessage) {
	var p DeletePayload
	if err := unmarshalPayload(payload, &p); err != nil {
		r.sendError(c, CodeValidation, err.Error())
		return
	}

	if err := r.tasks.Delete(ctx, p.ID); err != nil {
		c.log.WithField("task", p.ID).WithError(err).Error("delete failed")
		r.sendError(c, CodeDeleteFailed, "could not delete task")
		return
	}
	r.broadcast(EventTaskDeleted, DeletedPayload{ID: p.ID})
}

func (r *Router) handlePresenceUpdate(ctx context.Context, c *Client, payload json.RawMessage) {
	var p PresencePayload
	if err := unmarshalPayload(payload, &p); err != nil {
		r.sendError(c, CodeValidation, err.Error())
		return
	}

	var editing *string
	if p.Status == PresenceStatusEditing {
		editing = p.TaskID
	}
	if _, err := r.presence.SetEditing(ctx, c.ID, editing); err != nil {
		c.log.WithError(err).Error("presence update failed")
		return
	}
	r.broadcastPresence(ctx)
}

// broadcastPresence fans the current participant list to everyone.
func (r *Router) broadcastPresence(ctx context.Context) {
	list, err := r.presence.ListActive(ctx)
	if err != nil {
		r.log.WithError(err).Error("failed to list presence")
		return
	}
	if list == nil {
		list = []*types.UserPresence{}
	}
	r.broadcast(EventPresenceState, list)
}

func (r *Router) broadcast(event string, payload interface{}) {
	r.metrics.RecordBroadcast()
	r.hub.Broadcast(event, payload)
}

func (r *Router) sendError(c *Client, code, message string) {
	r.metrics.RecordError(code)
	r.hub.SendTo(c.ID, EventError, ErrorPayload{Code: code, Message: message})
}

// unmarshalPayload decodes and validates one typed payload.
func unmarshalPayload(raw json.RawMessage, p interface{ Validate() error }) error {
	if len(raw) == 0 {
		return errors.New("payload is required")
	}
	if err := json.Unmarshal(raw, p); err != nil {
		return errors.New("malformed payload: " + err.Error())
	}
	return p.Validate()
}
