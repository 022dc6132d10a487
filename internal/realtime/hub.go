// Package realtime implements the Progress Stream Hub (spec §4.1, §6.3): a
// per-job fan-out of pipeline events to SSE subscribers, grounded on the
// teacher's internal/sse.Hub (channel-keyed subscription map, buffered
// per-client outbound channel, heartbeat ticker, chunked SSE write loop) —
// generalized here from user-facing channel names to job ids, and extended
// with the "late subscriber" semantics a provisioning stream needs: a client
// that connects after the job has already reached a terminal state must
// still receive a snapshot of that terminal event rather than hang forever.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/foundryworks/capiforge/internal/platform/logger"
	"github.com/foundryworks/capiforge/internal/realtime/bus"
)

const heartbeatInterval = 30 * time.Second

// Client is one subscriber's connection to a single job's event stream.
type Client struct {
	ID       uuid.UUID
	JobID    uuid.UUID
	Outbound chan Event
	done     chan struct{}
}

// Hub fans pipeline events out to every subscriber of a job, and remembers
// each job's last terminal event so a subscriber connecting after the job
// already finished gets an immediate snapshot instead of silence.
type Hub struct {
	log *logger.Logger
	bus bus.Bus

	mu       sync.RWMutex
	subs     map[uuid.UUID]map[*Client]bool
	finished map[uuid.UUID]Event
}

func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		log:      log.With("component", "realtime.Hub"),
		subs:     make(map[uuid.UUID]map[*Client]bool),
		finished: make(map[uuid.UUID]Event),
	}
}

// WithBus attaches a cross-instance fan-out bridge (spec §5: "deployment
// scales horizontally"): events published on this instance are mirrored to
// the bus, and events received from the bus are fanned out locally as if
// produced here — without re-publishing them, which would loop forever
// across instances. Returns h for chaining; a nil b is a no-op so callers
// can pass through whatever bus.NewRedisBus returned without branching.
func (h *Hub) WithBus(ctx context.Context, b bus.Bus) *Hub {
	if h == nil || b == nil {
		return h
	}
	h.bus = b
	if err := b.StartForwarder(ctx, h.receiveRemote); err != nil {
		h.log.Warn("failed to start realtime bus forwarder; running single-instance", "error", err)
		h.bus = nil
	}
	return h
}

// receiveRemote fans an event published by another instance out to this
// instance's local subscribers, bypassing the bus re-publish step.
func (h *Hub) receiveRemote(raw []byte) {
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		h.log.Warn("dropping malformed realtime bus payload", "error", err)
		return
	}
	h.fanOut(ev)
}

// Subscribe registers a new client for jobID. If the job already reached a
// terminal state, the returned client's Outbound channel is pre-loaded with
// that terminal event so ServeHTTP can deliver a snapshot-then-close without
// any special-casing in the read loop.
func (h *Hub) Subscribe(jobID uuid.UUID) *Client {
	c := &Client{ID: uuid.New(), JobID: jobID, Outbound: make(chan Event, 16), done: make(chan struct{})}

	h.mu.Lock()
	defer h.mu.Unlock()

	if last, ok := h.finished[jobID]; ok {
		c.Outbound <- last
		return c
	}
	clients, ok := h.subs[jobID]
	if !ok {
		clients = make(map[*Client]bool)
		h.subs[jobID] = clients
	}
	clients[c] = true
	return c
}

// Unsubscribe removes a client from the fan-out set. Safe to call more than
// once for the same client.
func (h *Hub) Unsubscribe(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if clients, ok := h.subs[c.JobID]; ok {
		delete(clients, c)
		if len(clients) == 0 {
			delete(h.subs, c.JobID)
		}
	}
}

func (h *Hub) publish(jobID uuid.UUID, ev Event) {
	h.fanOut(ev)
	if h.bus == nil {
		return
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := h.bus.Publish(context.Background(), raw); err != nil {
		h.log.Warn("failed to publish event to realtime bus", "job_id", jobID, "error", err)
	}
}

// fanOut delivers ev to this instance's local subscribers only.
func (h *Hub) fanOut(ev Event) {
	h.mu.Lock()
	if ev.terminal() {
		h.finished[ev.JobID] = ev
	}
	clients := h.subs[ev.JobID]
	h.mu.Unlock()

	for c := range clients {
		select {
		case c.Outbound <- ev:
		default:
			h.log.Warn("dropping sse event; client outbound buffer full", "job_id", ev.JobID, "client_id", c.ID)
		}
	}
}

// ServeHTTP streams c's events as text/event-stream frames, following the
// teacher's chunked-write + flush pattern, until the request context ends or
// a terminal event closes the stream.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request, c *Client) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	ctx := r.Context()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	defer h.Unsubscribe(c)

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-heartbeat.C:
			writeFrame(w, Event{Kind: EventHeartbeat, JobID: c.JobID})
			flusher.Flush()
		case ev := <-c.Outbound:
			writeFrame(w, ev)
			flusher.Flush()
			if ev.terminal() {
				return
			}
		}
	}
}

func writeFrame(w http.ResponseWriter, ev Event) {
	body, err := json.Marshal(ev)
	if err != nil {
		return
	}
	_, _ = fmt.Fprintf(w, "event: %s\n", ev.Kind)
	for _, line := range strings.Split(string(body), "\n") {
		_, _ = fmt.Fprintf(w, "data: %s\n", line)
	}
	_, _ = fmt.Fprint(w, "\n")
}

// Log implements runtime.Notifier.
func (h *Hub) Log(jobID uuid.UUID, level, source, message string) {
	h.publish(jobID, Event{Kind: EventLog, JobID: jobID, Level: level, Source: source, Message: message})
}

// StageStarted implements runtime.Notifier.
func (h *Hub) StageStarted(jobID uuid.UUID, stage string, index int) {
	h.publish(jobID, Event{Kind: EventStageStarted, JobID: jobID, Stage: stage, Index: index})
}

// StageCompleted implements runtime.Notifier.
func (h *Hub) StageCompleted(jobID uuid.UUID, stage string, index int) {
	h.publish(jobID, Event{Kind: EventStageCompleted, JobID: jobID, Stage: stage, Index: index})
}

// StageFailed implements runtime.Notifier. A stage failure always ends the
// job (the orchestrator never retries a failed stage into a fresh one), so
// this is recorded as the job's terminal event.
func (h *Hub) StageFailed(jobID uuid.UUID, stage string, index int, errMsg string) {
	h.publish(jobID, Event{Kind: EventStageFailed, JobID: jobID, Stage: stage, Index: index, Error: errMsg})
}

// Progress implements runtime.Notifier.
func (h *Hub) Progress(jobID uuid.UUID, pct int, phase string) {
	h.publish(jobID, Event{Kind: EventProgress, JobID: jobID, Progress: pct, Stage: phase})
}

// Done implements runtime.Notifier.
func (h *Hub) Done(jobID uuid.UUID, result any) {
	h.publish(jobID, Event{Kind: EventDone, JobID: jobID, Result: result})
}
