package realtime

import (
	"bufio"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foundryworks/capiforge/internal/platform/logger"
)

func testHub(t *testing.T) *Hub {
	t.Helper()
	log, err := logger.New("test")
	require.NoError(t, err)
	return NewHub(log)
}

func TestSubscribe_DeliversLiveEvents(t *testing.T) {
	h := testHub(t)
	jobID := uuid.New()
	c := h.Subscribe(jobID)

	h.Progress(jobID, 25, "research")

	select {
	case ev := <-c.Outbound:
		assert.Equal(t, EventProgress, ev.Kind)
		assert.Equal(t, 25, ev.Progress)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for progress event")
	}
}

func TestSubscribe_LateSubscriberGetsTerminalSnapshot(t *testing.T) {
	h := testHub(t)
	jobID := uuid.New()

	h.Done(jobID, map[string]any{"dataset_id": "acme_capi_demo_20260101"})

	c := h.Subscribe(jobID)
	select {
	case ev := <-c.Outbound:
		assert.Equal(t, EventDone, ev.Kind)
		assert.True(t, ev.terminal())
	case <-time.After(time.Second):
		t.Fatal("late subscriber never received the cached terminal event")
	}
}

func TestSubscribe_LateSubscriberAfterStageFailureGetsSnapshot(t *testing.T) {
	h := testHub(t)
	jobID := uuid.New()

	h.StageFailed(jobID, "synthetic_data", 3, "llm call exhausted retries")

	c := h.Subscribe(jobID)
	select {
	case ev := <-c.Outbound:
		assert.Equal(t, EventStageFailed, ev.Kind)
		assert.Equal(t, "llm call exhausted retries", ev.Error)
	case <-time.After(time.Second):
		t.Fatal("late subscriber never received the cached stage_failed event")
	}
}

func TestUnsubscribe_RemovesClientFromFanOut(t *testing.T) {
	h := testHub(t)
	jobID := uuid.New()
	c := h.Subscribe(jobID)
	h.Unsubscribe(c)

	h.Progress(jobID, 10, "research")

	select {
	case <-c.Outbound:
		t.Fatal("unsubscribed client should not receive further events")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestServeHTTP_StreamsFramesAndClosesOnTerminalEvent(t *testing.T) {
	h := testHub(t)
	jobID := uuid.New()
	c := h.Subscribe(jobID)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/provision/stream/"+jobID.String(), nil)

	done := make(chan struct{})
	go func() {
		h.ServeHTTP(rec, req, c)
		close(done)
	}()

	h.StageStarted(jobID, "research", 0)
	h.Done(jobID, map[string]any{"agent_id": "agent-1"})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ServeHTTP did not return after a terminal event")
	}

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	scanner := bufio.NewScanner(strings.NewReader(rec.Body.String()))
	var eventLines []string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			eventLines = append(eventLines, strings.TrimPrefix(line, "event: "))
		}
	}
	require.GreaterOrEqual(t, len(eventLines), 2)
	assert.Equal(t, "stage_started", eventLines[0])
	assert.Equal(t, "done", eventLines[len(eventLines)-1])
}
