package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cohortnet/quorum/dispatch"
	"github.com/cohortnet/quorum/errors"
)

// recordingHandler captures delivered replies.
type recordingHandler struct {
	mu      sync.Mutex
	replies map[string]dispatch.Reply
}

func (r *recordingHandler) OnDataSourceReply(ctx context.Context, executionID string, reply dispatch.Reply) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.replies == nil {
		r.replies = make(map[string]dispatch.Reply)
	}
	r.replies[executionID] = reply
	return nil
}

func (r *recordingHandler) get(executionID string) (dispatch.Reply, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reply, ok := r.replies[executionID]
	return reply, ok
}

func dialSource(t *testing.T, url, sourceID string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(url, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.NoError(t, conn.WriteJSON(map[string]string{
		"type":           "hello",
		"data_source_id": sourceID,
	}))
	return conn
}

func waitForSource(t *testing.T, hub *Hub, sourceID string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, id := range hub.ConnectedSources() {
			if id == sourceID {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("data source %s never registered", sourceID)
}

func TestHubQueryReplyRoundTrip(t *testing.T) {
	hub := NewHub(nil, nil)
	handler := &recordingHandler{}
	hub.SetReplyHandler(handler)

	ts := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	t.Cleanup(ts.Close)

	conn := dialSource(t, ts.URL, "site-a")
	waitForSource(t, hub, "site-a")

	err := hub.Send(context.Background(), dispatch.OutboundQuery{
		CorrelationID: "exec-1",
		DataSourceID:  "site-a",
		QueryType:     "COUNT_QUERY",
		Payload:       json.RawMessage(`{"diagnosis":"C61"}`),
	})
	require.NoError(t, err)

	var received struct {
		Type          string          `json:"type"`
		CorrelationID string          `json:"correlation_id"`
		Payload       json.RawMessage `json:"payload"`
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&received))
	assert.Equal(t, "query", received.Type)
	assert.Equal(t, "exec-1", received.CorrelationID)
	assert.JSONEq(t, `{"diagnosis":"C61"}`, string(received.Payload))

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"type":           "reply",
		"correlation_id": "exec-1",
		"num_records":    42,
	}))

	require.Eventually(t, func() bool {
		_, ok := handler.get("exec-1")
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	reply, _ := handler.get("exec-1")
	assert.Equal(t, int64(42), reply.NumRecords)
	assert.Empty(t, reply.Error)
}

func TestHubSendToDisconnectedSource(t *testing.T) {
	hub := NewHub(nil, nil)

	err := hub.Send(context.Background(), dispatch.OutboundQuery{
		CorrelationID: "exec-1",
		DataSourceID:  "nowhere",
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrDispatch))
}

func TestHubRejectsAnonymousConnections(t *testing.T) {
	hub := NewHub(nil, nil)
	ts := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	t.Cleanup(ts.Close)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// A frame that is not a hello closes the connection
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "reply"}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var discard json.RawMessage
	err = conn.ReadJSON(&discard)
	assert.Error(t, err)
	assert.Empty(t, hub.ConnectedSources())
}

func TestHubReplacesReconnectingSource(t *testing.T) {
	hub := NewHub(nil, nil)
	hub.SetReplyHandler(&recordingHandler{})
	ts := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	t.Cleanup(ts.Close)

	first := dialSource(t, ts.URL, "site-a")
	waitForSource(t, hub, "site-a")

	second := dialSource(t, ts.URL, "site-a")

	// The hub closes the first connection when the source reconnects;
	// wait for that before sending so the frame reaches the new one.
	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	var discard json.RawMessage
	require.Error(t, first.ReadJSON(&discard))

	require.NoError(t, hub.Send(context.Background(), dispatch.OutboundQuery{
		CorrelationID: "exec-2",
		DataSourceID:  "site-a",
	}))

	var received struct {
		Type          string `json:"type"`
		CorrelationID string `json:"correlation_id"`
	}
	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, second.ReadJSON(&received))
	assert.Equal(t, "exec-2", received.CorrelationID)
}
