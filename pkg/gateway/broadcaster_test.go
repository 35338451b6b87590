package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/agentloop/internal/tracing"
	"github.com/harun/agentloop/pkg/runner"
)

func TestEventBroadcaster_BroadcastTypedAddsSequence(t *testing.T) {
	serverConn, clientConn, cleanup := websocketConnPair(t)
	defer cleanup()

	registry := NewClientRegistry()
	registry.Add(&Client{ID: "client-1", Conn: serverConn, Authenticated: true})
	registry.Add(&Client{ID: "client-2", Conn: serverConn})

	broadcaster := NewEventBroadcaster(registry, zerolog.Nop())
	broadcaster.BroadcastTyped(EventMessage{Event: "tool_start", Stream: StreamTypeTool, TraceID: "trace-1", RunID: "run-1"})
	broadcaster.BroadcastTyped(EventMessage{Event: "tool_end", Stream: StreamTypeTool, TraceID: "trace-1", RunID: "run-1"})

	first := readEvent(t, clientConn)
	second := readEvent(t, clientConn)

	assert.Equal(t, "event", first.Type)
	assert.Equal(t, "tool_start", first.Event)
	assert.Equal(t, StreamTypeTool, first.Stream)
	assert.NotZero(t, first.Seq)
	assert.Equal(t, "trace-1", first.TraceID)
	assert.Equal(t, "run-1", first.RunID)

	assert.Equal(t, "tool_end", second.Event)
	assert.Greater(t, second.Seq, first.Seq)
}

func TestEventBroadcaster_OnEvent(t *testing.T) {
	serverConn, clientConn, cleanup := websocketConnPair(t)
	defer cleanup()

	registry := NewClientRegistry()
	registry.Add(&Client{ID: "client-1", Conn: serverConn, Authenticated: true})
	broadcaster := NewEventBroadcaster(registry, zerolog.Nop())

	ctx := tracing.WithSessionKey(tracing.WithTraceID(context.Background(), "trace-9"), "ana")
	broadcaster.OnEvent(ctx, runner.Event{Kind: runner.EventHandoff, RunID: "run-2", Agent: "reception", Target: "sales", CallID: "call_h"})
	broadcaster.OnEvent(ctx, runner.Event{Kind: runner.EventGuardrailTripped, RunID: "run-2", Agent: "sales", Guardrail: "content_filter", Status: "output"})

	handoff := readEvent(t, clientConn)
	assert.Equal(t, "handoff", handoff.Event)
	assert.Equal(t, StreamTypeLifecycle, handoff.Stream)
	assert.Equal(t, "reception", handoff.Agent)
	assert.Equal(t, "ana", handoff.Session)
	assert.Equal(t, "trace-9", handoff.TraceID)
	assert.Equal(t, map[string]interface{}{"target": "sales", "call_id": "call_h"}, handoff.Data)

	trip := readEvent(t, clientConn)
	assert.Equal(t, StreamTypeGuardrail, trip.Stream)
	assert.Equal(t, "content_filter", trip.Data.(map[string]interface{})["guardrail"])
}

func readEvent(t *testing.T, conn *websocket.Conn) EventMessage {
	t.Helper()
	var event EventMessage
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&event))
	return event
}

func TestEventBroadcaster_BroadcastAssignsTypeAndSequence(t *testing.T) {
	serverConn, clientConn, cleanup := websocketConnPair(t)
	defer cleanup()

	registry := NewClientRegistry()
	registry.Add(&Client{
		ID:            "client-1",
		Conn:          serverConn,
		Authenticated: true,
	})

	broadcaster := NewEventBroadcaster(registry, zerolog.Nop())
	broadcaster.Broadcast("session.message", map[string]interface{}{"ok": true})

	event := readEvent(t, clientConn)
	assert.Equal(t, "event", event.Type)
	assert.Equal(t, "session.message", event.Event)
	assert.NotZero(t, event.Seq)
	assert.NotZero(t, event.Timestamp)
}

func websocketConnPair(t *testing.T) (*websocket.Conn, *websocket.Conn, func()) {
	t.Helper()

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	serverConnCh := make(chan *websocket.Conn, 1)
	errCh := make(chan error, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			errCh <- err
			return
		}
		serverConnCh <- conn
	}))

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	var serverConn *websocket.Conn
	select {
	case serverConn = <-serverConnCh:
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server websocket connection")
	}

	cleanup := func() {
		_ = clientConn.Close()
		_ = serverConn.Close()
		srv.Close()
	}

	return serverConn, clientConn, cleanup
}
