package session

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/agentloop/internal/tracing"
)

func TestStoreLogging(t *testing.T) {
	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf).Level(zerolog.DebugLevel)
	t.Cleanup(func() { log.Logger = prev })

	ctx := tracing.WithTraceID(context.Background(), "trace-42")
	s := newStore(t)
	_, state := pausedRun(t)

	require.NoError(t, s.Replace(ctx, "chat", weatherTurn()))
	require.NoError(t, s.SavePending(ctx, "chat", state))
	require.NoError(t, s.Delete(ctx, "chat"))

	entries := map[string]map[string]interface{}{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		if msg, ok := entry["message"].(string); ok {
			entries[msg] = entry
		}
	}

	t.Run("should tag store events with the session and trace", func(t *testing.T) {
		for _, msg := range []string{"Session replaced", "Paused run saved", "Session deleted"} {
			entry, ok := entries[msg]
			require.True(t, ok, "missing %q", msg)
			assert.Equal(t, "chat", entry["session_key"], msg)
			assert.Equal(t, "trace-42", entry["trace_id"], msg)
		}
		assert.Equal(t, state.ID(), entries["Paused run saved"]["run_id"])
		assert.EqualValues(t, 4, entries["Session replaced"]["items"])
	})
}
