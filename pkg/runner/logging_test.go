package runner_test

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/agentloop/pkg/agent"
	"github.com/harun/agentloop/pkg/agent/agenttest"
	"github.com/harun/agentloop/pkg/runner"
)

func TestRunLogging(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf).Level(zerolog.DebugLevel)

	sales := agent.MustNew(agent.Config{Name: "sales", Model: agenttest.NewScriptedModel(agenttest.Text("Pro is 10 EUR a month."))})
	reception := agent.MustNew(agent.Config{
		Name:     "reception",
		Model:    agenttest.NewScriptedModel(agenttest.Handoff("call_handoff", "sales")),
		Handoffs: []*agent.Agent{sales},
	})

	_, err := newRunner(t, runner.Config{Logger: &logger}).Run(context.Background(), reception, ask("How much is pro?"), nil)
	require.NoError(t, err)

	var modelCalls []string
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		assert.LessOrEqual(t, strings.Count(line, `"agent":`), 1, line)

		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		if entry["message"] == "Model call completed" {
			modelCalls = append(modelCalls, entry["agent"].(string))
		}
	}

	t.Run("should tag model calls with the active agent", func(t *testing.T) {
		assert.Equal(t, []string{"reception", "sales"}, modelCalls)
	})
}
