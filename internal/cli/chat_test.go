package cli

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/agentloop/pkg/agent/agenttest"
)

func TestChatCommand(t *testing.T) {
	t.Run("should answer until the user says bye", func(t *testing.T) {
		path, _ := writeConfig(t, true)
		model := agenttest.NewScriptedModel(agenttest.Text("Once upon a time"))
		useModel(t, model)

		out, err := execute(t, "Tell me a story\nbye\n", "--config", path, "chat", "--agent", "story", "--session", "")
		require.NoError(t, err)
		assert.Contains(t, out, "Chatting with StoryTeller-Agent")
		assert.Contains(t, out, "StoryTeller-Agent: Once upon a time")
		assert.Contains(t, out, "Goodbye!")
		assert.Equal(t, 1, model.Calls())
	})

	t.Run("should run configured hooks", func(t *testing.T) {
		hookOut := filepath.Join(t.TempDir(), "hooks.txt")
		path, _ := writeConfig(t, true, map[string]interface{}{
			"hooks": []map[string]interface{}{
				{"id": "done", "event": "run_end", "script": "echo \"$AGENTLOOP_HOOK_DATA_STATUS\" >> " + hookOut},
			},
		})
		useModel(t, agenttest.NewScriptedModel(agenttest.Text("Once upon a time")))

		_, err := execute(t, "Tell me a story\nbye\n", "--config", path, "chat", "--agent", "story", "--session", "")
		require.NoError(t, err)

		data, err := os.ReadFile(hookOut)
		require.NoError(t, err)
		assert.Equal(t, "completed\n", string(data))
	})

	t.Run("should reject hooks for unknown events", func(t *testing.T) {
		path, _ := writeConfig(t, true, map[string]interface{}{
			"hooks": []map[string]interface{}{{"event": "daemon:startup", "script": "true"}},
		})
		useModel(t, agenttest.NewScriptedModel(agenttest.Text("unused")))

		_, err := execute(t, "", "--config", path, "chat", "--agent", "story", "--session", "")
		assert.ErrorContains(t, err, "invalid hooks")
	})

	t.Run("should stream answers", func(t *testing.T) {
		path, _ := writeConfig(t, true)
		useModel(t, agenttest.NewScriptedModel(agenttest.Text("Once upon a time")))

		out, err := execute(t, "Tell me a story\n", "--config", path, "chat", "--agent", "story", "--session", "", "--stream")
		require.NoError(t, err)
		assert.Contains(t, out, "Agent: Once upon a time\n")
	})

	t.Run("should keep history in the session", func(t *testing.T) {
		path, _ := writeConfig(t, true)
		useModel(t, agenttest.NewScriptedModel(agenttest.Text("Hello Ana."), agenttest.Echo("You said: ")))

		_, err := execute(t, "I am Ana\nquit\n", "--config", path, "chat", "--agent", "story", "--session", "ana")
		require.NoError(t, err)

		out, err := execute(t, "Who am I?\nexit\n", "--config", path, "chat", "--agent", "story", "--session", "ana")
		require.NoError(t, err)
		assert.Contains(t, out, "You said: Who am I?")

		out, err = execute(t, "", "--config", path, "sessions", "show", "ana")
		require.NoError(t, err)
		assert.Contains(t, out, "user: I am Ana")
		assert.Contains(t, out, "StoryTeller-Agent: Hello Ana.")
		assert.Contains(t, out, "user: Who am I?")
	})

	t.Run("should ask before sending mail", func(t *testing.T) {
		path, dataDir := writeConfig(t, true)
		useModel(t, agenttest.NewScriptedModel(
			agenttest.ToolCalls(agenttest.Call{ID: "call_m", Name: "send_email", Args: map[string]string{
				"to": "ana@example.com", "subject": "Weather", "html": "<p>Sunny</p>",
			}}),
			agenttest.Echo(""),
		))

		out, err := execute(t, "Mail me the weather\ny\nbye\n", "--config", path, "chat", "--session", "")
		require.NoError(t, err)
		assert.Contains(t, out, "Approval required")
		assert.Contains(t, out, "Tool:       send_email")
		assert.Contains(t, out, "weather-reporter: Mail has been sent successfully.")

		f, err := os.Open(filepath.Join(dataDir, "outbox.jsonl"))
		require.NoError(t, err)
		defer f.Close()
		lines := 0
		for scanner := bufio.NewScanner(f); scanner.Scan(); lines++ {
			assert.True(t, strings.Contains(scanner.Text(), "ana@example.com"))
		}
		assert.Equal(t, 1, lines)
	})

	t.Run("should tell the model about a rejection", func(t *testing.T) {
		path, dataDir := writeConfig(t, true)
		useModel(t, agenttest.NewScriptedModel(
			agenttest.ToolCalls(agenttest.Call{ID: "call_m", Name: "send_email", Args: map[string]string{
				"to": "ana@example.com", "subject": "Weather", "html": "<p>Sunny</p>",
			}}),
			agenttest.Text("Okay, I will not send it."),
		))

		out, err := execute(t, "Mail me the weather\nn\nbye\n", "--config", path, "chat", "--session", "")
		require.NoError(t, err)
		assert.Contains(t, out, "Rejected.")
		assert.Contains(t, out, "weather-reporter: Okay, I will not send it.")
		assert.NoFileExists(t, filepath.Join(dataDir, "outbox.jsonl"))
	})

	t.Run("should reject unknown agents", func(t *testing.T) {
		path, _ := writeConfig(t, true)
		useModel(t, agenttest.NewScriptedModel())

		_, err := execute(t, "", "--config", path, "chat", "--agent", "pirate")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown agent")
	})

	t.Run("should require a model backend", func(t *testing.T) {
		path, _ := writeConfig(t, false)

		_, err := execute(t, "", "--config", path, "chat")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "agentloop configure")
	})
}

func TestIsGoodbye(t *testing.T) {
	for _, word := range []string{"quit", "exit", "bye", "BYE"} {
		assert.True(t, isGoodbye(word), word)
	}
	assert.False(t, isGoodbye("goodbye, and tell me more"))
}
