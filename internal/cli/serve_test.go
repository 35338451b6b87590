package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/agentloop/pkg/agent/agenttest"
	"github.com/harun/agentloop/pkg/gateway"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func TestServeCommand(t *testing.T) {
	t.Run("should require a shared secret", func(t *testing.T) {
		t.Setenv(secretEnv, "")
		path, _ := writeConfig(t, true)
		useModel(t, agenttest.NewScriptedModel())

		_, err := execute(t, "", "--config", path, "serve", "--addr", freeAddr(t))
		assert.ErrorContains(t, err, "shared secret is required")
	})

	t.Run("should serve agents until cancelled", func(t *testing.T) {
		addr := freeAddr(t)
		path, _ := writeConfig(t, true, map[string]interface{}{
			"gateway": map[string]interface{}{"address": addr, "shared_secret": "s3cret"},
		})
		useModel(t, agenttest.NewScriptedModel(agenttest.Text("Once upon a time")))

		cmd := GetRootCmd()
		resetCommand(cmd)
		t.Cleanup(func() { resetCommand(cmd) })
		out := &bytes.Buffer{}
		cmd.SetOut(out)
		cmd.SetErr(out)
		cmd.SetArgs([]string{"--config", path, "serve", "--agent", "story"})

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		done := make(chan error, 1)
		go func() { done <- cmd.ExecuteContext(ctx) }()

		require.Eventually(t, func() bool {
			resp, err := http.Get("http://" + addr + "/healthz")
			if err != nil {
				return false
			}
			resp.Body.Close()
			return resp.StatusCode == http.StatusOK
		}, 5*time.Second, 20*time.Millisecond)

		body := `{"id":"1","method":"agent.send","params":{"session":"bedtime","text":"Tell me a story"}}`
		req, err := http.NewRequest(http.MethodPost, "http://"+addr+"/rpc", strings.NewReader(body))
		require.NoError(t, err)
		req.Header.Set(gateway.SecretHeader, "s3cret")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()

		var rpc struct {
			Result gateway.RunReply  `json:"result"`
			Error  *gateway.RPCError `json:"error"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&rpc))
		require.Nil(t, rpc.Error)
		assert.Equal(t, gateway.StatusCompleted, rpc.Result.Status)
		assert.Equal(t, "StoryTeller-Agent", rpc.Result.Agent)
		assert.Equal(t, "Once upon a time", rpc.Result.Text)

		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(15 * time.Second):
			t.Fatal("serve did not stop")
		}
		assert.Contains(t, out.String(), "Gateway listening on "+addr)
		assert.Contains(t, out.String(), "Gateway stopped")
	})
}
