package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"

	"github.com/harun/agentloop/internal/config"
	"github.com/harun/agentloop/pkg/agent"
)

// resetCommand puts every flag of cmd and its children back to its default
// and drops the context of the last execution, since the command tree is
// shared between tests. Cobra only hands the root context down to
// subcommands that have none.
func resetCommand(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if f.Changed {
			_ = f.Value.Set(f.DefValue)
			f.Changed = false
		}
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	//nolint:staticcheck // nil lets the next Execute supply its context
	cmd.SetContext(nil)
	for _, c := range cmd.Commands() {
		resetCommand(c)
	}
}

// execute runs the root command with args and stdin and returns its output.
func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := GetRootCmd()
	resetCommand(cmd)
	t.Cleanup(func() { resetCommand(cmd) })

	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)

	err := cmd.Execute()
	return out.String(), err
}

// writeConfig writes a config file whose data lives in a temp dir and
// returns its path and the data dir. extra entries are merged into the
// top level of the document.
func writeConfig(t *testing.T, withProfile bool, extra ...map[string]interface{}) (string, string) {
	t.Helper()
	dir := t.TempDir()
	dataDir := filepath.Join(dir, "data")

	doc := map[string]interface{}{
		"data_dir": dataDir,
		"logging":  map[string]interface{}{"level": "debug", "file": filepath.Join(dir, "agentloop.log")},
	}
	if withProfile {
		doc["ai"] = map[string]interface{}{
			"profiles": []map[string]interface{}{
				{"id": "main", "provider": "anthropic", "api_key": "sk-ant-test", "priority": 0},
			},
		}
	}

	for _, e := range extra {
		for k, v := range e {
			doc[k] = v
		}
	}

	data, err := json.Marshal(doc)
	require.NoError(t, err)
	path := filepath.Join(dir, "agentloop.json")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path, dataDir
}

// useModel makes commands talk to model instead of a real backend.
func useModel(t *testing.T, model agent.Model) {
	t.Helper()
	prev := newModel
	newModel = func(*config.Config) (agent.Model, error) { return model, nil }
	t.Cleanup(func() { newModel = prev })
}
