package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/harun/agentloop/internal/demo"
	"github.com/harun/agentloop/internal/observability"
	"github.com/harun/agentloop/pkg/agent"
	"github.com/harun/agentloop/pkg/gateway"
	"github.com/harun/agentloop/pkg/runner"
)

// secretEnv supplies the gateway secret when neither flag nor config does.
const secretEnv = "AGENTLOOP_GATEWAY_SECRET"

var (
	serveAddr   string
	serveSecret string
	serveAgent  string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the bundled agents over WebSocket and HTTP",
	Long: `Start the gateway. Clients connect to /ws, answer the HMAC challenge
signed with the shared secret and call agent.send, agent.resume and the
session methods, receiving run events as they happen. Single calls can be
posted to /rpc with the secret in the ` + gateway.SecretHeader + ` header.
Tool calls that need approval pause the run until a client resumes it.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default from config)")
	serveCmd.Flags().StringVar(&serveSecret, "secret", "", "shared secret (default from config or "+secretEnv+")")
	serveCmd.Flags().StringVar(&serveAgent, "agent", "", "default agent ("+strings.Join(demo.Names, ", ")+")")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := openRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	gw := rt.cfg.Gateway
	addr := firstNonEmpty(serveAddr, gw.Address)
	secret := firstNonEmpty(serveSecret, gw.SharedSecret, os.Getenv(secretEnv))
	if secret == "" {
		return fmt.Errorf("gateway shared secret is required (--secret, gateway.shared_secret or %s)", secretEnv)
	}

	observability.EnsureRegistered()
	server, err := gateway.NewServer(gateway.Config{
		Addr:         addr,
		SharedSecret: secret,
		TickInterval: time.Duration(gw.TickSeconds) * time.Second,
		Runner:       rt.runner,
		Store:        rt.store,
		Agents: func(r *runner.Runner, name string) (*agent.Agent, error) {
			d := rt.deps()
			d.Runner = r
			return demo.Build(name, d)
		},
		AgentNames:        demo.Names,
		DefaultAgent:      firstNonEmpty(serveAgent, gw.DefaultAgent),
		RequestsPerMinute: gw.RequestsPerMinute,
		MaxConcurrent:     gw.MaxConcurrent,
		Logger:            rt.log.Zerolog(),
	})
	if err != nil {
		return err
	}
	if err := server.Start(); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Gateway listening on %s\n", server.Addr())

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		return err
	}
	fmt.Fprintln(out, "Gateway stopped")
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
