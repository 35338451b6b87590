package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/harun/agentloop/internal/demo"
	"github.com/harun/agentloop/pkg/chat"
	"github.com/harun/agentloop/pkg/runctx"
	"github.com/harun/agentloop/pkg/runner"
)

var (
	chatAgent       string
	chatSession     string
	chatStream      bool
	chatAutoApprove bool
	chatCustomer    string
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with one of the bundled agents",
	Long: `Start an interactive conversation with a bundled agent.
Tools that need approval ask on the terminal before they run. Type quit,
exit or bye to leave. With --session the conversation and any run waiting
for approval are stored and picked up again next time.`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVarP(&chatAgent, "agent", "a", "weather", "agent to talk to ("+strings.Join(demo.Names, ", ")+")")
	chatCmd.Flags().StringVarP(&chatSession, "session", "s", "default", "session key, empty keeps the conversation in memory")
	chatCmd.Flags().BoolVar(&chatStream, "stream", false, "print answers as they are generated")
	chatCmd.Flags().BoolVar(&chatAutoApprove, "auto-approve", false, "approve every tool call without asking")
	chatCmd.Flags().StringVar(&chatCustomer, "customer", "", "customer name passed to the support agent")
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	rt, err := openRuntime(cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	entry, err := demo.Build(chatAgent, rt.deps())
	if err != nil {
		return err
	}

	in := bufio.NewReader(cmd.InOrStdin())
	out := cmd.OutOrStdout()

	var approver chat.Approver = chat.NewCLIApprover(in, out)
	if chatAutoApprove {
		approver = chat.AutoApprover{}
	}
	var rc *runctx.RunContext
	if chatCustomer != "" {
		rc = runctx.New(&demo.Customer{Name: chatCustomer})
	}

	cfg := chat.Config{
		Runner:     rt.runner,
		Agent:      entry,
		Approver:   approver,
		Key:        chatSession,
		RunContext: rc,
		Logger:     rt.log.Zerolog(),
	}
	if chatSession != "" {
		cfg.Store = rt.store
	}
	s, err := chat.New(ctx, cfg)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Chatting with %s. Type quit, exit or bye to leave.\n", entry.Name())
	return chatLoop(ctx, s, in, out, chatStream)
}

func isGoodbye(text string) bool {
	switch strings.ToLower(text) {
	case "quit", "exit", "bye":
		return true
	}
	return false
}

func chatLoop(ctx context.Context, s *chat.Session, in *bufio.Reader, out io.Writer, stream bool) error {
	for {
		if len(s.Pending()) > 0 {
			fmt.Fprintln(out, "A previous run is waiting for approval.")
			reply, err := s.ResumePending(ctx)
			if err != nil {
				return err
			}
			printReply(out, reply, false)
		}

		fmt.Fprint(out, "You: ")
		line, err := in.ReadString('\n')
		if err != nil && (err != io.EOF || line == "") {
			if err == io.EOF {
				fmt.Fprintln(out)
				return nil
			}
			return err
		}

		text := strings.TrimSpace(line)
		if text == "" {
			continue
		}
		if isGoodbye(text) {
			fmt.Fprintln(out, "Goodbye!")
			return nil
		}

		var reply *chat.Reply
		if stream {
			started := false
			reply, err = s.SendStreaming(ctx, text, func(chunk string) {
				if !started {
					fmt.Fprint(out, "Agent: ")
					started = true
				}
				fmt.Fprint(out, chunk)
			})
			if started {
				fmt.Fprintln(out)
			}
		} else {
			reply, err = s.Send(ctx, text)
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			fmt.Fprintf(out, "Error: %s\n", runner.UserMessage(err))
			continue
		}
		printReply(out, reply, stream)
	}
}

// printReply shows a reply unless streaming already printed its text.
func printReply(out io.Writer, reply *chat.Reply, streamed bool) {
	if reply.Refused {
		fmt.Fprintf(out, "%s: %s\n", reply.Agent, reply.Text)
		return
	}
	if streamed {
		return
	}
	fmt.Fprintf(out, "%s: %s\n", reply.Agent, demo.Display(reply.Output, reply.Text))
}
