package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/chozzz/vargos/internal/agent"
	"github.com/chozzz/vargos/internal/sessions"
	"github.com/chozzz/vargos/pkg/protocol"
)

// chatRunTimeout bounds one interactive turn end to end.
const chatRunTimeout = 10 * time.Minute

func chatCmd() *cobra.Command {
	var sessionLabel string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive conversation with the agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(sessionLabel)
		},
	}
	cmd.Flags().StringVar(&sessionLabel, "session", "", "CLI session label (default: local)")
	return cmd
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run \"<task>\"",
		Short: "Run one task and print the response",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := context.Background()
			sessionKey := sessions.CLIKey("run")

			// The response is assembled from run.delta streaming: the
			// gateway's per-request forward timeout is far shorter than
			// a long agent run.
			var buf strings.Builder
			done := make(chan struct{})
			var once sync.Once
			c, err := dialGateway(ctx, cfg, []string{protocol.EventRunDelta}, func(event string, payload json.RawMessage) {
				var delta protocol.RunDeltaPayload
				if json.Unmarshal(payload, &delta) != nil || delta.SessionKey != sessionKey {
					return
				}
				if delta.Kind != protocol.DeltaAssistant {
					return
				}
				if delta.IsComplete {
					once.Do(func() { close(done) })
					return
				}
				buf.WriteString(delta.Text)
			})
			if err != nil {
				return err
			}
			defer c.Close()

			var out struct {
				Response string `json:"response"`
			}
			callErr := c.CallInto(ctx, agent.ServiceName, protocol.MethodAgentRun,
				agent.RunParams{SessionKey: sessionKey, Message: args[0]},
				&out, chatRunTimeout)
			switch {
			case callErr == nil:
				fmt.Println(out.Response)
				return nil
			case protocol.IsCode(callErr, protocol.ErrTimeout):
				// Gateway gave up on the forward; the run is still
				// going. Wait for the streamed completion.
				select {
				case <-done:
					fmt.Println(buf.String())
					return nil
				case <-time.After(chatRunTimeout):
					return fmt.Errorf("run did not complete within %s", chatRunTimeout)
				}
			default:
				return callErr
			}
		},
	}
}

func runChat(sessionLabel string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	sessionKey := sessions.CLIKey(sessionLabel)
	ctx := context.Background()

	// Stream assistant deltas for our session as they arrive.
	streaming := false
	c, err := dialGateway(ctx, cfg, []string{protocol.EventRunDelta}, func(event string, payload json.RawMessage) {
		var delta protocol.RunDeltaPayload
		if json.Unmarshal(payload, &delta) != nil {
			return
		}
		if delta.SessionKey != sessionKey {
			return
		}
		switch delta.Kind {
		case protocol.DeltaAssistant:
			if delta.IsComplete {
				if streaming {
					fmt.Println()
					streaming = false
				}
				return
			}
			streaming = true
			fmt.Print(delta.Text)
		case protocol.DeltaTool:
			fmt.Fprintf(os.Stderr, "\n[%s %s]\n", delta.ToolName, delta.Phase)
		}
	})
	if err != nil {
		return err
	}
	defer c.Close()

	fmt.Fprintf(os.Stderr, "vargos chat — session %s (type \"exit\" to quit)\n\n", sessionKey)

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Fprint(os.Stderr, "you: ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			break
		}

		var out struct {
			Response string `json:"response"`
		}
		err := c.CallInto(ctx, agent.ServiceName, protocol.MethodAgentRun,
			agent.RunParams{SessionKey: sessionKey, Message: input},
			&out, chatRunTimeout)
		if err != nil {
			if protocol.IsCode(err, protocol.ErrTimeout) {
				// Long run: the gateway dropped the forward, but the
				// reply still streams in via run.delta.
				continue
			}
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			continue
		}
		if !streaming && out.Response != "" {
			// The delta subscription already printed streamed output;
			// this covers non-streaming runtimes.
			fmt.Println(out.Response)
		}
		streaming = false
	}
	return scanner.Err()
}
