package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/chozzz/vargos/internal/sessionsvc"
	"github.com/chozzz/vargos/internal/store"
	"github.com/chozzz/vargos/pkg/protocol"
)

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect stored conversations",
	}

	var kind string
	var limit int
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGateway(func(ctx context.Context, call callFunc) error {
				var out struct {
					Sessions []store.Session `json:"sessions"`
				}
				filter := store.ListFilter{Kind: store.Kind(kind), Limit: limit}
				if err := call(ctx, sessionsvc.ServiceName, protocol.MethodSessionList, filter, &out); err != nil {
					return err
				}
				if len(out.Sessions) == 0 {
					fmt.Println("no sessions")
					return nil
				}
				for _, s := range out.Sessions {
					fmt.Printf("%-40s %-9s updated %s\n",
						s.SessionKey, s.Kind, s.UpdatedAt.Format("2006-01-02 15:04:05"))
				}
				return nil
			})
		},
	}
	listCmd.Flags().StringVar(&kind, "kind", "", "filter by kind (main, subagent, cron)")
	listCmd.Flags().IntVar(&limit, "limit", 20, "max sessions to list")
	cmd.AddCommand(listCmd)

	var msgLimit int
	debugCmd := &cobra.Command{
		Use:   "debug <session-key>",
		Short: "Dump a session and its recent messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGateway(func(ctx context.Context, call callFunc) error {
				var sessOut struct {
					Session *store.Session `json:"session"`
				}
				if err := call(ctx, sessionsvc.ServiceName, protocol.MethodSessionGet,
					sessionsvc.KeyParams{SessionKey: args[0]}, &sessOut); err != nil {
					return err
				}
				if sessOut.Session == nil {
					return fmt.Errorf("no session %q", args[0])
				}
				s := sessOut.Session
				fmt.Printf("key:     %s\nkind:    %s\ncreated: %s\nupdated: %s\n",
					s.SessionKey, s.Kind, s.CreatedAt.Format("2006-01-02 15:04:05"), s.UpdatedAt.Format("2006-01-02 15:04:05"))

				var msgOut struct {
					Messages []store.SessionMessage `json:"messages"`
				}
				if err := call(ctx, sessionsvc.ServiceName, protocol.MethodSessionGetMessages,
					sessionsvc.GetMessagesParams{SessionKey: args[0], Limit: msgLimit}, &msgOut); err != nil {
					return err
				}
				fmt.Printf("\n%d message(s):\n", len(msgOut.Messages))
				for _, m := range msgOut.Messages {
					fmt.Printf("[%s] %-9s %s\n", m.Timestamp.Format("15:04:05"), m.Role, m.Content)
				}
				return nil
			})
		},
	}
	debugCmd.Flags().IntVar(&msgLimit, "limit", 20, "max messages to show")
	cmd.AddCommand(debugCmd)

	return cmd
}
