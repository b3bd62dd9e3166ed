package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/chozzz/vargos/internal/cron"
	"github.com/chozzz/vargos/pkg/protocol"
)

func cronCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Manage scheduled tasks",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List scheduled tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGateway(func(ctx context.Context, call callFunc) error {
				var out struct {
					Tasks []cron.Task `json:"tasks"`
				}
				if err := call(ctx, cron.ServiceName, protocol.MethodCronList, nil, &out); err != nil {
					return err
				}
				if len(out.Tasks) == 0 {
					fmt.Println("no cron tasks")
					return nil
				}
				for _, t := range out.Tasks {
					state := "enabled"
					if !t.Enabled {
						state = "disabled"
					}
					fmt.Printf("%-20s %-16s %-8s %s\n", t.ID, t.Schedule, state, t.Description)
				}
				return nil
			})
		},
	})

	var schedule, task, name string
	addCmd := &cobra.Command{
		Use:   "add <id>",
		Short: "Add a scheduled task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGateway(func(ctx context.Context, call callFunc) error {
				var out struct {
					Task cron.Task `json:"task"`
				}
				spec := cron.TaskSpec{ID: args[0], Name: name, Schedule: schedule, Task: task}
				if err := call(ctx, cron.ServiceName, protocol.MethodCronAdd, spec, &out); err != nil {
					return err
				}
				fmt.Printf("added %s (%s)\n", out.Task.ID, out.Task.Schedule)
				return nil
			})
		},
	}
	addCmd.Flags().StringVar(&schedule, "schedule", "", "5-field cron expression (required)")
	addCmd.Flags().StringVar(&task, "task", "", "instruction to run (required)")
	addCmd.Flags().StringVar(&name, "name", "", "display name (default: id)")
	addCmd.MarkFlagRequired("schedule")
	addCmd.MarkFlagRequired("task")
	cmd.AddCommand(addCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a scheduled task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGateway(func(ctx context.Context, call callFunc) error {
				var out struct {
					Removed bool `json:"removed"`
				}
				if err := call(ctx, cron.ServiceName, protocol.MethodCronRemove, map[string]string{"id": args[0]}, &out); err != nil {
					return err
				}
				if !out.Removed {
					return fmt.Errorf("no task %q", args[0])
				}
				fmt.Printf("removed %s\n", args[0])
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "trigger <id>",
		Short: "Fire a task now (skip rules still apply)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGateway(func(ctx context.Context, call callFunc) error {
				var out struct {
					Fired bool `json:"fired"`
				}
				if err := call(ctx, cron.ServiceName, protocol.MethodCronRun, map[string]string{"id": args[0]}, &out); err != nil {
					return err
				}
				if out.Fired {
					fmt.Printf("fired %s\n", args[0])
				} else {
					fmt.Printf("%s skipped by its before-fire hook\n", args[0])
				}
				return nil
			})
		},
	})

	return cmd
}

// callFunc is the narrow gateway-call surface the subcommands need.
type callFunc func(ctx context.Context, target, method string, params, out any) error

// withGateway dials, runs fn, and tears the client down.
func withGateway(fn func(ctx context.Context, call callFunc) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()
	c, err := dialGateway(ctx, cfg, nil, nil)
	if err != nil {
		return err
	}
	defer c.Close()

	return fn(ctx, func(ctx context.Context, target, method string, params, out any) error {
		return c.CallInto(ctx, target, method, params, out, 0)
	})
}
