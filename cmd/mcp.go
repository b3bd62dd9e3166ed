package cmd

import (
	"github.com/spf13/cobra"

	mcpbridge "github.com/chozzz/vargos/internal/mcp"
	"github.com/chozzz/vargos/internal/tools"
)

func init() {
	rootCmd.AddCommand(mcpCmd())
}

func mcpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the built-in tools over MCP stdio",
		Long: "Serve the workspace tools (read_file, exec) to an MCP client such " +
			"as an editor. Runs standalone: it does not require the gateway.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			workspace := cfg.WorkspaceDir()

			registry := tools.NewRegistry()
			registry.Register(tools.NewReadFileTool(workspace, true))
			registry.Register(tools.NewExecTool(workspace))

			return mcpbridge.NewBridge(registry, Version).ServeStdio()
		},
	}
}
