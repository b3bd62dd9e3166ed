package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"

	"github.com/spf13/cobra"
)

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or edit the configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			// Secrets stay out of the dump.
			for name, m := range cfg.Models {
				if m.APIKey != "" {
					m.APIKey = "(set)"
					cfg.Models[name] = m
				}
			}
			for name, ch := range cfg.Channels {
				if ch.BotToken != "" {
					ch.BotToken = "(set)"
					cfg.Channels[name] = ch
				}
			}
			data, err := json.MarshalIndent(cfg, "", "  ")
			if err != nil {
				return err
			}
			cmd.Printf("%s\n", data)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "edit",
		Short: "Open the config file in $EDITOR",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := resolveConfigPath()
			editor := os.Getenv("EDITOR")
			if editor == "" {
				editor = "vi"
			}
			edit := exec.Command(editor, path)
			edit.Stdin = os.Stdin
			edit.Stdout = os.Stdout
			edit.Stderr = os.Stderr
			if err := edit.Run(); err != nil {
				return fmt.Errorf("editor exited: %w", err)
			}
			// Validate what was written.
			if _, err := loadConfig(); err != nil {
				return fmt.Errorf("config did not parse after edit: %w", err)
			}
			cmd.Println("config ok")
			return nil
		},
	})

	return cmd
}
