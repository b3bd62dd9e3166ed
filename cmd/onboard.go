package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/chozzz/vargos/internal/config"
)

func onboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "onboard",
		Short: "Interactive first-run setup",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnboard(cmd)
		},
	}
}

func runOnboard(cmd *cobra.Command) error {
	path := resolveConfigPath()
	if _, err := os.Stat(path); err == nil {
		overwrite := false
		confirm := huh.NewConfirm().
			Title(fmt.Sprintf("%s already exists. Overwrite?", path)).
			Value(&overwrite)
		if err := confirm.Run(); err != nil {
			return err
		}
		if !overwrite {
			cmd.Println("keeping existing config")
			return nil
		}
	}

	provider := "anthropic"
	model := ""
	apiKey := ""
	telegramToken := ""

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Which provider runs your agent?").
				Options(
					huh.NewOption("Anthropic", "anthropic"),
					huh.NewOption("OpenAI-compatible", "openai"),
				).
				Value(&provider),
			huh.NewInput().
				Title("Model id").
				Placeholder("claude-sonnet-4-5-20250929").
				Value(&model),
			huh.NewInput().
				Title("API key (stored in config; env vars override)").
				EchoMode(huh.EchoModePassword).
				Value(&apiKey),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Telegram bot token (empty to skip)").
				EchoMode(huh.EchoModePassword).
				Value(&telegramToken),
		),
	)
	if err := form.Run(); err != nil {
		return err
	}

	cfg := config.Default()
	if model == "" {
		model = cfg.Models["main"].Model
	}
	cfg.Models["main"] = config.ModelProfile{Provider: provider, Model: model, APIKey: apiKey}
	if telegramToken != "" {
		cfg.Channels = map[string]config.ChannelConfig{
			"telegram": {Enabled: true, BotToken: telegramToken},
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return err
	}

	cmd.Printf("wrote %s\nstart the server with: vargos gateway start\n", path)
	return nil
}
