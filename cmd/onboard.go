package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"github.com/nextlevelbuilder/haven/internal/config"
	"github.com/nextlevelbuilder/haven/internal/store"
)

func onboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "onboard",
		Short: "Interactive first-run setup",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnboard()
		},
	}
}

// runOnboard walks through the first-run wizard: account, model, quiet
// hours, proactiveness. API keys stay in the environment; the wizard
// only reports whether it can see them.
func runOnboard() error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	prov := cfg.Snapshot().Providers

	keyStatus := func(name, key string) string {
		if key != "" {
			return name + ": configured"
		}
		return name + ": missing"
	}
	fmt.Println("Provider keys (set via environment, e.g. HAVEN_ANTHROPIC_API_KEY):")
	fmt.Println("  " + keyStatus("anthropic", prov.Anthropic.APIKey))
	fmt.Println("  " + keyStatus("openai", prov.OpenAI.APIKey))
	fmt.Println("  " + keyStatus("openrouter", prov.OpenRouter.APIKey))
	fmt.Println("  " + keyStatus("groq", prov.Groq.APIKey))
	fmt.Println()

	var (
		username      string
		password      string
		model         = cfg.Snapshot().Agent.Model
		proactiveness = store.ProactivenessModerate
		quietStart    = "2"
		quietEnd      = "5"
	)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().Title("Username").Value(&username).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("username is required")
					}
					return nil
				}),
			huh.NewInput().Title("Password").EchoMode(huh.EchoModePassword).Value(&password).
				Validate(func(s string) error {
					if len(s) < 8 {
						return fmt.Errorf("password must be at least 8 characters")
					}
					return nil
				}),
		),
		huh.NewGroup(
			huh.NewInput().Title("Default model").Value(&model),
			huh.NewSelect[string]().Title("Proactiveness").
				Description("How often Haven reaches out on its own").
				Options(
					huh.NewOption("Off", store.ProactivenessOff),
					huh.NewOption("Low", store.ProactivenessLow),
					huh.NewOption("Moderate", store.ProactivenessModerate),
					huh.NewOption("High", store.ProactivenessHigh),
				).
				Value(&proactiveness),
			huh.NewInput().Title("Quiet hours start (local hour, 0-23)").Value(&quietStart).
				Validate(validateHour),
			huh.NewInput().Title("Quiet hours end (local hour, 0-23)").Value(&quietEnd).
				Validate(validateHour),
		),
	)
	if err := form.Run(); err != nil {
		return err
	}

	cfg.Agent.Model = model
	if err := writeConfig(cfgPath, cfg); err != nil {
		return err
	}

	st, err := store.Open(cfg.DatabasePath())
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer st.Close()

	ctx := context.Background()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	user, err := st.CreateUser(ctx, username, string(hash))
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}

	qs, _ := strconv.Atoi(quietStart)
	qe, _ := strconv.Atoi(quietEnd)
	_, offset := time.Now().Zone()
	if err := st.UpdateUserSettings(ctx, user.ID, proactiveness, qs, qe, offset/60); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}

	fmt.Println()
	fmt.Printf("Setup complete. Config written to %s\n", cfgPath)
	fmt.Println("Start the gateway with:  haven")
	return nil
}

func validateHour(s string) error {
	h, err := strconv.Atoi(s)
	if err != nil || h < 0 || h > 23 {
		return fmt.Errorf("enter an hour between 0 and 23")
	}
	return nil
}

func writeConfig(path string, cfg *config.Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
