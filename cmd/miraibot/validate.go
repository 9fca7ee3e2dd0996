package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/keepmind9/miraibot/internal/core"
	"github.com/keepmind9/miraibot/pkg/constants"
	"github.com/spf13/cobra"
)

var (
	validateConfigFile string
	validateJSON       bool
)

// ValidationResult represents the validation result
type ValidationResult struct {
	Valid      bool     `json:"valid"`
	Config     string   `json:"config"`
	QQ         int64    `json:"qq,omitempty"`
	Adapter    string   `json:"adapter,omitempty"`
	Gateway    string   `json:"gateway,omitempty"`
	VerifyKey  string   `json:"verify_key,omitempty"`
	SessionKey string   `json:"session_key,omitempty"`
	Filters    int      `json:"filters"`
	Errors     []string `json:"errors,omitempty"`
	Warnings   []string `json:"warnings,omitempty"`
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate miraibot configuration file",
	Long: `Validate the miraibot configuration file without connecting to the gateway.

This command checks:
  - YAML syntax and ${VAR} references
  - Required bot credentials
  - Gateway adapter and durations
  - Worker pool sizing

Exit codes:
  0 - Configuration is valid
  1 - Configuration has errors`,
	Run: func(cmd *cobra.Command, args []string) {
		configFile := findConfigFile(validateConfigFile)
		out := cmd.OutOrStdout()

		if configFile == "" {
			fmt.Fprintln(out, "❌ No configuration file found")
			fmt.Fprintln(out, "\nSpecify a config file with --config or ensure one exists at:")
			for _, loc := range defaultConfigLocations() {
				fmt.Fprintf(out, "  - %s\n", loc)
			}
			os.Exit(1)
		}

		result := validateFile(configFile)
		outputValidationResult(out, result, validateJSON)
		if !result.Valid {
			os.Exit(1)
		}
	},
}

func defaultConfigLocations() []string {
	return []string{
		"config.yaml",
		filepath.Join(os.Getenv("HOME"), ".config/miraibot/config.yaml"),
		"/etc/miraibot/config.yaml",
	}
}

// findConfigFile returns explicit when set, else the first default
// location that exists
func findConfigFile(explicit string) string {
	if explicit != "" {
		return explicit
	}
	for _, loc := range defaultConfigLocations() {
		if _, err := os.Stat(loc); err == nil {
			return loc
		}
	}
	return ""
}

func validateFile(configFile string) ValidationResult {
	cfg, err := core.LoadConfig(configFile)
	if err != nil {
		return ValidationResult{
			Valid:  false,
			Config: configFile,
			Errors: []string{err.Error()},
		}
	}

	result := ValidationResult{
		Valid:      true,
		Config:     configFile,
		QQ:         cfg.Bot.QQ,
		Adapter:    cfg.Gateway.Adapter,
		Gateway:    cfg.BaseURL(),
		VerifyKey:  maskSecret(cfg.Bot.VerifyKey),
		SessionKey: maskSecret(cfg.Bot.SessionKey),
		Warnings:   validateConfigDetails(cfg),
	}
	if cfg.Filters.GroupSwitchFile != "" {
		result.Filters++
	}
	if cfg.Filters.BlacklistFile != "" {
		result.Filters++
	}
	return result
}

func validateConfigDetails(cfg *core.Config) []string {
	var warnings []string

	hasFilters := cfg.Filters.GroupSwitchFile != "" || cfg.Filters.BlacklistFile != ""
	if !hasFilters {
		warnings = append(warnings, "No filters configured - every handler receives every event")
	}
	if hasFilters && len(cfg.Filters.Admins) == 0 {
		warnings = append(warnings, "filters.admins is empty - admin commands are disabled")
	}
	if cfg.Bot.SessionKey != "" && cfg.Gateway.Adapter == "http" {
		warnings = append(warnings, "session_key is supplied - the session is not released on shutdown")
	}
	if cfg.Gateway.Adapter == "ws" && cfg.CommandTimeout() == 0 {
		warnings = append(warnings, "runtime.command_timeout is unset - commands wait for their reply until shutdown")
	}

	return warnings
}

// maskSecret keeps the ends of long secrets and hides short ones entirely
func maskSecret(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) < constants.MinTokenLengthForMasking {
		return "****"
	}
	return secret[:constants.TokenMaskPrefixLength] + "****" +
		secret[len(secret)-constants.TokenMaskSuffixLength:]
}

func outputValidationResult(out io.Writer, result ValidationResult, jsonFormat bool) {
	if jsonFormat {
		output, err := json.Marshal(result)
		if err != nil {
			fmt.Fprintf(out, "{\"error\": \"failed to marshal json: %v\"}\n", err)
			return
		}
		fmt.Fprintln(out, string(output))
		return
	}

	if !result.Valid {
		fmt.Fprintln(out, "❌ Configuration validation failed:")
		fmt.Fprintf(out, "  - Config: %s\n", result.Config)
		if len(result.Errors) > 0 {
			fmt.Fprintln(out, "\nErrors:")
			for _, errMsg := range result.Errors {
				fmt.Fprintf(out, "  - %s\n", errMsg)
			}
		}
		return
	}

	fmt.Fprintln(out, "✓ Configuration is valid")
	fmt.Fprintf(out, "  - Config: %s\n", result.Config)
	fmt.Fprintf(out, "  - QQ: %d\n", result.QQ)
	fmt.Fprintf(out, "  - Gateway: %s (%s)\n", result.Gateway, result.Adapter)
	if result.SessionKey != "" {
		fmt.Fprintf(out, "  - Session key: %s\n", result.SessionKey)
	} else {
		fmt.Fprintf(out, "  - Verify key: %s\n", result.VerifyKey)
	}
	fmt.Fprintf(out, "  - Filters: %d\n", result.Filters)
	if len(result.Warnings) > 0 {
		fmt.Fprintln(out, "\n⚠️  Warnings:")
		for _, warning := range result.Warnings {
			fmt.Fprintf(out, "  - %s\n", warning)
		}
	}
}

func init() {
	validateCmd.Flags().StringVarP(&validateConfigFile, "config", "c", "", "Configuration file path")
	validateCmd.Flags().BoolVar(&validateJSON, "json", false, "Output in JSON format")
}
