package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"
)

func newTokenCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Store a GitHub token in the config file",
		Long:  "Prompts for a GitHub token without echoing it and writes it to catalog.github_token. The token is used to resolve repository metadata at registration.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToken(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "quarry.yaml", "path to Quarry config file")
	return cmd
}

func runToken(cmd *cobra.Command, configPath string) error {
	fmt.Fprint(cmd.OutOrStdout(), "GitHub token: ")
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(cmd.OutOrStdout())
	if err != nil {
		return fmt.Errorf("read token: %w", err)
	}
	token := strings.TrimSpace(string(raw))
	if token == "" {
		return fmt.Errorf("token is empty")
	}

	// Rewrite the config file, preserving any keys we don't own.
	doc := map[string]any{}
	if data, err := os.ReadFile(configPath); err == nil {
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("parse %s: %w", configPath, err)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("read %s: %w", configPath, err)
	}

	cat, _ := doc["catalog"].(map[string]any)
	if cat == nil {
		cat = map[string]any{}
	}
	cat["github_token"] = token
	doc["catalog"] = cat

	out, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(configPath, out, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", configPath, err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Token saved to %s\n", configPath)
	return nil
}
