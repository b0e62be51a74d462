package main

import (
	"fmt"
	"os"

	"gridxfer/pkg/config"
	"gridxfer/pkg/types"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the effective configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the configuration after defaults and environment overrides",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return writeConfig(cfg)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Check the client and element sections",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			fmt.Println(codeStyle(types.CodeOK).Render("client configuration is valid"))

			if cfg.Element.Name == "" {
				fmt.Println(mutedStyle.Render("no element section"))
				return nil
			}
			if err := cfg.ValidateElement(); err != nil {
				return fmt.Errorf("invalid element configuration: %w", err)
			}
			fmt.Println(codeStyle(types.CodeOK).Render("element configuration is valid"))
			return nil
		},
	})

	return cmd
}

// writeConfig prints cfg as YAML with the ticket secret masked.
func writeConfig(cfg *config.Config) error {
	shown := *cfg
	if shown.Catalogue.TicketSecret != "" {
		shown.Catalogue.TicketSecret = "********"
	}

	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	if err := enc.Encode(&shown); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return enc.Close()
}
