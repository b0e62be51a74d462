package main

import (
	"fmt"
	"time"

	"gridxfer/pkg/auth"

	"github.com/spf13/cobra"
)

func certsCmd() *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "certs",
		Short: "Manage TLS certificates for storage element connections",
	}
	cmd.PersistentFlags().StringVar(&dir, "dir", "./certs", "directory holding the CA and issued certificates")

	var caValidity time.Duration
	initCmd := &cobra.Command{
		Use:   "init <name>",
		Short: "Create a certificate authority",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cm, err := auth.NewCertManager(dir)
			if err != nil {
				return err
			}
			if cm.HasCA() {
				return fmt.Errorf("a CA already exists in %s", dir)
			}
			if err := cm.GenerateCA(args[0], caValidity); err != nil {
				return err
			}
			fmt.Println(field("CA", valueStyle.Render(cm.CAPath())))
			return nil
		},
	}
	initCmd.Flags().DurationVar(&caValidity, "validity", 5*365*24*time.Hour, "CA certificate lifetime")

	var (
		addresses []string
		validity  time.Duration
	)
	issueCmd := &cobra.Command{
		Use:   "issue <name>",
		Short: "Issue a certificate for a storage element or client",
		Long: `Issue a certificate signed by the CA. The name becomes the certificate's
common name, which element servers match against tls.allowed_names.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cm, err := auth.NewCertManager(dir)
			if err != nil {
				return err
			}
			certPath, keyPath, err := cm.Issue(args[0], addresses, validity)
			if err != nil {
				return fmt.Errorf("failed to issue certificate: %w", err)
			}
			fmt.Println(field("Certificate", valueStyle.Render(certPath)))
			fmt.Println(field("Key", valueStyle.Render(keyPath)))
			return nil
		},
	}
	issueCmd.Flags().StringSliceVar(&addresses, "address", nil, "IP addresses or host names the certificate is valid for")
	issueCmd.Flags().DurationVar(&validity, "validity", 365*24*time.Hour, "certificate lifetime")

	cmd.AddCommand(initCmd, issueCmd)
	return cmd
}
