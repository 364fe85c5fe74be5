package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/jmcleod/silverbullet/pki"
)

var (
	initCADir      string
	initRootName   string
	initIssuerName string
	initCAYears    int
)

var initCACmd = &cobra.Command{
	Use:   "init-ca",
	Short: "Create a root and issuing CA for client certificates",
	Long: `Creates a self-signed root CA and an issuing CA below it. The issuing key
is generated on the configured PKCS#11 token when one is set, otherwise it
is written next to the certificates. Existing files are never overwritten.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		dir := initCADir
		if dir == "" {
			dir = filepath.Dir(cfg.CA.IssuingCert)
		}
		keys, hsm, err := issuingKeyStore(cfg.CA)
		if err != nil {
			return err
		}
		if hsm != nil {
			defer hsm.Close()
		}

		files, err := pki.InitCA(dir, pki.InitRequest{
			Consortium:    cfg.CA.Consortium,
			RootName:      initRootName,
			IssuingName:   initIssuerName,
			ValidityYears: initCAYears,
		}, keys)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "root certificate:    %s\n", files.RootCert)
		fmt.Fprintf(out, "issuing certificate: %s\n", files.IssuingCert)
		fmt.Fprintf(out, "issuing key:         %s\n", files.IssuingKey)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCACmd)
	initCACmd.Flags().StringVar(&initCADir, "dir", "", "Output directory (defaults to the directory of ca.issuing_cert)")
	initCACmd.Flags().StringVar(&initRootName, "root-name", "", "Root CA common name")
	initCACmd.Flags().StringVar(&initIssuerName, "issuing-name", "", "Issuing CA common name")
	initCACmd.Flags().IntVar(&initCAYears, "years", 10, "Root CA validity in years")
}
