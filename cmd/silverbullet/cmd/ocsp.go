package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jmcleod/silverbullet/internal/util"
)

var (
	ocspSerial string
	ocspOut    string
)

var ocspCmd = &cobra.Command{
	Use:   "ocsp",
	Short: "Regenerate and store the OCSP response of a certificate",
	RunE: func(cmd *cobra.Command, args []string) error {
		serial, err := util.ParseSerial(ocspSerial)
		if err != nil {
			return err
		}
		return withApp(cmd.Context(), func(a *app) error {
			st, err := a.engine.TriggerNewStatement(cmd.Context(), serial)
			if err != nil {
				return err
			}
			if ocspOut != "" {
				if err := os.WriteFile(ocspOut, st.DER, 0o644); err != nil {
					return fmt.Errorf("writing OCSP response: %w", err)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s\n",
				util.SerialHex(serial), st.Status, st.ProducedAt.Format("2006-01-02T15:04:05Z07:00"))
			return nil
		})
	},
}

var revokeCmd = &cobra.Command{
	Use:   "revoke SERIAL",
	Short: "Revoke a certificate and regenerate its OCSP response",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		serial, err := util.ParseSerial(args[0])
		if err != nil {
			return err
		}
		return withApp(cmd.Context(), func(a *app) error {
			st, err := a.mgr.RevokeCertificate(cmd.Context(), serial)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", util.SerialHex(serial), st.Status)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(ocspCmd, revokeCmd)
	ocspCmd.Flags().StringVar(&ocspSerial, "serial", "", "Certificate serial in hex")
	ocspCmd.Flags().StringVarP(&ocspOut, "out", "o", "", "Also write the DER response to this file")
	ocspCmd.MarkFlagRequired("serial")
}
