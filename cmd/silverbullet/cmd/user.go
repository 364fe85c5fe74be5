package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/silverbullet/internal/util"
)

var (
	userProfile    string
	userExpiryDays int
	userActiveOnly bool
	inviteQuantity int
)

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage user accounts",
}

var userAddCmd = &cobra.Command{
	Use:   "add USERNAME",
	Short: "Create a user account in a profile",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			expiry := time.Now().AddDate(0, 0, userExpiryDays)
			u, err := a.mgr.AddUser(cmd.Context(), userProfile, args[0], expiry)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), u.ID)
			return nil
		})
	},
}

var userListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the users of a profile",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			list := a.mgr.ListUsers
			if userActiveOnly {
				list = a.mgr.ListActiveUsers
			}
			users, err := list(cmd.Context(), userProfile)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tUSERNAME\tEXPIRY")
			for _, u := range users {
				fmt.Fprintf(w, "%s\t%s\t%s\n", u.ID, u.Username, u.Expiry.Format(time.DateOnly))
			}
			return w.Flush()
		})
	},
}

var userCertsCmd = &cobra.Command{
	Use:   "certificates USER_ID",
	Short: "List the certificates issued to a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			certs, err := a.mgr.ListCertificates(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SERIAL\tCN\tDEVICE\tEXPIRY\tSTATUS")
			for _, c := range certs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", util.SerialHex(c.SerialNumber), c.CommonName,
					c.Device, c.Expiry.Format(time.DateOnly), c.RevocationStatus)
			}
			return w.Flush()
		})
	},
}

var inviteCmd = &cobra.Command{
	Use:   "invite USER_ID",
	Short: "Create an invitation token for a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			inv, err := a.mgr.CreateInvitation(cmd.Context(), args[0], inviteQuantity)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (valid for %d enrollments until %s)\n",
				inv.Token, inv.Quantity, inv.Expiry.Format(time.RFC3339))
			return nil
		})
	},
}

var deactivateCmd = &cobra.Command{
	Use:   "deactivate USER_ID",
	Short: "Expire a user's invitations, revoke their certificates and expire the account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			res, err := a.mgr.DeactivateUser(cmd.Context(), args[0])
			if res != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "expired %d invitations, revoked %d certificates\n",
					len(res.ExpiredInvitations), len(res.RevokedSerials))
			}
			return err
		})
	},
}

func init() {
	rootCmd.AddCommand(userCmd, inviteCmd, deactivateCmd)
	userCmd.AddCommand(userAddCmd, userListCmd, userCertsCmd)

	userCmd.PersistentFlags().StringVarP(&userProfile, "profile", "p", "", "Profile ID")
	userAddCmd.Flags().IntVar(&userExpiryDays, "expiry-days", 365, "Days until the account expires")
	userListCmd.Flags().BoolVar(&userActiveOnly, "active", false, "Only list active users")
	inviteCmd.Flags().IntVarP(&inviteQuantity, "quantity", "n", 0, "Number of enrollments (0 uses the profile device limit)")
}
