package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/careerkit/tokens/internal/daemon"
	"github.com/careerkit/tokens/internal/domain"
)

var errInsufficient = errors.New("not enough tokens")

func writeJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ─── balance ────────────────────────────────────────────────────────────────

func newBalanceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "balance ACCOUNT",
		Short: "Show an account's balance",
		Long:  `Show an account's balance. A new account is initialized with its signup bonus.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := openDaemon(cmd)
			if err != nil {
				return err
			}
			defer d.Close()

			b, err := d.Ledger().Balance(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
				return writeJSON(cmd, domain.Account{ID: args[0], Balance: b})
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s: %d tokens\n", args[0], b)
			return err
		},
	}
	cmd.Flags().Bool("json", false, "Output JSON")
	return cmd
}

// ─── use ────────────────────────────────────────────────────────────────────

func newUseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "use ACCOUNT FEATURE",
		Short: "Charge one use of a feature",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := openDaemon(cmd)
			if err != nil {
				return err
			}
			defer d.Close()

			feature := domain.FeatureID(args[1])
			cost, err := d.Gate().CostOf(feature)
			if err != nil {
				return err
			}
			res, err := d.Gate().Authorize(cmd.Context(), args[0], feature)
			if err != nil {
				return err
			}
			if !res.Granted {
				fmt.Fprintf(cmd.OutOrStdout(), "Not enough tokens. Please purchase more. (balance %d, %s costs %d)\n",
					res.Remaining, feature, cost)
				return errInsufficient
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Used %d token(s) for %s. Remaining: %d\n", cost, feature, res.Remaining)
			return err
		},
	}
}

// ─── credit ─────────────────────────────────────────────────────────────────

var creditReasons = map[string]domain.Reason{
	string(domain.ReasonPurchase):     domain.ReasonPurchase,
	string(domain.ReasonAdReward):     domain.ReasonAdReward,
	string(domain.ReasonReferral):     domain.ReasonReferral,
	string(domain.ReasonSubscription): domain.ReasonSubscription,
}

func newCreditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credit ACCOUNT AMOUNT",
		Short: "Add tokens to an account",
		Long: `Add tokens to an account. With --key the credit is applied at most once:
repeating the command with the same key leaves the balance unchanged.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("amount %q: %w", args[1], domain.ErrInvalidAmount)
			}
			reasonFlag, _ := cmd.Flags().GetString("reason")
			reason, ok := creditReasons[reasonFlag]
			if !ok {
				return fmt.Errorf("unknown reason %q", reasonFlag)
			}
			key, _ := cmd.Flags().GetString("key")

			d, err := openDaemon(cmd)
			if err != nil {
				return err
			}
			defer d.Close()

			b, err := d.Ledger().Credit(cmd.Context(), args[0], amount, reason, key)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s: %d tokens\n", args[0], b)
			return err
		},
	}
	cmd.Flags().String("reason", string(domain.ReasonPurchase), "purchase, ad-reward, referral-reward or subscription-grant")
	cmd.Flags().String("key", "", "Idempotency key")
	return cmd
}

// ─── history ────────────────────────────────────────────────────────────────

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history ACCOUNT",
		Short: "List an account's ledger entries, most recent first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")

			d, err := openDaemon(cmd)
			if err != nil {
				return err
			}
			defer d.Close()

			entries, err := d.Ledger().History(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
				return writeJSON(cmd, entries)
			}
			if len(entries) == 0 {
				_, err = fmt.Fprintln(cmd.OutOrStdout(), "No ledger entries.")
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tDELTA\tBALANCE\tREASON")
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%+d\t%d\t%s\n",
					e.Timestamp.Local().Format(time.DateTime), e.Delta, e.ResultingBalance, e.Reason)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntP("limit", "n", 20, "Maximum entries to show (0 = all)")
	cmd.Flags().Bool("json", false, "Output JSON")
	return cmd
}

// ─── verify ─────────────────────────────────────────────────────────────────

func newVerifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify ACCOUNT",
		Short: "Check the stored balance against the ledger",
		Long: `Replay the account's ledger and compare it with the stored balance.
With --repair a drifted balance is reset to the ledger's last balance.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := openDaemon(cmd)
			if err != nil {
				return err
			}
			defer d.Close()

			repair, _ := cmd.Flags().GetBool("repair")
			var v domain.Verification
			if repair {
				v, err = d.Ledger().Repair(cmd.Context(), args[0])
			} else {
				v, err = d.Ledger().Verify(cmd.Context(), args[0])
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Account:  %s\n", v.AccountID)
			fmt.Fprintf(out, "Stored:   %d\n", v.StoredBalance)
			fmt.Fprintf(out, "Ledger:   %d (%d entries)\n", v.LogBalance, v.Entries)
			if v.BrokenAt >= 0 {
				fmt.Fprintf(out, "Chain broken at entry %d\n", v.BrokenAt)
			}
			if !v.OK {
				fmt.Fprintln(out, "Status:   MISMATCH")
				return fmt.Errorf("ledger mismatch for %s", v.AccountID)
			}
			_, err = fmt.Fprintln(out, "Status:   OK")
			return err
		},
	}
	cmd.Flags().Bool("repair", false, "Reset a drifted balance to the ledger's value")
	return cmd
}

// ─── features ───────────────────────────────────────────────────────────────

func newFeaturesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "features",
		Short: "List features and their token cost",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			// The cost table needs no store.
			cfg.Storage.Backend = daemon.BackendMemory
			d, err := newDaemon(cmd, cfg)
			if err != nil {
				return err
			}
			defer d.Close()

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "FEATURE\tCOST")
			for _, fc := range d.Gate().Costs() {
				fmt.Fprintf(tw, "%s\t%d\n", fc.Feature, fc.Cost)
			}
			return tw.Flush()
		},
	}
}
