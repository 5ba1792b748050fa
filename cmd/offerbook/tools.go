package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xtrntr/offerbook/internal/errs"
	"github.com/xtrntr/offerbook/internal/models"
	"github.com/xtrntr/offerbook/internal/sweeper"
)

func init() {
	rootCmd.AddCommand(sweepCmd, bookCmd, seedCmd)
	sweepCmd.Flags().Duration("grace", 0, "only expire offers that expired at least this long ago")
	bookCmd.Flags().Int("depth", 0, "offers per side to aggregate (default from config)")
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Expire every open offer past its expiry once and exit",
	RunE: func(cmd *cobra.Command, _ []string) error {
		grace, err := cmd.Flags().GetDuration("grace")
		if err != nil {
			return err
		}
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		sw := sweeper.New(a.cfg.Sweeper, a.conn.Offers, a.metrics, a.log)
		n, err := sw.RunOnce(cmd.Context(), time.Now().UTC().Add(-grace))
		fmt.Fprintf(cmd.OutOrStdout(), "expired %d offers\n", n)
		return err
	},
}

var bookCmd = &cobra.Command{
	Use:   "book SYMBOL",
	Short: "Print the aggregated order book of a symbol as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		depth, err := cmd.Flags().GetInt("depth")
		if err != nil {
			return err
		}
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		book, err := a.engine.BuildOrderBook(cmd.Context(), args[0], depth)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(book)
	},
}

// Seed the store with user projections from a JSON file
var seedCmd = &cobra.Command{
	Use:   "seed FILE",
	Short: "Load users, accounts and permissions from a JSON file into the store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := os.ReadFile(args[0])
		if err != nil {
			return errs.Wrap(errs.Configuration, err, "read seed file")
		}
		var p models.Projections
		if err := json.Unmarshal(raw, &p); err != nil {
			return errs.Wrap(errs.Validation, err, "decode seed file")
		}

		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.conn.LoadProjections(cmd.Context(), p); err != nil {
			return err
		}
		a.log.Info("seeded projections",
			zap.Int("users", len(p.Users)),
			zap.Int("accounts", len(p.Accounts)),
			zap.Int("permissions", len(p.Permissions)))
		fmt.Fprintf(cmd.OutOrStdout(), "seeded %d users, %d accounts, %d permissions\n",
			len(p.Users), len(p.Accounts), len(p.Permissions))
		return nil
	},
}
