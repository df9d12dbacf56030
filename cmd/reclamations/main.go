package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/25x8/reclamations/internal/reclamations/config"
	"github.com/25x8/reclamations/internal/reclamations/loyalty"
	"github.com/25x8/reclamations/internal/reclamations/server"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()

	root := &cobra.Command{
		Use:          "reclamations",
		Short:        "Reclamation triage service and loyalty ledger",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(v)
		},
	}
	config.BindFlags(root.PersistentFlags(), v)

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP API and the triage worker",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return serve(v)
			},
		},
		newReprocessCmd(v),
		newBalanceCmd(v),
		newRewardsCmd(v),
	)
	return root
}

func serve(v *viper.Viper) error {
	cfg, err := config.Load(v)
	if err != nil {
		return err
	}

	app, err := server.NewApp(context.Background(), cfg)
	if err != nil {
		return err
	}

	srv := server.NewServer(cfg, app)
	go func() {
		if err := srv.Run(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Wait for termination signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	log.Println("Server stopped")
	return nil
}

func newReprocessCmd(v *viper.Viper) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "reprocess <reclamation-id>",
		Short: "Run the analysis pipeline for one reclamation synchronously",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			app, err := server.NewApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer app.Close()

			if err := app.Validator.RunPipeline(ctx, args[0], force); err != nil {
				return err
			}
			rec, err := app.Repo.GetReclamation(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(rec)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "re-run even when the reclamation was already processed")
	return cmd
}

func newBalanceCmd(v *viper.Viper) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "balance <user-id>",
		Short: "Show a claimant's loyalty balance and recent history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ledger, closeStore, userID, err := openLedger(v, args[0])
			if err != nil {
				return err
			}
			defer closeStore()

			balance, err := ledger.GetPointsBalance(cmd.Context(), userID)
			if err != nil {
				return err
			}
			if balance == nil {
				return fmt.Errorf("no loyalty account for user %d", userID)
			}
			if asJSON {
				return printJSON(balance)
			}

			t := table.NewWriter()
			t.SetOutputMirror(os.Stdout)
			t.AppendHeader(table.Row{"Points", "Valid", "Invalid", "Reliability"})
			t.AppendRow(table.Row{balance.LoyaltyPoints, balance.ValidReclamations, balance.InvalidReclamations, balance.ReliabilityScore})
			t.Render()

			if len(balance.History) > 0 {
				h := table.NewWriter()
				h.SetOutputMirror(os.Stdout)
				h.AppendHeader(table.Row{"Date", "Reclamation", "Points", "Reason"})
				for _, e := range balance.History {
					h.AppendRow(table.Row{e.Date.Format(time.RFC3339), e.ReclamationID, e.Points, e.Reason})
				}
				h.Render()
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print raw JSON")
	return cmd
}

func newRewardsCmd(v *viper.Viper) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "rewards <user-id>",
		Short: "List the rewards a claimant can afford",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ledger, closeStore, userID, err := openLedger(v, args[0])
			if err != nil {
				return err
			}
			defer closeStore()

			rewards, err := ledger.CheckAvailableRewards(cmd.Context(), userID)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(rewards)
			}

			t := table.NewWriter()
			t.SetOutputMirror(os.Stdout)
			t.AppendHeader(table.Row{"Reward", "Cost"})
			for _, r := range rewards {
				t.AppendRow(table.Row{r.Name, r.PointsCost})
			}
			t.Render()
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print raw JSON")
	return cmd
}

// openLedger opens only the store, so ledger commands work without inference backends
func openLedger(v *viper.Viper, rawID string) (*loyalty.Ledger, func(), int64, error) {
	userID, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("invalid user id %q", rawID)
	}
	cfg, err := config.Load(v)
	if err != nil {
		return nil, nil, 0, err
	}
	_, rules, err := cfg.Tuning()
	if err != nil {
		return nil, nil, 0, err
	}
	repo, err := server.OpenStore(cfg)
	if err != nil {
		return nil, nil, 0, err
	}
	closeStore := func() {
		if err := repo.Close(); err != nil {
			log.Printf("Error closing store: %v", err)
		}
	}
	return loyalty.NewLedger(repo, rules), closeStore, userID, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
