package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"bitbucket.org/mmdatafocus/possync/config"
	"bitbucket.org/mmdatafocus/possync/models"
	"bitbucket.org/mmdatafocus/possync/possync"
	"bitbucket.org/mmdatafocus/possync/workflow"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const connectivityInterval = 15 * time.Second

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pos-terminal",
		Short: "Offline-first POS station with master/slave replication",
		Long: `Runs one POS station against its local store and keeps it in sync with the
sync server. Configuration comes from the environment (.env honoured):
TERMINAL_ID, TERMINAL_DEVICE_TOKEN, TERMINAL_IS_PRIMARY, SYNC_MASTER_URL, STORE_DSN...`,
		SilenceUsage: true,
	}
	cmd.AddCommand(newRunCommand())
	cmd.AddCommand(newRepairCommand())
	cmd.AddCommand(newCheckCommand())
	cmd.AddCommand(newForcePullCommand())
	cmd.AddCommand(newStatusCommand())
	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newSaleCommand())
	cmd.AddCommand(newCashCommand())
	return cmd
}

func withStation(fn func(ctx context.Context, st *station) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		st, err := openStation(ctx)
		if err != nil {
			return err
		}
		defer st.close()
		return fn(ctx, st)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Repair local data, then sync in the background until interrupted",
		RunE: withStation(func(ctx context.Context, st *station) error {
			logger := config.GetLogger()

			report, err := st.heal.Repair(ctx)
			if err != nil {
				// a failed repair must not keep the till closed
				config.LogError(logger, "pos-terminal", "run", "startup repair", st.cfg.TerminalId, err)
			} else if report.Changed() {
				logger.WithFields(logrus.Fields{
					"event":  "selfheal.startup",
					"report": report,
				}).Warn("local data repaired at startup")
			}

			worker := possync.NewWorker(st.cfg.SyncInterval, st.orch.Queues()...)
			worker.Steps = st.orch.Steps()
			st.onWrite(worker.Trigger)
			unsubscribe := worker.Subscribe(func(s possync.WorkerState) {
				logger.WithFields(logrus.Fields{
					"event":     "sync.worker.state",
					"pending":   s.PendingCount,
					"syncing":   s.IsSyncing,
					"has_error": s.HasError,
				}).Debug("worker state")
			})
			defer unsubscribe()

			go watchConnectivity(ctx, st.client, worker)
			logger.WithFields(logrus.Fields{
				"event":       "terminal.started",
				"terminal_id": st.cfg.TerminalId,
				"primary":     st.cfg.IsPrimary(),
				"interval":    st.cfg.SyncInterval.String(),
			}).Info("pos terminal running")
			worker.Run(ctx)
			return nil
		}),
	}
}

// watchConnectivity pings the server and wakes the worker when it comes back.
func watchConnectivity(ctx context.Context, client *possync.Client, worker *possync.Worker) {
	ticker := time.NewTicker(connectivityInterval)
	defer ticker.Stop()
	online := true
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		_, err := client.Ping(ctx)
		now := err == nil
		if now != online {
			worker.NotifyConnectivity(now)
			online = now
		}
	}
}

func newRepairCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "repair",
		Short: "Remove duplicated records and raise counters behind issued numbers",
		RunE: withStation(func(ctx context.Context, st *station) error {
			report, err := st.heal.Repair(ctx)
			if err != nil {
				return err
			}
			return printJSON(report)
		}),
	}
}

func newCheckCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Report sequence gaps and duplicated numbers without changing anything",
		RunE: withStation(func(ctx context.Context, st *station) error {
			report, err := st.heal.CheckIntegrity(ctx)
			if err != nil {
				return err
			}
			if err := printJSON(report); err != nil {
				return err
			}
			if !report.Healthy() {
				return errors.New("integrity check failed")
			}
			return nil
		}),
	}
}

func newForcePullCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "force-pull",
		Short: "Forget sync watermarks and download every replicated collection again",
		RunE: withStation(func(ctx context.Context, st *station) error {
			unsubscribe := st.bus.Subscribe(func(e possync.SyncEvent) {
				if e.Kind != possync.EventProgress || e.Progress == nil {
					return
				}
				p := e.Progress
				switch {
				case !p.Done:
					fmt.Fprintf(os.Stderr, "[%d/%d] %s...\n", p.Step, p.Total, p.Module)
				case p.Error != "":
					fmt.Fprintf(os.Stderr, "[%d/%d] %s failed: %s\n", p.Step, p.Total, p.Module, p.Error)
				}
			})
			defer unsubscribe()

			statuses, err := st.orch.ForcePullAll(ctx)
			if printErr := printJSON(statuses); printErr != nil {
				return printErr
			}
			return err
		}),
	}
}

type statusReport struct {
	TerminalId    string                     `json:"terminalId"`
	Primary       bool                       `json:"primary"`
	Connection    possync.ClientState        `json:"connection"`
	Pending       map[string]int             `json:"pending"`
	Watermarks    []models.SyncWatermark     `json:"watermarks"`
	FiscalBuffers []models.LocalFiscalBuffer `json:"fiscalBuffers"`
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queued records, sync watermarks and server reachability",
		RunE: withStation(func(ctx context.Context, st *station) error {
			pending, err := st.pendingCounts(ctx)
			if err != nil {
				return err
			}
			watermarks, err := models.GetAll[models.SyncWatermark](ctx, st.store, models.CollectionSyncWatermarks)
			if err != nil {
				return err
			}
			buffers, err := st.sequences.FiscalBuffers(ctx)
			if err != nil {
				return err
			}
			_, _ = st.client.Ping(ctx)
			return printJSON(statusReport{
				TerminalId:    st.cfg.TerminalId,
				Primary:       st.cfg.IsPrimary(),
				Connection:    st.client.State(),
				Pending:       pending,
				Watermarks:    watermarks,
				FiscalBuffers: buffers,
			})
		}),
	}
}

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Business configuration shared from the master",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "import <file.json>",
		Short: "Validate and store the business configuration the master publishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			return withStation(func(ctx context.Context, st *station) error {
				if !st.cfg.IsPrimary() {
					return possync.ErrNotPrimary
				}
				cfg, err := st.importConfig(ctx, f)
				if err != nil {
					return err
				}
				return printJSON(cfg)
			})(cmd, args)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the business configuration stored on this terminal",
		RunE: withStation(func(ctx context.Context, st *station) error {
			cfg, err := possync.LoadLocalConfig(ctx, st.store)
			if err != nil {
				return err
			}
			if cfg == nil {
				return errors.New("no business configuration stored yet")
			}
			return printJSON(cfg)
		}),
	})
	return cmd
}

func newSaleCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sale <cart.json>",
		Short: "Ring up a sale or refund from a cart file (\"-\" reads stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := os.Stdin
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			return withStation(func(ctx context.Context, st *station) error {
				tx, err := st.sale(ctx, in)
				if err != nil {
					return err
				}
				return printJSON(tx)
			})(cmd, args)
		},
	}
}

func newCashCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cash",
		Short: "Cash drawer movements and shift close",
	}
	for _, t := range []models.CashMovementType{models.CashMovementOpening, models.CashMovementIn, models.CashMovementOut} {
		cmd.AddCommand(newCashMovementCommand(t))
	}

	var counted string
	closeCmd := &cobra.Command{
		Use:   "close",
		Short: "Close the shift and print its Z report",
		RunE: withStation(func(ctx context.Context, st *station) error {
			amount, err := decimal.NewFromString(counted)
			if err != nil {
				return fmt.Errorf("--counted: %w", err)
			}
			z, err := st.drawer.CloseShift(ctx, amount)
			if err != nil {
				return err
			}
			return printJSON(z)
		}),
	}
	closeCmd.Flags().StringVar(&counted, "counted", "0", "cash counted in the drawer")
	cmd.AddCommand(closeCmd)
	return cmd
}

func newCashMovementCommand(t models.CashMovementType) *cobra.Command {
	var amount, reason, user string
	c := &cobra.Command{
		Use:   strings.ToLower(string(t)),
		Short: "Record a cash " + strings.ToLower(string(t)) + " movement",
		RunE: withStation(func(ctx context.Context, st *station) error {
			value, err := decimal.NewFromString(amount)
			if err != nil {
				return fmt.Errorf("--amount: %w", err)
			}
			m, err := st.drawer.RecordCashMovement(ctx, workflow.CashMovementInput{
				Type:   t,
				Amount: value,
				Reason: reason,
				UserId: user,
			})
			if err != nil {
				return err
			}
			return printJSON(m)
		}),
	}
	c.Flags().StringVar(&amount, "amount", "", "amount of cash")
	c.Flags().StringVar(&reason, "reason", "", "why the cash moved")
	c.Flags().StringVar(&user, "user", "", "cashier id")
	_ = c.MarkFlagRequired("amount")
	return c
}
