package cli

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"

	"github.com/odyssey-erp/odyssey-spend/jobs"
)

// Backend is the queue surface the job commands drive.
type Backend interface {
	SchedulePurchaseOrder(ctx context.Context, orderID int64) error
	EnqueueRefreshSpend(ctx context.Context, budgetID int64) error
	EnqueueCloseExpired(ctx context.Context) error
	Stats() ([]jobs.QueueStats, error)
	Close() error
}

// BackendFactory opens a Backend for a Redis address.
type BackendFactory func(redisAddr string) (Backend, error)

type redisBackend struct {
	*jobs.Client
	inspector *asynq.Inspector
}

// RedisBackend connects to the asynq queue at redisAddr.
func RedisBackend(redisAddr string) (Backend, error) {
	opts := asynq.RedisClientOpt{Addr: redisAddr}
	return &redisBackend{
		Client:    jobs.NewClient(opts, nil),
		inspector: asynq.NewInspector(opts),
	}, nil
}

func (b *redisBackend) Stats() ([]jobs.QueueStats, error) {
	return jobs.Stats(b.inspector)
}

func (b *redisBackend) Close() error {
	return errors.Join(b.Client.Close(), b.inspector.Close())
}

func newJobsCommand(open BackendFactory, redisAddr *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Trigger and inspect background jobs",
	}

	withBackend := func(fn func(cmd *cobra.Command, b Backend, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) (err error) {
			b, err := open(*redisAddr)
			if err != nil {
				return err
			}
			defer func() { err = errors.Join(err, b.Close()) }()
			return fn(cmd, b, args)
		}
	}

	trigger := &cobra.Command{
		Use:   "trigger",
		Short: "Enqueue a job",
	}
	trigger.AddCommand(&cobra.Command{
		Use:   "purchase-order ORDER_ID",
		Short: "Create the purchase order of an approved order",
		Args:  cobra.ExactArgs(1),
		RunE: withBackend(func(cmd *cobra.Command, b Backend, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			if err := b.SchedulePurchaseOrder(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "enqueued %s for order %d\n", jobs.TaskPurchaseOrderCreate, id)
			return nil
		}),
	})
	trigger.AddCommand(&cobra.Command{
		Use:   "refresh-spend [BUDGET_ID]",
		Short: "Rewrite cached spend of one budget, or of every active budget",
		Args:  cobra.MaximumNArgs(1),
		RunE: withBackend(func(cmd *cobra.Command, b Backend, args []string) error {
			var id int64
			if len(args) == 1 {
				var err error
				if id, err = parseID(args[0]); err != nil {
					return err
				}
			}
			if err := b.EnqueueRefreshSpend(cmd.Context(), id); err != nil {
				return err
			}
			if id == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "enqueued %s for all active budgets\n", jobs.TaskBudgetRefreshSpend)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "enqueued %s for budget %d\n", jobs.TaskBudgetRefreshSpend, id)
			return nil
		}),
	})
	trigger.AddCommand(&cobra.Command{
		Use:   "close-expired",
		Short: "Complete active budgets whose period has ended",
		Args:  cobra.NoArgs,
		RunE: withBackend(func(cmd *cobra.Command, b Backend, _ []string) error {
			if err := b.EnqueueCloseExpired(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "enqueued %s\n", jobs.TaskBudgetCloseExpired)
			return nil
		}),
	})

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Show queue sizes",
		Args:  cobra.NoArgs,
		RunE: withBackend(func(cmd *cobra.Command, b Backend, _ []string) error {
			list, err := b.Stats()
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "QUEUE\tPENDING\tACTIVE\tSCHEDULED\tRETRY\tARCHIVED")
			for _, s := range list {
				fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\n", s.Queue, s.Pending, s.Active, s.Scheduled, s.Retry, s.Archived)
			}
			return tw.Flush()
		}),
	}

	cmd.AddCommand(trigger, stats)
	return cmd
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", raw)
	}
	return id, nil
}
