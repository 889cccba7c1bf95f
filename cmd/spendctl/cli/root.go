// Package cli implements the spendctl operator commands.
package cli

import (
	"os"

	"github.com/spf13/cobra"
)

const defaultRedisAddr = "127.0.0.1:6379"

// NewRootCommand assembles spendctl. open connects the job commands to
// the queue.
func NewRootCommand(open BackendFactory) *cobra.Command {
	var redisAddr string
	root := &cobra.Command{
		Use:          "spendctl",
		Short:        "Operator tooling for the spend approval service",
		SilenceUsage: true,
	}
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = defaultRedisAddr
	}
	root.PersistentFlags().StringVar(&redisAddr, "redis", addr, "Redis address of the task queue")

	root.AddCommand(newPeriodCommand())
	root.AddCommand(newJobsCommand(open, &redisAddr))
	return root
}
