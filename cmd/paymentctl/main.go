// Command paymentctl runs operational tasks against the payment database and
// helps exercise gateway webhooks in sandboxes.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "paymentctl",
		Short:         "Operate the payment core",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newMigrateCmd(), newExpireCmd(), newResolveRefundCmd(), newSignWebhookCmd(), newHashKeyCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "paymentctl:", err)
		os.Exit(1)
	}
}
