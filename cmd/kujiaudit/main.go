// Command kujiaudit verifies an exported activity offline: given the levels,
// the published commitment, the revealed seed and the draw ledger it replays
// every ticket and reports which records the seed reproduces.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// errAuditFailed makes the process exit non-zero without printing usage.
var errAuditFailed = errors.New("verification failed")

func main() {
	if err := newRootCmd().Execute(); err != nil {
		if !errors.Is(err, errAuditFailed) {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "kujiaudit",
		Short:         "Offline verifier for provably fair blind-box draws",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newVerifyCmd(), newCommitCmd(), newExportCmd())
	return root
}
