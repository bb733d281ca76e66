package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kujibox/draw-engine/internal/fairness"
)

func newCommitCmd() *cobra.Command {
	var seedHex string
	cmd := &cobra.Command{
		Use:   "commit",
		Short: "Print the commitment hash of a seed",
		RunE: func(cmd *cobra.Command, _ []string) error {
			seed, err := fairness.ParseSeed(seedHex)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), fairness.CommitmentFor(seed))
			return nil
		},
	}
	cmd.Flags().StringVar(&seedHex, "seed", "", "seed (64 hex)")
	cmd.MarkFlagRequired("seed")
	return cmd
}
