package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kujibox/draw-engine/internal/draw"
	"github.com/kujibox/draw-engine/internal/fairness"
	"github.com/kujibox/draw-engine/internal/model"
)

func newVerifyCmd() *cobra.Command {
	var (
		file    string
		seedHex string
		asJSON  bool
	)
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Replay an exported activity and compare every draw",
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := readExport(file)
			if err != nil {
				return err
			}
			if seedHex == "" {
				seedHex = f.Activity.Seed
			}
			if seedHex == "" {
				return errors.New("no seed: the export carries none and --seed was not given")
			}
			seed, err := fairness.ParseSeed(seedHex)
			if err != nil {
				return err
			}

			report := draw.Verify(f.Activity.toModel(), seed, f.Draws)

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(report); err != nil {
					return err
				}
			} else {
				printReport(out, report)
			}
			if !report.Passed {
				return errAuditFailed
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "exported activity (YAML or JSON)")
	cmd.Flags().StringVar(&seedHex, "seed", "", "seed to verify instead of the exported one (64 hex)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	cmd.MarkFlagRequired("file")
	return cmd
}

func printReport(w io.Writer, r model.VerificationReport) {
	fmt.Fprintf(w, "activity:       %s\n", r.ActivityID)
	fmt.Fprintf(w, "replay version: %d\n", r.ReplayVersion)
	fmt.Fprintf(w, "commitment:     %s\n", verdict(r.HashMatch))
	fmt.Fprintf(w, "ticket order:   %s\n\n", verdict(r.SequenceValid))

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TICKET\tEXPECTED\tRECORDED\tRESULT")
	for _, c := range r.PerDraw {
		expected := c.Expected
		if expected == "" {
			expected = "-"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", c.TicketNumber, expected, c.Actual, verdict(c.Match))
	}
	tw.Flush()

	fmt.Fprintf(w, "\n%d/%d draws verified: %s\n", r.PassCount, r.TotalCount, verdict(r.Passed))
}

func verdict(ok bool) string {
	if ok {
		return "ok"
	}
	return "FAIL"
}
