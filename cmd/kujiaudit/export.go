package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/kujibox/draw-engine/internal/model"
)

func newExportCmd() *cobra.Command {
	var (
		server     string
		activityID string
		timeout    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Download an ended activity from a draw-engine server as YAML",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			f, err := fetchExport(ctx, http.DefaultClient, server, activityID)
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(f); err != nil {
				return err
			}
			return enc.Close()
		},
	}
	cmd.Flags().StringVar(&server, "server", "http://localhost:8080", "draw-engine base URL")
	cmd.Flags().StringVar(&activityID, "activity", "", "activity id")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "request timeout")
	cmd.MarkFlagRequired("activity")
	return cmd
}

// drawView mirrors the server's ledger entries.
type drawView struct {
	TicketNumber       int64            `json:"ticket_number"`
	PrizeLevel         string           `json:"prize_level"`
	RecordedProfitRate decimal.Decimal  `json:"recorded_profit_rate"`
	DerivedRandomValue *decimal.Decimal `json:"derived_random_value"`
	CreatedAt          time.Time        `json:"created_at"`
}

func fetchExport(ctx context.Context, client *http.Client, server, activityID string) (*exportFile, error) {
	base := strings.TrimRight(server, "/") + "/api/v1/activities/" + url.PathEscape(activityID)

	var a model.Activity
	if err := getJSON(ctx, client, base, &a); err != nil {
		return nil, err
	}
	if a.Status != model.StatusEnded {
		return nil, fmt.Errorf("activity %s is %s; export is available once it has ended", activityID, a.Status)
	}

	var views []drawView
	if err := getJSON(ctx, client, base+"/draws", &views); err != nil {
		return nil, err
	}

	f := &exportFile{
		Activity: exportActivity{
			ID:             a.ID,
			Name:           a.Name,
			CommitmentHash: a.CommitmentHash,
			Seed:           a.Seed,
			MajorCodes:     a.MajorCodes,
			Levels:         a.Levels,
		},
		Draws: make([]model.DrawRecord, len(views)),
	}
	for i, v := range views {
		rec := model.DrawRecord{
			ActivityID:         a.ID,
			TicketNumber:       v.TicketNumber,
			RecordedProfitRate: v.RecordedProfitRate,
			ResultLevel:        v.PrizeLevel,
			CreatedAt:          v.CreatedAt,
		}
		if v.DerivedRandomValue != nil {
			rec.DerivedRandomValue = *v.DerivedRandomValue
		}
		f.Draws[i] = rec
	}
	return f, nil
}

func getJSON(ctx context.Context, client *http.Client, u string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var body struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&body)
		return fmt.Errorf("GET %s: %s %s", u, resp.Status, body.Error)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
