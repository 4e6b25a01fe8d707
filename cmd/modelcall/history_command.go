package main

import (
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"modelcall/internal/ledger"
)

func newHistoryCommand(ctx *commandContext) *cobra.Command {
	var limit int
	var statuses []string

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent runs from the run ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			filter, err := parseStatuses(statuses)
			if err != nil {
				return err
			}
			store, err := openLedger(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			runs, err := store.List(cmd.Context(), limit, filter...)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(runs) == 0 {
				fmt.Fprintln(out, "No runs recorded")
				return nil
			}
			fmt.Fprintln(out, renderHistory(out, runs, time.Now()))
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of runs to show (0 = all)")
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "Only show runs with these statuses (running, completed, interrupted, failed)")
	return cmd
}

func parseStatuses(values []string) ([]ledger.Status, error) {
	statuses := make([]ledger.Status, 0, len(values))
	for _, value := range values {
		status := ledger.Status(strings.ToLower(strings.TrimSpace(value)))
		switch status {
		case ledger.StatusRunning, ledger.StatusCompleted, ledger.StatusInterrupted, ledger.StatusFailed:
			statuses = append(statuses, status)
		default:
			return nil, fmt.Errorf("unknown status %q", value)
		}
	}
	return statuses, nil
}

func renderHistory(out io.Writer, runs []*ledger.Run, now time.Time) string {
	headers := []string{"Run", "Started", "Status", "Mode", "Input", "Output", "Succeeded", "Failed", "Duration"}
	rows := make([][]string, 0, len(runs))
	for _, run := range runs {
		id := run.ID
		if len(id) > 8 {
			id = id[:8]
		}
		rows = append(rows, []string{
			id,
			run.StartedAt.Local().Format("2006-01-02 15:04:05"),
			string(run.Status),
			string(run.Mode),
			filepath.Base(run.InputPath),
			run.OutputLocation,
			strconv.Itoa(run.Succeeded),
			strconv.Itoa(run.Failed),
			formatDuration(run.Duration(now)),
		})
	}
	aligns := []columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignRight}
	return renderTable(out, headers, rows, aligns)
}
