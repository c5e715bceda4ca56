package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"portalbridge/internal/core/proxy"
	"portalbridge/internal/model"
)

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func formatRuns(w io.Writer, runs []model.Run) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tSTATUS\tTOTAL\tDONE\tFAILED\tCREATED\tFINISHED")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
			r.ID, r.Kind, r.Status, r.TotalRecords, r.CompletedCount, r.FailedCount,
			formatTime(&r.CreatedAt), formatTime(r.FinishedAt))
	}
	tw.Flush()
}

func formatRun(w io.Writer, r *model.Run) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Run:\t%s\n", r.ID)
	fmt.Fprintf(tw, "Kind:\t%s\n", r.Kind)
	fmt.Fprintf(tw, "Status:\t%s\n", r.Status)
	fmt.Fprintf(tw, "Records:\t%d total, %d completed, %d failed\n", r.TotalRecords, r.CompletedCount, r.FailedCount)
	fmt.Fprintf(tw, "Started:\t%s\n", formatTime(r.StartedAt))
	fmt.Fprintf(tw, "Finished:\t%s\n", formatTime(r.FinishedAt))
	if r.ErrorMessage != "" {
		fmt.Fprintf(tw, "Error:\t%s\n", r.ErrorMessage)
	}
	tw.Flush()
}

func formatSteps(w io.Writer, steps []model.Step) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tTIME\tLABEL\tPAYLOAD")
	for _, s := range steps {
		payload, _ := json.Marshal(s.Payload)
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", s.Ordinal, s.Timestamp.Local().Format("15:04:05"), s.Label, payload)
	}
	tw.Flush()
}

func formatCandidates(w io.Writer, cands []proxy.Candidate) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SERVER\tSOURCE\tSTATUS\tCOUNTRY\tEGRESS\tTARGET\tREASON")
	for _, c := range cands {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%t\t%s\n",
			c.Server, c.Source, c.Status, c.Country, c.EgressIP, c.TargetReachable, c.Reason)
	}
	tw.Flush()
}
