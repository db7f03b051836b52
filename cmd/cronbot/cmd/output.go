package cmd

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"cronbot/internal/app"
	"cronbot/internal/jobs"
)

const timeLayout = "2006-01-02 15:04 MST"

func statusText(s jobs.Status) string { return strings.ToUpper(string(s)) }

func fmtTime(t *time.Time, loc *time.Location) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.In(loc).Format(timeLayout)
}

func printJobTable(w io.Writer, list []jobs.Job, loc *time.Location) {
	if len(list) == 0 {
		fmt.Fprintln(w, "No jobs.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tKIND\tSTATUS\tCRON\tLAST RUN")
	for _, j := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			j.ID, j.Name, j.Kind, statusText(j.Status), j.Schedule, fmtTime(j.LastRun, loc))
	}
	_ = tw.Flush()
}

func printJob(cmd *cobra.Command, v app.JobView, loc *time.Location) {
	w := cmd.OutOrStdout()
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "ID:\t%s\n", v.ID)
	fmt.Fprintf(tw, "Name:\t%s\n", v.Name)
	if v.Description != "" {
		fmt.Fprintf(tw, "Description:\t%s\n", v.Description)
	}
	fmt.Fprintf(tw, "Kind:\t%s\n", v.Kind)
	fmt.Fprintf(tw, "Status:\t%s\n", statusText(v.Status))
	fmt.Fprintf(tw, "Cron:\t%s (UTC)\n", v.Schedule)
	fmt.Fprintf(tw, "Submitted by:\t%s %s\n", v.SubmitterKind, v.SubmittedBy)
	if v.ApprovedBy != "" {
		fmt.Fprintf(tw, "Approved by:\t%s\n", v.ApprovedBy)
	}
	fmt.Fprintf(tw, "Limits:\ttimeout=%ds memory=%dMB lines=%d bytes=%d network=%t\n",
		v.Limits.TimeoutSeconds, v.Limits.MaxMemoryMB, v.Limits.MaxOutputLines,
		v.Limits.MaxOutputBytes, v.Limits.AllowNetwork)
	fmt.Fprintf(tw, "Last run:\t%s\n", fmtTime(v.LastRun, loc))
	if v.ErrorMessage != "" {
		fmt.Fprintf(tw, "Error:\t%s\n", v.ErrorMessage)
	}
	for i, n := range v.Next {
		label := ""
		if i == 0 {
			label = "Next runs:"
		}
		fmt.Fprintf(tw, "%s\t%s\n", label, n.In(loc).Format(timeLayout))
	}
	_ = tw.Flush()

	fmt.Fprintln(w, "\nCode:")
	for _, line := range strings.Split(strings.TrimRight(v.Code, "\n"), "\n") {
		fmt.Fprintln(w, "  "+line)
	}

	if len(v.Audit) > 0 {
		fmt.Fprintln(w, "\nAudit:")
		tw = tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		for _, a := range v.Audit {
			fmt.Fprintf(tw, "  %s\t%s\t%s:%s\t%s\t%s\n",
				a.At.In(loc).Format(timeLayout), a.Action, a.ActorKind, a.Actor,
				transition(a.From, a.To), a.Detail)
		}
		_ = tw.Flush()
	}
}

func transition(from, to string) string {
	switch {
	case from == "" && to == "":
		return "-"
	case from == "":
		return to
	}
	return from + " -> " + to
}

func printRecords(w io.Writer, recs []jobs.ExecutionRecord, loc *time.Location, withOutput bool) {
	if len(recs) == 0 {
		fmt.Fprintln(w, "No runs recorded.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "EXECUTION\tSTARTED\tOUTCOME\tDURATION\tMEM PEAK")
	for _, r := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%.1fMB\n",
			r.ExecutionID, r.StartedAt.In(loc).Format(timeLayout), r.Outcome,
			time.Duration(r.DurationMS)*time.Millisecond, r.MemoryPeakMB)
	}
	_ = tw.Flush()
	if !withOutput {
		return
	}
	for _, r := range recs {
		fmt.Fprintf(w, "\n== %s (%s)\n", r.ExecutionID, r.Outcome)
		if r.Error != "" {
			fmt.Fprintf(w, "error: %s\n", r.Error)
		}
		if r.Stdout != "" {
			fmt.Fprintf(w, "-- stdout\n%s", withNewline(r.Stdout))
		}
		if r.Stderr != "" {
			fmt.Fprintf(w, "-- stderr\n%s", withNewline(r.Stderr))
		}
	}
}

func withNewline(s string) string {
	if strings.HasSuffix(s, "\n") {
		return s
	}
	return s + "\n"
}
