package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/viper"

	"github.com/animus-labs/shipyard-go/internal/api"
)

var stdout io.Writer = os.Stdout

func printJSON(v any) error {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printRun(run api.RunResponse) error {
	if viper.GetBool("json") {
		return printJSON(run)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(stdout)
	tw.AppendRow(table.Row{"Run", run.ID})
	tw.AppendRow(table.Row{"Status", run.Status})
	tw.AppendRow(table.Row{"Target", run.Target.Name})
	tw.AppendRow(table.Row{"Source", run.SourceRef})
	if run.CurrentStage != "" {
		tw.AppendRow(table.Row{"Stage", run.CurrentStage})
	}
	if run.Actor != "" {
		tw.AppendRow(table.Row{"Actor", fmt.Sprintf("%s (%s)", run.Actor, run.TriggerKind)})
	}
	for _, k := range sortedKeys(run.Params) {
		tw.AppendRow(table.Row{"Param", k + "=" + run.Params[k]})
	}
	tw.AppendRow(table.Row{"Created", formatTime(&run.CreatedAt)})
	if run.StartedAt != nil {
		tw.AppendRow(table.Row{"Started", formatTime(run.StartedAt)})
	}
	if run.EndedAt != nil {
		tw.AppendRow(table.Row{"Ended", formatTime(run.EndedAt)})
	}
	if run.CancelRequestedAt != nil {
		tw.AppendRow(table.Row{"Cancel requested", formatTime(run.CancelRequestedAt)})
	}
	if f := run.Failure; f != nil {
		tw.AppendRow(table.Row{"Failure", fmt.Sprintf("%s at %s: %s", f.Kind, f.Stage, f.Message)})
	}
	tw.Render()

	if len(run.Attempts) == 0 {
		return nil
	}
	at := table.NewWriter()
	at.SetOutputMirror(stdout)
	at.AppendHeader(table.Row{"Stage", "Attempt", "Status", "Error", "Artifact", "Recorded"})
	for _, a := range run.Attempts {
		errText := a.ErrorKind
		if a.ErrorMessage != "" {
			errText = strings.TrimSpace(errText + " " + a.ErrorMessage)
		}
		artifact := ""
		if a.Artifact != nil {
			artifact = shortDigest(a.Artifact.Digest)
		}
		at.AppendRow(table.Row{a.Stage, a.Attempt, a.Status, errText, artifact, formatTime(&a.RecordedAt)})
	}
	at.Render()
	return nil
}

func printRuns(runs []api.RunResponse) error {
	if viper.GetBool("json") {
		return printJSON(api.RunListResponse{Runs: runs})
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(stdout)
	tw.AppendHeader(table.Row{"ID", "Target", "Status", "Stage", "Source", "Created", "Failure"})
	for _, run := range runs {
		failure := ""
		if run.Failure != nil {
			failure = run.Failure.Kind
		}
		tw.AppendRow(table.Row{run.ID, run.Target.Name, run.Status, run.CurrentStage, run.SourceRef, formatTime(&run.CreatedAt), failure})
	}
	tw.Render()
	return nil
}

func printLocks(locks []api.LockResponse) error {
	if viper.GetBool("json") {
		return printJSON(api.LockListResponse{Locks: locks})
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(stdout)
	tw.AppendHeader(table.Row{"Target", "Run", "Acquired"})
	for _, l := range locks {
		tw.AppendRow(table.Row{l.TargetKey, l.RunID, formatTime(&l.AcquiredAt)})
	}
	tw.Render()
	return nil
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func shortDigest(digest string) string {
	const keep = 19 // "sha256:" plus 12 hex chars
	if len(digest) <= keep {
		return digest
	}
	return digest[:keep]
}
