package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/flowsync/pkg/differ"
	"github.com/cuemby/flowsync/pkg/executor"
	"github.com/cuemby/flowsync/pkg/storage"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

func newTable(w io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	return t
}

func header(cols ...string) table.Row {
	row := make(table.Row, len(cols))
	for i, c := range cols {
		row[i] = text.FgHiCyan.Sprint(c)
	}
	return row
}

func opColor(op differ.Op) text.Color {
	switch op {
	case differ.OpCreate:
		return text.FgGreen
	case differ.OpDelete:
		return text.FgRed
	case differ.OpUpdate:
		return text.FgYellow
	default:
		return text.FgBlue
	}
}

// firstLine shortens multi-line details for a table cell
func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " ..."
	}
	return s
}

func printPlan(w io.Writer, changes []*differ.Change, showDiff bool) {
	if len(changes) == 0 {
		fmt.Fprintln(w, text.FgGreen.Sprint("✓ In sync, nothing to do"))
		return
	}

	t := newTable(w)
	t.AppendHeader(header("#", "OP", "KIND", "NAME", "ID", "AFTER", "DETAIL"))
	position := make(map[int]int, len(changes))
	for i, ch := range changes {
		position[ch.ID] = i + 1
	}
	for i, ch := range changes {
		after := make([]string, 0, len(ch.DependsOn))
		for _, dep := range ch.DependsOn {
			after = append(after, strconv.Itoa(position[dep]))
		}
		id := ch.Target.ID
		if id == "" {
			id = "(new)"
		}
		t.AppendRow(table.Row{
			i + 1,
			opColor(ch.Op).Sprint(string(ch.Op)),
			ch.Target.Kind,
			ch.Name,
			id,
			strings.Join(after, ","),
			firstLine(ch.Detail),
		})
	}
	t.Render()

	if showDiff {
		for i, ch := range changes {
			if ch.Op != differ.OpUpdate || ch.Detail == "" {
				continue
			}
			fmt.Fprintf(w, "\n%d. %s\n%s\n", i+1, ch, ch.Detail)
		}
	}
}

func printOutcome(w io.Writer, out *executor.Outcome) {
	t := newTable(w)
	t.AppendHeader(header("OP", "KIND", "NAME", "ID", "RESULT"))
	for _, res := range out.Applied {
		result := text.FgGreen.Sprint("applied")
		if res.Recovered {
			result = text.FgGreen.Sprint("already in effect")
		}
		t.AppendRow(table.Row{res.Change.Op, res.Change.Target.Kind, res.Change.Name, res.Ref.ID, result})
	}
	for _, f := range out.Failures {
		t.AppendRow(table.Row{f.Change.Op, f.Change.Target.Kind, f.Change.Name, f.Change.Target.ID, text.FgRed.Sprint(f.Err.Error())})
	}
	for _, ch := range out.Skipped {
		t.AppendRow(table.Row{ch.Op, ch.Target.Kind, ch.Name, ch.Target.ID, text.FgYellow.Sprint("skipped")})
	}
	if t.Length() > 0 {
		t.Render()
	}

	summary := fmt.Sprintf("Run %s: %s, %d applied, %d failed, %d skipped, %d not attempted, %d conflict retries, %d attempts in %s",
		out.RunID, out.Result(), len(out.Applied), len(out.Failures), len(out.Skipped),
		out.Remaining, out.ConflictRetries, out.Attempts, out.Duration().Round(time.Millisecond))
	if out.Converged() {
		fmt.Fprintln(w, text.FgGreen.Sprint("✓ "+summary))
	} else {
		fmt.Fprintln(w, text.FgRed.Sprint("✗ "+summary))
	}
}

func printRuns(w io.Writer, runs []*storage.Run) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs recorded")
		return
	}
	t := newTable(w)
	t.AppendHeader(header("RUN", "STARTED", "ROOT", "DELETION", "RESULT", "APPLIED", "FAILED", "SKIPPED", "ATTEMPTS", "DURATION"))
	for _, r := range runs {
		t.AppendRow(table.Row{
			r.ID,
			r.Started.Local().Format(time.DateTime),
			r.Root.ID,
			r.Deletion,
			r.Result,
			r.Count("applied") + r.Count("recovered"),
			r.Count("failed"),
			r.Count("skipped"),
			r.Attempts,
			r.Finished.Sub(r.Started).Round(time.Millisecond),
		})
	}
	t.Render()
}

func printRun(w io.Writer, r *storage.Run) {
	fmt.Fprintf(w, "Run:      %s\nRoot:     %s\nResult:   %s\nStarted:  %s\nDuration: %s\n",
		r.ID, r.Root, r.Result, r.Started.Local().Format(time.RFC3339), r.Finished.Sub(r.Started).Round(time.Millisecond))
	if r.Error != "" {
		fmt.Fprintf(w, "Error:    %s\n", r.Error)
	}
	if len(r.Changes) == 0 {
		return
	}
	t := newTable(w)
	t.AppendHeader(header("OP", "KIND", "NAME", "ID", "STATE", "ERROR"))
	for _, c := range r.Changes {
		t.AppendRow(table.Row{c.Op, c.Kind, c.Name, c.EntityID, c.State, c.Error})
	}
	t.Render()
}
