package commands

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"

	"github.com/JonMunkholm/bulkimport/internal/core"
	"github.com/JonMunkholm/bulkimport/internal/database"
)

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetAutoWrapText(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	return table
}

func delimiterName(r rune) string {
	switch r {
	case 0:
		return "auto"
	case '\t':
		return "tab"
	case ' ':
		return "space"
	default:
		return string(r)
	}
}

// renderAnalysis prints the file summary and the column mapping.
func renderAnalysis(w io.Writer, a core.Analysis, batchSize int) {
	rows := humanize.Comma(int64(a.EstimatedRows))
	if !a.Exact {
		rows = "~" + rows
	}

	summary := newTable(w, "File", "Size", "Delimiter", "Rows", "Batches")
	summary.Append([]string{
		a.FilePath,
		humanize.Bytes(uint64(a.FileSize)),
		delimiterName(a.Delimiter),
		rows,
		strconv.Itoa(a.EstimatedBatches(batchSize)),
	})
	summary.Render()

	mapping := newTable(w, "Field", "Column", "Required")
	for _, f := range core.Fields() {
		column := "-"
		if col, ok := a.Mapping.Column(f); ok && col < len(a.Header) {
			column = a.Header[col]
		}
		required := ""
		if f.Required() {
			required = "yes"
		}
		mapping.Append([]string{f.String(), column, required})
	}
	mapping.Render()

	if unmapped := a.Mapping.Unmapped(); len(unmapped) > 0 {
		fmt.Fprintln(w, color.YellowString("ignored columns: %s", strings.Join(unmapped, ", ")))
	}
}

// stateLabel colors a terminal state for the summary line.
func stateLabel(s core.State) string {
	switch s {
	case core.StateCompleted:
		return color.GreenString("%s", s)
	case core.StateCancelled:
		return color.YellowString("%s", s)
	case core.StateFailed:
		return color.RedString("%s", s)
	default:
		return string(s)
	}
}

// renderResult prints the outcome of one import.
func renderResult(w io.Writer, res core.ImportResult) {
	fmt.Fprintf(w, "import %s %s in %s\n", res.ImportBatchID, stateLabel(res.State), res.Duration.Round(time.Millisecond))

	s := res.Stats
	table := newTable(w, "Rows", "Imported", "Updated", "Duplicates", "Errors", "Batches", "Success", "Rows/s", "Peak memory")
	table.Append([]string{
		humanize.Comma(int64(s.Processed)),
		humanize.Comma(int64(s.Imported)),
		humanize.Comma(int64(s.Updated)),
		humanize.Comma(int64(s.Duplicates)),
		humanize.Comma(int64(s.Errors)),
		strconv.Itoa(s.Batches),
		fmt.Sprintf("%.1f%%", res.Performance.SuccessRate),
		fmt.Sprintf("%.0f (%s)", res.Performance.RowsPerSecond, res.Performance.Efficiency),
		humanize.Bytes(s.MemoryPeak),
	})
	table.Render()
}

// renderUserError prints the mapped message and the suggested action.
func renderUserError(w io.Writer, err error) {
	msg := core.MapError(err)
	fmt.Fprintf(w, "%s %s\n", color.RedString("[%s]", msg.Code), msg.Message)
	if msg.Action != "" {
		fmt.Fprintf(w, "  %s\n", msg.Action)
	}
}

// renderAudit prints the stored batch summaries of one import.
func renderAudit(w io.Writer, entries []database.AuditEntry) {
	table := newTable(w, "Batch", "Imported", "Updated", "Duplicates", "Errors", "Duration", "Recorded")
	for _, e := range entries {
		table.Append([]string{
			strconv.Itoa(e.BatchIndex),
			strconv.Itoa(e.Result.Imported),
			strconv.Itoa(e.Result.Updated),
			strconv.Itoa(e.Result.Duplicates),
			strconv.Itoa(e.Result.Errors),
			e.Duration.Round(time.Millisecond).String(),
			humanize.Time(e.RecordedAt),
		})
	}
	table.Render()
}

// progressPrinter returns an event callback that writes one line per
// milestone. Batch lines are printed only for failures and every
// batchEvery-th commit.
func progressPrinter(w io.Writer, batchEvery int) func(core.Event) {
	if batchEvery < 1 {
		batchEvery = 1
	}
	return func(ev core.Event) {
		switch d := ev.Data.(type) {
		case core.StartData:
			fmt.Fprintf(w, "started %s (%s)\n", d.ImportBatchID, d.FilePath)
		case core.AnalysisData:
			approx := ""
			if !d.Exact {
				approx = "~"
			}
			fmt.Fprintf(w, "%s%s rows in %d batches, about %s\n",
				approx, humanize.Comma(int64(d.TotalRows)), d.EstimatedBatches, d.EstimatedTime.Round(time.Second))
		case core.WarningData:
			fmt.Fprintln(w, color.YellowString("warning: %s", d.Detail))
		case core.ProgressData:
			fmt.Fprintf(w, "%5.1f%%  %s/%s rows  %.0f rows/s  %s\n",
				d.Percentage, humanize.Comma(int64(d.Processed)), humanize.Comma(int64(d.Total)),
				d.RowsPerSecond, humanize.Bytes(d.Memory))
		case core.BatchCompleteData:
			if d.BatchIndex%batchEvery != 0 {
				return
			}
			r := d.Results
			fmt.Fprintf(w, "batch %d: %d imported, %d updated, %d duplicates, %d errors (%s)\n",
				d.BatchIndex, r.Imported, r.Updated, r.Duplicates, r.Errors, d.Duration.Round(time.Millisecond))
		case core.BatchErrorData:
			fmt.Fprintln(w, color.RedString("batch %d failed: %s", d.BatchIndex, d.Error))
		}
	}
}
