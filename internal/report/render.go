package report

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/acarl005/stripansi"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"gopkg.in/yaml.v3"

	"github.com/RegistryAccord/uscore-conformance-go/internal/model"
)

// Format names a report rendering.
type Format string

const (
	FormatTable Format = "table"
	FormatText  Format = "text"
	FormatJSON  Format = "json"
	FormatYAML  Format = "yaml"
)

// Write renders r in the given format.
func Write(w io.Writer, r *Report, f Format) error {
	switch f {
	case FormatJSON:
		return WriteJSON(w, r)
	case FormatYAML:
		return WriteYAML(w, r)
	case FormatText:
		return WriteText(w, r)
	case FormatTable, "":
		return WriteTable(w, r)
	default:
		return fmt.Errorf("unknown report format %q", f)
	}
}

// WriteJSON renders r as indented JSON.
func WriteJSON(w io.Writer, r *Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

// WriteYAML renders r as YAML.
func WriteYAML(w io.Writer, r *Report) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(r); err != nil {
		return err
	}
	return enc.Close()
}

// WriteTable renders r as a colored tree table for terminals.
func WriteTable(w io.Writer, r *Report) error {
	_, err := io.WriteString(w, renderTable(r))
	return err
}

// WriteText renders the table with ANSI escapes removed, for files and CI logs.
func WriteText(w io.Writer, r *Report) error {
	_, err := io.WriteString(w, stripansi.Strip(renderTable(r)))
	return err
}

func renderTable(r *Report) string {
	var buf bytes.Buffer

	t := table.NewWriter()
	t.SetOutputMirror(&buf)
	title := r.SuiteTitle
	if title == "" {
		title = r.SuiteID
	}
	if r.Target != "" {
		title += " @ " + r.Target
	}
	t.SetTitle(title)
	t.AppendHeader(table.Row{"TYPE", "ID", "DURATION", "TESTS", "PASSED", "FAILED", "ERRORED", "SKIPPED", "STATUS"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "TYPE", AutoMerge: true},
		{Name: "ID", WidthMax: 120, WidthMaxEnforcer: text.WrapSoft},
		{Name: "DURATION", Align: text.AlignRight},
		{Name: "TESTS", Align: text.AlignRight},
		{Name: "PASSED", Align: text.AlignRight},
		{Name: "FAILED", Align: text.AlignRight},
		{Name: "ERRORED", Align: text.AlignRight},
		{Name: "SKIPPED", Align: text.AlignRight},
	})

	var addGroup func(g GroupReport, depth int)
	addGroup = func(g GroupReport, depth int) {
		t.AppendRow(table.Row{
			"Group",
			treePrefix(depth) + g.ID,
			formatDuration(g.Duration),
			g.Summary.Total, g.Summary.Passed, g.Summary.Failed, g.Summary.Errored, g.Summary.Skipped,
			statusCell(g.Status),
		})
		for _, tr := range g.Tests {
			t.AppendRow(table.Row{
				"Test",
				treePrefix(depth+1) + tr.ID,
				formatDuration(tr.Duration),
				"", "", "", "", "",
				statusCell(tr.Status),
			})
			if tr.Status == model.StatusFail || tr.Status == model.StatusError || tr.Status == model.StatusSkip {
				for _, m := range tr.Messages {
					if m.Type == model.MessageInfo {
						continue
					}
					t.AppendRow(table.Row{"", treePrefix(depth+2) + firstLine(m.Text), "", "", "", "", "", "", ""})
				}
			}
		}
		for _, child := range g.Groups {
			addGroup(child, depth+1)
		}
	}
	for _, g := range r.Groups {
		addGroup(g, 0)
	}

	switch r.Status {
	case model.StatusFail, model.StatusError:
		t.SetStyle(table.StyleColoredBlackOnRedWhite)
	case model.StatusSkip:
		t.SetStyle(table.StyleColoredBlackOnYellowWhite)
	case model.StatusPass:
		t.SetStyle(table.StyleColoredBlackOnGreenWhite)
	default:
		t.SetStyle(table.StyleDefault)
	}

	t.AppendFooter(table.Row{
		"TOTAL", r.RunID,
		formatDuration(r.FinishedAt.Sub(r.StartedAt)),
		r.Summary.Total, r.Summary.Passed, r.Summary.Failed, r.Summary.Errored, r.Summary.Skipped,
		strings.ToUpper(string(r.Status)),
	})
	t.Render()
	return buf.String()
}

func statusCell(s model.Status) string {
	label := strings.ToUpper(string(s))
	switch s {
	case model.StatusPass:
		return text.Colors{text.FgGreen}.Sprint(label)
	case model.StatusFail, model.StatusError:
		return text.Colors{text.FgRed}.Sprint(label)
	case model.StatusSkip:
		return text.Colors{text.FgYellow}.Sprint(label)
	}
	return label
}

func treePrefix(depth int) string {
	if depth == 0 {
		return ""
	}
	return strings.Repeat("│  ", depth-1) + "├─ "
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " …"
	}
	return s
}

// formatDuration formats a duration for display
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	return d.Truncate(time.Millisecond).String()
}
