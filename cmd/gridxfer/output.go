package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"gridxfer/pkg/catalogue"
	"gridxfer/pkg/transfer"
	"gridxfer/pkg/types"
	"gridxfer/pkg/utils"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

var (
	primaryColor   = lipgloss.Color("#FF79C6") // Pink
	secondaryColor = lipgloss.Color("#8BE9FD") // Cyan
	accentColor    = lipgloss.Color("#50FA7B") // Green
	warningColor   = lipgloss.Color("#FFB86C") // Orange
	dangerColor    = lipgloss.Color("#FF5555") // Red
	mutedColor     = lipgloss.Color("#6272A4") // Comment
	bgLightColor   = lipgloss.Color("#44475A") // Current Line
	fgColor        = lipgloss.Color("#F8F8F2") // Foreground

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor)

	mutedStyle = lipgloss.NewStyle().
			Foreground(mutedColor)

	labelStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Width(12)

	valueStyle = lipgloss.NewStyle().
			Foreground(fgColor).
			Bold(true)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(secondaryColor).
			Background(bgLightColor).
			Padding(0, 1)

	rowStyle = lipgloss.NewStyle().
			Padding(0, 1).
			Foreground(fgColor)
)

// codeStyle colours a condition by severity.
func codeStyle(code types.Code) lipgloss.Style {
	switch code {
	case types.CodeOK:
		return valueStyle.Foreground(accentColor)
	case types.CodePartial, types.CodeAlreadyExists, types.CodeInterrupted:
		return valueStyle.Foreground(warningColor)
	default:
		return valueStyle.Foreground(dangerColor)
	}
}

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(bgLightColor)).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return rowStyle
		}).
		Headers(headers...)
}

func field(label, value string) string {
	return labelStyle.Render(label) + " " + value
}

func renderOutcome(out *transfer.Outcome, elapsed time.Duration) string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("Upload "+out.LFN) + "\n")
	b.WriteString(field("Result", codeStyle(out.Code).Render(out.Code.String())) + "\n")
	b.WriteString(field("Replicas", valueStyle.Render(fmt.Sprintf("%d/%d committed", out.Committed, out.Desired))) + "\n")
	if len(out.Replicas) > 0 {
		names := make([]string, len(out.Replicas))
		for i, r := range out.Replicas {
			names[i] = string(r)
		}
		b.WriteString(field("Elements", valueStyle.Render(strings.Join(names, ", "))) + "\n")
	}
	b.WriteString(field("Elapsed", mutedStyle.Render(elapsed.Round(time.Millisecond).String())))

	if len(out.Mirrors) > 0 {
		t := newTable("TARGET", "TRANSFER", "RESULT")
		targets := make([]string, 0, len(out.Mirrors))
		for target := range out.Mirrors {
			targets = append(targets, target)
		}
		sort.Strings(targets)
		for _, target := range targets {
			r := out.Mirrors[target]
			t.Row(target, r.TransferID, codeStyle(r.Code).Render(r.Code.String()))
		}
		b.WriteString("\n\n" + titleStyle.Render("Repair") + "\n" + t.Render())
	}

	for _, w := range out.Warnings {
		b.WriteString("\n" + codeStyle(types.CodePartial).Render("warning: ") + w.Message)
	}
	for _, e := range out.Errors {
		b.WriteString("\n" + codeStyle(out.Code).Render("error: ") + e)
	}

	return b.String()
}

func renderDownload(res *transfer.DownloadResult) string {
	t := newTable("FILE", "LOCAL", "SIZE", "REPLICA", "RESULT")

	var total int64
	for _, f := range res.Files {
		size := ""
		if f.Code == types.CodeOK {
			size = utils.FormatDataSize(f.Bytes)
			total += f.Bytes
		}
		result := f.Code.String()
		if f.Err != nil && f.Code != types.CodeOK {
			result = f.Err.Error()
		}
		t.Row(f.LFN, f.Local, size, f.Replica, codeStyle(f.Code).Render(result))
	}

	summary := fmt.Sprintf("%d files, %s, %d failed", len(res.Files), utils.FormatDataSize(total), res.Failed())
	return t.Render() + "\n" + mutedStyle.Render(summary)
}

func renderMirrors(lfn string, results map[string]types.MirrorResult) string {
	t := newTable("TARGET", "TRANSFER", "RESULT")

	targets := make([]string, 0, len(results))
	for target := range results {
		targets = append(targets, target)
	}
	sort.Strings(targets)
	for _, target := range targets {
		r := results[target]
		t.Row(target, r.TransferID, codeStyle(r.Code).Render(r.Code.String()))
	}

	return titleStyle.Render("Mirror "+lfn) + "\n" + t.Render()
}

func renderMirrorJobs(cat *catalogue.Catalogue, results map[string]types.MirrorResult) string {
	t := newTable("TRANSFER", "ELEMENT", "STATE", "TRIES", "LAST ERROR")

	var ids []string
	for _, r := range results {
		if r.TransferID != "" {
			ids = append(ids, r.TransferID)
		}
	}
	sort.Strings(ids)

	for _, id := range ids {
		job, ok := cat.MirrorStatus(id)
		if !ok {
			continue
		}
		state := job.State.String()
		switch job.State {
		case catalogue.MirrorDone:
			state = codeStyle(types.CodeOK).Render(state)
		case catalogue.MirrorFailed:
			state = codeStyle(types.CodeTransportFailure).Render(state)
		}
		t.Row(job.TransferID, string(job.Element), state, fmt.Sprintf("%d/%d", job.Tries, job.Attempts), job.LastError)
	}

	return t.Render()
}

func renderListing(dir string, entries []*types.LogicalEntry) string {
	t := newTable("NAME", "TYPE", "SIZE", "OWNER", "CREATED")

	for _, e := range entries {
		size := ""
		if e.IsFile() {
			size = utils.FormatDataSize(e.Size)
		}
		name := e.Path[strings.LastIndex(e.Path, "/")+1:]
		if e.IsDirectory() {
			name += "/"
		}
		t.Row(name, e.Type.String(), size, e.Owner, e.Created.Format(time.DateTime))
	}

	return titleStyle.Render(dir) + "\n" + t.Render() + "\n" +
		mutedStyle.Render(fmt.Sprintf("%d entries", len(entries)))
}
