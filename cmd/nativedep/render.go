package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/contriboss/nativedep-go"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#8AB4F8"))
	keyStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#9AA0A6")).Width(12)
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#34A853"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FBBC04"))
)

type row struct {
	key   string
	value string
}

func renderRows(title string, rows []row) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(title))
	b.WriteString("\n")
	for _, r := range rows {
		b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, keyStyle.Render(r.key), r.value))
		b.WriteString("\n")
	}
	return b.String()
}

func yesNo(ok bool, yes, no string) string {
	if ok {
		return okStyle.Render(yes)
	}
	return warnStyle.Render(no)
}

func renderStatus(st *nativedep.Status) string {
	source := warnStyle.Render("no local checkout") + ", archive " + st.ArchiveURL
	if st.LocalBuildFile != "" {
		source = okStyle.Render("local") + " " + st.LocalCandidate + " (" + st.LocalBuildFile + ")"
	} else if st.ArchiveCached {
		source += " " + okStyle.Render("(cached)")
	}

	rows := []row{
		{"library", st.Library},
		{"profile", string(st.Profile)},
		{"source", source},
		{"output", st.OutDir + " " + yesNo(st.Built, "(built)", "(not built)")},
	}
	if st.BindingsPath != "" {
		rows = append(rows, row{"bindings", st.BindingsPath + " " + yesNo(!st.Bindings.Stale, "(up to date)", "("+st.Bindings.String()+")")})
	}
	artifacts := "none"
	if len(st.Artifacts) > 0 {
		artifacts = strings.Join(st.Artifacts, ", ")
	}
	rows = append(rows, row{"artifacts", st.ArtifactDest + ": " + artifacts})

	return renderRows("nativedep", rows)
}

func renderResult(result *nativedep.Result) string {
	rows := []row{
		{"source", fmt.Sprintf("%s (%s)", result.Tree.Path, result.Tree.Origin)},
		{"libraries", result.Build.Build.LibDir},
	}
	if result.Bindings != nil {
		state := "unchanged"
		if result.BindingsWritten {
			state = "written"
		}
		rows = append(rows, row{"bindings", fmt.Sprintf("%s (%d functions, %s)", result.BindingsPath, len(result.Bindings.Functions), state)})
	}
	if result.Artifacts != nil {
		rows = append(rows, row{"artifacts", fmt.Sprintf("%d copied to %s", len(result.Artifacts.Copied), result.Artifacts.Dest)})
	}
	rows = append(rows, row{"elapsed", result.Duration.Round(time.Millisecond).String()})
	return renderRows("ready", rows)
}

func renderStaleness(s nativedep.Staleness) string {
	if !s.Stale {
		return okStyle.Render("bindings up to date") + "\n"
	}
	var b strings.Builder
	b.WriteString(warnStyle.Render("bindings are stale") + "\n")
	for _, reason := range s.Reasons {
		b.WriteString("  - " + reason + "\n")
	}
	return b.String()
}
