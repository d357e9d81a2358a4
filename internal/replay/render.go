package replay

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"
	"github.com/muesli/reflow/wordwrap"

	"github.com/zjrosen/stepchat/internal/tracing"
	"github.com/zjrosen/stepchat/internal/workflow"
)

const (
	// wrapWidth is the column message text wraps at.
	wrapWidth = 88
	// titleWidth bounds step titles in headers.
	titleWidth = 40
)

var (
	agentColor   = lipgloss.AdaptiveColor{Light: "#0B6E4F", Dark: "#7EE0B5"}
	userColor    = lipgloss.AdaptiveColor{Light: "#1D4ED8", Dark: "#93C5FD"}
	mutedColor   = lipgloss.AdaptiveColor{Light: "#6B7280", Dark: "#9CA3AF"}
	errorColor   = lipgloss.AdaptiveColor{Light: "#B91C1C", Dark: "#FCA5A5"}
	handoffColor = lipgloss.AdaptiveColor{Light: "#92400E", Dark: "#FCD34D"}
)

type styles struct {
	title   lipgloss.Style
	header  lipgloss.Style
	agent   lipgloss.Style
	user    lipgloss.Style
	handoff lipgloss.Style
	muted   lipgloss.Style
	err     lipgloss.Style
}

func newStyles(r *lipgloss.Renderer) styles {
	return styles{
		title:   r.NewStyle().Bold(true).Underline(true),
		header:  r.NewStyle().Bold(true),
		agent:   r.NewStyle().Foreground(agentColor),
		user:    r.NewStyle().Foreground(userColor),
		handoff: r.NewStyle().Foreground(handoffColor).Italic(true),
		muted:   r.NewStyle().Foreground(mutedColor),
		err:     r.NewStyle().Foreground(errorColor),
	}
}

// Render writes a human-readable report of res to w. Colors are used only
// when w is a terminal.
func Render(w io.Writer, res *Result) error {
	st := newStyles(lipgloss.NewRenderer(w))
	var b strings.Builder

	name := res.Name
	if name == "" {
		name = "scenario"
	}
	b.WriteString(st.title.Render(name) + "\n\n")

	for _, tr := range res.Transcripts {
		b.WriteString(transcriptHeader(st, res, tr) + "\n")
		if len(tr.Messages) == 0 {
			b.WriteString("  " + st.muted.Render("(no messages)") + "\n")
		}
		for _, m := range tr.Messages {
			b.WriteString("  " + renderMessage(st, m) + "\n")
		}
		for _, a := range tr.Activity {
			b.WriteString("  " + st.muted.Render("… "+a.Summary+" (pending)") + "\n")
		}
		b.WriteString("\n")
	}

	if len(res.Navigations) > 0 {
		hops := make([]string, len(res.Navigations))
		for i, n := range res.Navigations {
			hops[i] = fmt.Sprintf("%d", n)
		}
		fmt.Fprintf(&b, "%s %s\n", st.header.Render("navigated:"), strings.Join(hops, " → "))
	}
	if res.Pending > 0 {
		fmt.Fprintf(&b, "%s %d message(s) waiting for steps\n", st.header.Render("pending:"), res.Pending)
	}
	if typing := typingSteps(res.Typing); len(typing) > 0 {
		fmt.Fprintf(&b, "%s %v\n", st.header.Render("typing:"), typing)
	}
	for _, f := range res.Failures {
		b.WriteString(st.err.Render("error: "+f) + "\n")
	}
	for _, w := range res.Warnings {
		b.WriteString(st.handoff.Render("warning: "+w) + "\n")
	}

	_, err := io.WriteString(w, b.String())
	return err
}

func transcriptHeader(st styles, res *Result, tr Transcript) string {
	var parts []string
	if len(res.Steps) > 0 {
		marker := " "
		if tr.StepIndex == res.ActiveStep {
			marker = "▸"
		}
		parts = append(parts, fmt.Sprintf("%s [%d] %s", marker, tr.StepIndex, truncateTitle(tr.Title)))
	} else {
		parts = append(parts, truncateTitle(tr.Title))
	}
	if tr.RoutingKey != "" {
		parts = append(parts, st.muted.Render("("+tr.RoutingKey+")"))
	}
	if cs, ok := res.Connections[tr.StepIndex]; ok && len(res.Steps) > 0 {
		parts = append(parts, statusBadge(st, cs))
	}
	return st.header.Render(parts[0]) + " " + strings.Join(parts[1:], " ")
}

func statusBadge(st styles, cs workflow.ConnectionState) string {
	switch cs.Status {
	case workflow.StatusConnected:
		return st.agent.Render("●")
	case workflow.StatusError:
		return st.err.Render("✗ " + cs.LastError)
	default:
		return st.muted.Render("○ " + string(cs.Status))
	}
}

func truncateTitle(s string) string {
	return runewidth.Truncate(s, titleWidth, "…")
}

// wrap word-wraps text and indents continuation lines under the first.
func wrap(text string) string {
	return strings.ReplaceAll(wordwrap.String(text, wrapWidth), "\n", "\n    ")
}

func renderMessage(st styles, m workflow.ChatMessage) string {
	var line string
	switch {
	case m.Type == workflow.MessageHandoff:
		line = st.handoff.Render("⇢ " + wrap(m.Text))
	case m.Direction == workflow.DirectionIncoming:
		line = st.user.Render("you: ") + wrap(m.Text)
	default:
		line = st.agent.Render("agent: ") + wrap(m.Text)
	}
	if m.Historical {
		line += " " + st.muted.Render("(history)")
	}
	for _, a := range m.ActivityLog {
		line += "\n    " + st.muted.Render("· "+a.Summary)
	}
	return line
}

func typingSteps(m map[int]bool) []int {
	var out []int
	for step, on := range m {
		if on {
			out = append(out, step)
		}
	}
	slices.Sort(out)
	return out
}

// RenderSpans writes one line per recorded span with its failure status and
// attributes in key order.
func RenderSpans(w io.Writer, spans []tracing.SpanRecord) error {
	st := newStyles(lipgloss.NewRenderer(w))
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", st.header.Render(fmt.Sprintf("spans (%d):", len(spans))))
	for _, s := range spans {
		line := "  " + s.Name
		if s.Status == "ERROR" {
			line += " " + st.err.Render("✗ "+s.StatusMsg)
		}
		for _, k := range slices.Sorted(maps.Keys(s.Attributes)) {
			line += " " + st.muted.Render(fmt.Sprintf("%s=%v", k, s.Attributes[k]))
		}
		b.WriteString(line + "\n")
	}
	_, err := io.WriteString(w, b.String())
	return err
}
