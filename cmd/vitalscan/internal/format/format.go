package format

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/glamour"
	glamourstyles "github.com/charmbracelet/glamour/styles"
	"github.com/germanamz/vitalscan/pkg/vitals"
	"github.com/mattn/go-runewidth"
)

// IsDarkBG is set once before bubbletea starts (in main.go) so that glamour
// never issues its own OSC 11 query while the program is running.
var IsDarkBG bool

// SpinnerFrames are braille characters for smooth animation.
var SpinnerFrames = []string{"⣾", "⣽", "⣻", "⢿", "⡿", "⣟", "⣯", "⣷"}

var (
	mdRenderer      *glamour.TermRenderer
	mdRendererMu    sync.Mutex
	mdRendererWidth int
)

// InitMarkdownRenderer initializes the glamour renderer at the given width.
func InitMarkdownRenderer(width int) {
	if width <= 0 {
		width = 100
	}
	mdRendererMu.Lock()
	defer mdRendererMu.Unlock()
	if width == mdRendererWidth && mdRenderer != nil {
		return
	}
	// glamour.WithAutoStyle() queries the terminal and races with bubbletea's
	// input reader.
	style := glamourstyles.LightStyleConfig
	if IsDarkBG {
		style = glamourstyles.DarkStyleConfig
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithStyles(style),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return
	}
	mdRenderer = r
	mdRendererWidth = width
}

// RenderMarkdown converts markdown text to terminal-formatted output. The
// text is returned unchanged when no renderer is initialized.
func RenderMarkdown(text string) string {
	mdRendererMu.Lock()
	r := mdRenderer
	mdRendererMu.Unlock()
	if r == nil {
		return text
	}
	out, err := r.Render(text)
	if err != nil {
		return text
	}
	return strings.TrimRight(out, "\n")
}

// Truncate shortens s to at most width terminal cells, appending "…" when
// cut. Newlines are replaced with spaces for single-line display.
func Truncate(s string, width int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if width <= 0 || runewidth.StringWidth(s) <= width {
		return s
	}
	return runewidth.Truncate(s, width, "…")
}

// FmtValue formats a reading. Missing values render as "-".
func FmtValue(v *float64) string {
	if v == nil {
		return "-"
	}
	if *v == float64(int64(*v)) {
		return fmt.Sprintf("%d", int64(*v))
	}
	return fmt.Sprintf("%.1f", *v)
}

// FmtDuration formats a duration for display.
func FmtDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	m := int(d.Minutes())
	sec := int(d.Seconds()) % 60
	return fmt.Sprintf("%dm %ds", m, sec)
}

// ResultsMarkdown renders res as a markdown table of readings. Readings the
// vendor did not report are listed only when all is set.
func ResultsMarkdown(res vitals.Result, all bool) string {
	var sb strings.Builder
	sb.WriteString("| Reading | Value |\n")
	sb.WriteString("|---|---:|\n")

	rows := 0
	for _, r := range res.Readings() {
		if r.Value == nil && !all {
			continue
		}
		fmt.Fprintf(&sb, "| %s | %s |\n", escapeCell(r.Label), FmtValue(r.Value))
		rows++
	}
	if rows == 0 {
		return "_No readings reported._\n"
	}

	if res.MeasurementID != "" {
		fmt.Fprintf(&sb, "\nMeasurement `%s`\n", res.MeasurementID)
	}
	return sb.String()
}

func escapeCell(s string) string {
	return strings.ReplaceAll(s, "|", `\|`)
}
