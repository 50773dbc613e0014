package console

import (
	"fmt"
	"io"
	"math"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/muesli/termenv"
)

type Printer struct {
	stream io.Writer
	indent string

	renderer     *lipgloss.Renderer
	warnStyle    lipgloss.Style
	successStyle lipgloss.Style
	errorStyle   lipgloss.Style
}

// NewPrinter creates a new Printer instance with the specified output stream.
//
// Build logs are rarely a terminal but usually render ANSI colors, so colors
// are on unless NO_COLOR is set.
func NewPrinter(stream io.Writer) *Printer {
	profile := termenv.ANSI
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		profile = termenv.Ascii
	}

	r := lipgloss.NewRenderer(stream, termenv.WithProfile(profile))

	return &Printer{
		stream:       stream,
		indent:       "  ",
		renderer:     r,
		warnStyle:    r.NewStyle().Foreground(lipgloss.Color("33")),
		successStyle: r.NewStyle().Foreground(lipgloss.Color("32")),
		errorStyle:   r.NewStyle().Foreground(lipgloss.Color("31")),
	}
}

func (p *Printer) Info(emoji string, format string, a ...any) (n int, err error) {
	prefix := p.indent + withEmoji(emoji)
	return fmt.Fprintf(p.stream, prefix+format+"\n", a...)
}

func (p *Printer) Success(emoji string, format string, a ...any) (n int, err error) {
	prefix := p.indent + withEmoji(emoji)
	return fmt.Fprintln(p.stream, p.successStyle.Render(fmt.Sprintf(prefix+format, a...)))
}

func (p *Printer) Warn(emoji string, format string, a ...any) (n int, err error) {
	prefix := p.indent + withEmoji(emoji)
	return fmt.Fprintln(p.stream, p.warnStyle.Render(fmt.Sprintf(prefix+format, a...)))
}

func (p *Printer) Error(emoji string, format string, a ...any) (n int, err error) {
	prefix := p.indent + withEmoji(emoji)
	return fmt.Fprintln(p.stream, p.errorStyle.Render(fmt.Sprintf(prefix+format, a...)))
}

// Summary prints a titled two column table.
func (p *Printer) Summary(emoji, title string, rows [][]string) (n int, err error) {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(p.renderer.NewStyle()).
		Rows(rows...)

	return p.Info(emoji, "%s:\n%s", title, t.Render())
}

// Bytes formats a byte count for humans, negative counts as zero.
func Bytes(n int64) string {
	return humanize.Bytes(int64ToUint64(n))
}

// Speed formats a transfer speed in MB/s.
func Speed(mbps float64) string {
	return fmt.Sprintf("%.2fMB/s", mbps)
}

func int64ToUint64(x int64) uint64 {
	if x < 0 {
		return 0
	}
	if x == math.MaxInt64 {
		return math.MaxUint64
	}
	return uint64(x)
}

func withEmoji(emoji string) string {
	if emoji == "" {
		return ""
	}
	return emoji + " "
}
