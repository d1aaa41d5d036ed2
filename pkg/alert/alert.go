// Package alert shows user-facing notices in the terminal.
package alert

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// Level is the severity of an alert.
type Level int

const (
	Info Level = iota
	Success
	Warning
	Error
)

func (l Level) String() string {
	switch l {
	case Success:
		return "success"
	case Warning:
		return "warning"
	case Error:
		return "error"
	default:
		return "info"
	}
}

// Alerter displays a titled message.
type Alerter interface {
	Alert(level Level, title, message string)
}

// Discard drops every alert.
var Discard Alerter = discard{}

type discard struct{}

func (discard) Alert(Level, string, string) {}

var levelColors = map[Level]lipgloss.Color{
	Info:    lipgloss.Color("#7aa2f7"),
	Success: lipgloss.Color("#9ece6a"),
	Warning: lipgloss.Color("#e0af68"),
	Error:   lipgloss.Color("#f7768e"),
}

// Terminal renders alerts as bordered boxes.
type Terminal struct {
	mu    sync.Mutex
	out   io.Writer
	width int
	now   func() time.Time
}

// NewTerminal writes alerts to w. A width of zero leaves boxes unwrapped.
func NewTerminal(w io.Writer, width int) *Terminal {
	return &Terminal{out: w, width: width, now: time.Now}
}

// Alert prints one boxed alert.
func (t *Terminal) Alert(level Level, title, message string) {
	color := levelColors[level]
	box := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(color).
		Padding(0, 1)
	if t.width > 0 {
		box = box.Width(t.width)
	}
	heading := lipgloss.NewStyle().Bold(true).Foreground(color).Render(title)
	stamp := lipgloss.NewStyle().Faint(true).Render(t.now().Format("15:04:05"))

	body := heading + "  " + stamp
	if msg := strings.TrimSpace(message); msg != "" {
		body += "\n" + msg
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintln(t.out, box.Render(body))
}

// Entry is one recorded alert.
type Entry struct {
	Level   Level
	Title   string
	Message string
}

// Recorder keeps alerts in memory.
type Recorder struct {
	mu      sync.Mutex
	entries []Entry
}

// Alert records the alert.
func (r *Recorder) Alert(level Level, title, message string) {
	r.mu.Lock()
	r.entries = append(r.entries, Entry{Level: level, Title: title, Message: message})
	r.mu.Unlock()
}

// Entries returns a copy of the recorded alerts.
func (r *Recorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Entry(nil), r.entries...)
}
