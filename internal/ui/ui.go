package ui

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
	"github.com/muesli/termenv"
)

// Logger is the package-level structured logger. Commands hand it to the
// indexing components explicitly.
var Logger *log.Logger

// Styles, initialized in Init().
var (
	headerStyle  lipgloss.Style
	successStyle lipgloss.Style
	warningStyle lipgloss.Style
	errorStyle   lipgloss.Style
	dimStyle     lipgloss.Style
	boldStyle    lipgloss.Style
	promptStyle  lipgloss.Style
	accentStyle  lipgloss.Style
)

var noColor bool

// Init sets up color detection, lipgloss styles, and the structured logger.
// Call this once at CLI startup.
func Init(noColorFlag bool) {
	noColor = noColorFlag || os.Getenv("NO_COLOR") != ""

	// Pre-set dark background to prevent termenv OSC query that leaks ^[[I focus events
	lipgloss.SetHasDarkBackground(true)

	if noColor {
		lipgloss.SetColorProfile(termenv.Ascii)
	} else {
		lipgloss.SetColorProfile(termenv.EnvColorProfile())
	}

	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	successStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
	warningStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("11"))
	errorStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
	dimStyle = lipgloss.NewStyle().Faint(true)
	boldStyle = lipgloss.NewStyle().Bold(true)
	promptStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("14"))
	accentStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("13"))

	Logger = newLogger(os.Stderr, false)
}

func newLogger(w io.Writer, timestamps bool) *log.Logger {
	l := log.NewWithOptions(w, log.Options{
		ReportTimestamp: timestamps,
		TimeFormat:      time.DateTime,
	})
	if noColor {
		l.SetStyles(log.DefaultStyles())
	}
	return l
}

// SetVerbose lowers the logger level to debug.
func SetVerbose(v bool) {
	if v {
		Logger.SetLevel(log.DebugLevel)
	} else {
		Logger.SetLevel(log.InfoLevel)
	}
}

// TeeLog sends Logger output to path as well as stderr, with timestamps.
// The returned function closes the file and restores the stderr logger.
func TeeLog(path string) (func() error, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	prev := Logger
	Logger = newLogger(io.MultiWriter(os.Stderr, f), true)
	Logger.SetLevel(prev.GetLevel())
	return func() error {
		Logger = prev
		return f.Close()
	}, nil
}

func Bold(s string) string   { return boldStyle.Render(s) }
func Dim(s string) string    { return dimStyle.Render(s) }
func Red(s string) string    { return errorStyle.Render(s) }
func Green(s string) string  { return successStyle.Render(s) }
func Yellow(s string) string { return warningStyle.Render(s) }

// Status prints a styled status message.
func Status(msg string) {
	fmt.Fprintf(os.Stderr, "%s %s\n", accentStyle.Render("▸"), msg)
}

// Warning prints a styled warning message.
func Warning(msg string) {
	fmt.Fprintf(os.Stderr, "%s %s\n", warningStyle.Render("⚠"), msg)
}

// Error prints a styled error message.
func Error(msg string) {
	fmt.Fprintf(os.Stderr, "%s %s\n", errorStyle.Render("✗"), msg)
}

// Info prints a styled informational message.
func Info(msg string) {
	fmt.Fprintf(os.Stderr, "%s %s\n", accentStyle.Render("▸"), msg)
}

// Table prints a formatted table with headers and rows.
func Table(headers []string, rows [][]string) {
	FprintTable(os.Stdout, headers, rows)
}

// FprintTable is Table with an explicit writer.
func FprintTable(out io.Writer, headers []string, rows [][]string) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, boldStyle.Render(strings.Join(headers, "\t")))
	for _, row := range rows {
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	w.Flush()
}

// Success prints a green check with a message.
func Success(msg string) {
	fmt.Fprintf(os.Stderr, "%s %s\n", successStyle.Render("✓"), msg)
}

// Detail prints an indented key-value detail line.
func Detail(key, value string) {
	label := dimStyle.Render(fmt.Sprintf("  %s", key))
	fmt.Fprintf(os.Stderr, "%s %s\n", label, value)
}

// KeyValue prints a bold key with a value, for structured output blocks.
func KeyValue(key, value string) {
	fmt.Fprintf(os.Stderr, "  %s  %s\n", boldStyle.Render(key), value)
}

// SectionHeader prints a styled section divider with a label.
func SectionHeader(label string) {
	line := headerStyle.Render(fmt.Sprintf("── %s ──", label))
	fmt.Fprintf(os.Stderr, "\n%s\n\n", line)
}

// EmptyState prints a styled message for empty results.
func EmptyState(msg string) {
	fmt.Fprintf(os.Stderr, "  %s\n", dimStyle.Render(msg))
}

// CommandBanner renders a small branded banner for a command.
func CommandBanner(command string, subtitle string) {
	brand := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("12")).
		Render("M · R · D · S")

	cmdLine := accentStyle.Render(fmt.Sprintf("─── %s ───", strings.ToUpper(command)))

	content := fmt.Sprintf("%s\n%s", brand, cmdLine)
	if subtitle != "" {
		content += "\n" + dimStyle.Render(subtitle)
	}

	box := lipgloss.NewStyle().
		BorderStyle(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("63")).
		PaddingLeft(1).
		PaddingRight(1).
		Render(content)

	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, box)
	fmt.Fprintln(os.Stderr)
}

// confirmModel is a bubbletea model for y/n confirmation.
type confirmModel struct {
	prompt   string
	cursor   int // 0 = yes, 1 = no
	decided  bool
	accepted bool
}

func (m confirmModel) Init() tea.Cmd { return nil }

func (m confirmModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	key, ok := msg.(tea.KeyMsg)
	if !ok {
		return m, nil
	}
	switch key.String() {
	case "y", "Y":
		m.accepted, m.decided = true, true
		return m, tea.Quit
	case "n", "N", "ctrl+c", "esc":
		m.accepted, m.decided = false, true
		return m, tea.Quit
	case "left", "h":
		m.cursor = 0
	case "right", "l":
		m.cursor = 1
	case "enter", " ":
		m.accepted = m.cursor == 0
		m.decided = true
		return m, tea.Quit
	}
	return m, nil
}

func (m confirmModel) View() string {
	var yes, no string
	if m.cursor == 0 {
		yes = successStyle.Render("▸ Yes ")
		no = dimStyle.Render("  No  ")
	} else {
		yes = dimStyle.Render("  Yes ")
		no = errorStyle.Render("▸ No  ")
	}

	return fmt.Sprintf("%s\n\n  %s  %s\n\n%s",
		promptStyle.Render(m.prompt),
		yes, no,
		dimStyle.Render("  ←/→ to select • enter to confirm • y/n for quick select"))
}

// Confirm prompts the user with a yes/no question and returns the response.
// The cursor starts on No.
func Confirm(prompt string) (bool, error) {
	m := confirmModel{prompt: prompt, cursor: 1}
	p := tea.NewProgram(m, tea.WithOutput(os.Stderr))
	result, err := p.Run()
	if err != nil {
		return false, err
	}
	fmt.Fprintln(os.Stderr) // newline after prompt
	return result.(confirmModel).accepted, nil
}

// Spinner displays an animated spinner with a message on stderr.
// Call Stop() to clear it. Stop() is safe to call multiple times.
type Spinner struct {
	out      io.Writer
	mu       sync.Mutex
	msg      string
	stop     chan struct{}
	done     sync.WaitGroup
	stopOnce sync.Once
}

// NewSpinner starts a spinner with the given message.
func NewSpinner(msg string) *Spinner {
	return newSpinner(os.Stderr, msg)
}

func newSpinner(out io.Writer, msg string) *Spinner {
	s := &Spinner{
		out:  out,
		msg:  msg,
		stop: make(chan struct{}),
	}
	s.done.Add(1)
	go s.run()
	return s
}

// Update replaces the spinner message, e.g. with the folder being indexed.
func (s *Spinner) Update(msg string) {
	s.mu.Lock()
	s.msg = msg
	s.mu.Unlock()
}

func (s *Spinner) message() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.msg
}

func (s *Spinner) run() {
	defer s.done.Done()
	frames := []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}
	i := 0
	ticker := time.NewTicker(80 * time.Millisecond)
	defer ticker.Stop()

	// Render first frame immediately so spinner is visible even if stopped quickly
	fmt.Fprintf(s.out, "\r%s %s", accentStyle.Render(frames[0]), dimStyle.Render(s.message()))
	i++

	for {
		select {
		case <-s.stop:
			fmt.Fprintf(s.out, "\r\033[K")
			return
		case <-ticker.C:
			fmt.Fprintf(s.out, "\r\033[K%s %s", accentStyle.Render(frames[i%len(frames)]), dimStyle.Render(s.message()))
			i++
		}
	}
}

// Stop halts the spinner and clears its line.
// Safe to call multiple times.
func (s *Spinner) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
	s.done.Wait()
}
