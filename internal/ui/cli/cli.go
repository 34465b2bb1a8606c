// Package cli implements the command-line output of the inpaintGo binaries: the training summary tables
// and highlighted messages, centered in the terminal.
package cli

import (
	"fmt"
	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"golang.org/x/term"
	"io"
	"os"
	"regexp"
	"strings"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Background(lipgloss.Color("13")).
			Foreground(lipgloss.Color("0")).
			Padding(0, 2)
	keyStyle   = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	valueStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
)

var ansiFilter = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

// DisplayWidth of s removes its color/control sequences and returns the length of what is left.
func DisplayWidth(s string) int {
	return len([]rune(ansiFilter.ReplaceAllString(s, "")))
}

// TerminalWidth returns the width of the terminal in the standard output, or 0 if it is not a terminal.
func TerminalWidth() int {
	fd := int(os.Stdout.Fd())
	if !term.IsTerminal(fd) {
		return 0
	}
	width, _, err := term.GetSize(fd)
	if err != nil {
		return 0
	}
	return width
}

// PrintCentered writes the block of text to w, centered in a terminal of the given width.
func PrintCentered(w io.Writer, block string, terminalWidth int) {
	lines := strings.Split(block, "\n")
	blockWidth := 0
	for _, line := range lines {
		blockWidth = max(blockWidth, DisplayWidth(line))
	}
	indent := max(0, (terminalWidth-blockWidth)/2)
	for _, line := range lines {
		if len(line) == 0 {
			_, _ = fmt.Fprintln(w)
			continue
		}
		_, _ = fmt.Fprintf(w, "%s%s\n", strings.Repeat(" ", indent), line)
	}
}

// Summary is a titled table of key/value pairs.
type Summary struct {
	Title string
	rows  [][]string
}

// NewSummary creates an empty Summary with the given title.
func NewSummary(title string) *Summary {
	return &Summary{Title: title}
}

// Add a row with key and value formatted with fmt.Sprint. It returns the Summary, so calls can be cascaded.
func (s *Summary) Add(key string, value any) *Summary {
	s.rows = append(s.rows, []string{key, fmt.Sprint(value)})
	return s
}

// Render the summary as a string.
func (s *Summary) Render() string {
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		StyleFunc(func(_, col int) lipgloss.Style {
			if col == 0 {
				return keyStyle
			}
			return valueStyle
		}).
		Rows(s.rows...)
	return lipgloss.JoinVertical(lipgloss.Center, titleStyle.Render(s.Title), table.Render())
}

// Print the summary to the standard output, centered in the terminal.
func (s *Summary) Print() {
	fmt.Println()
	PrintCentered(os.Stdout, s.Render(), TerminalWidth())
	fmt.Println()
}
