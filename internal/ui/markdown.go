package ui

import (
	"fmt"
	"os"

	"github.com/charmbracelet/glamour"
)

// RenderMarkdown prints md to stderr through glamour, or raw when styling is
// off or rendering fails.
func RenderMarkdown(md string) {
	if noColor {
		fmt.Fprintln(os.Stderr, md)
		return
	}
	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(100),
	)
	if err != nil {
		fmt.Fprintln(os.Stderr, md)
		return
	}

	out, err := renderer.Render(md)
	if err != nil {
		fmt.Fprintln(os.Stderr, md)
		return
	}

	fmt.Fprint(os.Stderr, out)
}
