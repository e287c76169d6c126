// Package cliui provides the terminal styling used by cmd/syncserver's
// output, grounded on the pack's ux.Styles palette-and-helpers pattern
// (jinterlante1206-AleutianLocal/pkg/ux/output.go), trimmed to what a
// small server CLI actually prints: a startup banner, credential
// output, and success/error lines.
package cliui

import (
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
)

var (
	colorPrimary = lipgloss.Color("#20B9B4")
	colorAccent  = lipgloss.Color("#2CD7C7")
	colorMuted   = lipgloss.Color("#2C4A54")
	colorError   = lipgloss.Color("#E74C3C")
)

var styles = struct {
	Title   lipgloss.Style
	Muted   lipgloss.Style
	Success lipgloss.Style
	Error   lipgloss.Style
	Box     lipgloss.Style
}{
	Title:   lipgloss.NewStyle().Bold(true).Foreground(colorPrimary),
	Muted:   lipgloss.NewStyle().Foreground(colorMuted),
	Success: lipgloss.NewStyle().Foreground(colorAccent),
	Error:   lipgloss.NewStyle().Foreground(colorError),
	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(colorPrimary).
		Padding(0, 1),
}

// Banner prints a boxed startup summary for the serve command.
func Banner(addr string) {
	content := fmt.Sprintf("%s %s\n%s %s",
		styles.Muted.Render("listening on"), styles.Title.Render(addr),
		styles.Muted.Render("endpoint   "), styles.Title.Render(addr+"/sync"),
	)
	fmt.Println(styles.Box.Render(content))
}

// Credential prints a freshly generated API key/secret pair. The secret
// is shown exactly once, matching the convention of most credential
// issuers.
func Credential(name, apiKey, secret string) {
	content := fmt.Sprintf("%s %s\n%s  %s\n%s %s",
		styles.Muted.Render("name  "), name,
		styles.Muted.Render("key   "), styles.Title.Render(apiKey),
		styles.Muted.Render("secret"), styles.Success.Render(secret),
	)
	fmt.Println(styles.Box.Render(content))
	fmt.Println(styles.Muted.Render("Store the secret now; it will not be shown again."))
}

// Success prints a one-line success message.
func Success(text string) { fmt.Println(styles.Success.Render("✓ " + text)) }

// Error prints a one-line error message to stderr.
func Error(text string) { fmt.Fprintln(os.Stderr, styles.Error.Render("✗ "+text)) }
