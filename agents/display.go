package agents

import (
	"errors"
	"net"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/gorilla/websocket"

	"github.com/bt-bridge/avatar-relay/shared"
)

var (
	userStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Bold(true)
	avatarStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("212")).Bold(true)
	noteStyle   = lipgloss.NewStyle().Faint(true).Italic(true)
	toolStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("178"))
	bannerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("160")).
			Padding(0, 1)
)

// Banner categories shown to the user instead of raw error text.
const (
	BannerConnectionLost    = "connection lost"
	BannerMicrophoneBlocked = "microphone blocked"
	BannerSetupFailed       = "session setup failed"
	BannerUnexpected        = "unexpected error"
)

// Banner maps err to a human-readable category.
func Banner(err error) string {
	var closeErr *websocket.CloseError
	var netErr net.Error
	switch {
	case err == nil:
		return ""
	case errors.Is(err, shared.ErrMicrophoneBlocked):
		return BannerMicrophoneBlocked
	case errors.Is(err, shared.ErrSetupFailed), errors.Is(err, shared.ErrUnauthorized), errors.Is(err, shared.ErrForbidden):
		return BannerSetupFailed
	case errors.Is(err, shared.ErrConnectionLost), errors.As(err, &closeErr), errors.As(err, &netErr):
		return BannerConnectionLost
	}
	// Relay error messages arrive as plain text.
	msg := err.Error()
	switch {
	case strings.Contains(msg, shared.ErrSetupFailed.Error()):
		return BannerSetupFailed
	case strings.Contains(msg, shared.ErrConnectionLost.Error()), strings.Contains(msg, "upstream connection lost"):
		return BannerConnectionLost
	case strings.Contains(msg, shared.ErrMicrophoneBlocked.Error()):
		return BannerMicrophoneBlocked
	}
	return BannerUnexpected
}

// transcript prints streamed fragments one line per speaker and turn.
type transcript struct {
	mu      sync.Mutex
	printer *shared.Printer
	input   bool
	open    bool
}

func newTranscript(printer *shared.Printer) *transcript {
	return &transcript{printer: printer}
}

func (t *transcript) append(input bool, text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.open && t.input != input {
		_ = t.printer.EndLine()
	}
	t.open, t.input = true, input
	prefix := avatarStyle.Render("avatar:") + " "
	if input {
		prefix = userStyle.Render("you:") + " "
	}
	_ = t.printer.Append(prefix, text, 1)
}

// flush detaches the current line; later fragments start a new one.
func (t *transcript) flush() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.open = false
	_ = t.printer.EndLine()
}

func (t *transcript) note(text string) {
	t.flush()
	_ = t.printer.Writeln(noteStyle.Render(text), 1)
}

func (t *transcript) tool(name, result string) {
	t.flush()
	_ = t.printer.Writeln(toolStyle.Render("🎬 "+name+": "+result), 1)
}
