package notifications

import (
	"fmt"
	"os"
	"runtime"
	"sync"
)

// TerminalNotifier flashes the terminal window title to surface a failed
// task to an operator who has orchestratord running in a background tab.
type TerminalNotifier struct {
	originalTitle string
	mu            sync.Mutex
}

// NewTerminalNotifier creates a new terminal notifier.
func NewTerminalNotifier() *TerminalNotifier {
	return &TerminalNotifier{
		originalTitle: "orchestratord",
	}
}

// SetOriginalTitle stores the original terminal title for restoration.
func (t *TerminalNotifier) SetOriginalTitle(title string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.originalTitle = title
}

// FlashTerminal changes the terminal title to show an alert.
func (t *TerminalNotifier) FlashTerminal(message string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	alertTitle := fmt.Sprintf("\U0001F514 orchestratord - %s", message)
	return t.setTerminalTitle(alertTitle)
}

// NotifyTaskFailed flashes the terminal title to report a failed task.
func (t *TerminalNotifier) NotifyTaskFailed(taskID, detail string) error {
	return t.FlashTerminal(fmt.Sprintf("task %s failed: %s", taskID, detail))
}

// RestoreTerminalTitle restores the original terminal title.
func (t *TerminalNotifier) RestoreTerminalTitle() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.setTerminalTitle(t.originalTitle)
}

// ClearAlert restores the terminal title to its original state.
func (t *TerminalNotifier) ClearAlert() error {
	return t.RestoreTerminalTitle()
}

// setTerminalTitle sets the terminal window title using ANSI OSC sequences.
func (t *TerminalNotifier) setTerminalTitle(title string) error {
	switch runtime.GOOS {
	case "windows", "linux", "darwin":
		fmt.Printf("\033]0;%s\007", title)
		return nil
	default:
		return fmt.Errorf("terminal title manipulation not supported on %s", runtime.GOOS)
	}
}

// IsSupported returns true if terminal title manipulation is supported.
func (t *TerminalNotifier) IsSupported() bool {
	if !isTerminal() {
		return false
	}
	switch runtime.GOOS {
	case "windows", "linux", "darwin":
		return true
	default:
		return false
	}
}

// isTerminal checks if stdout is connected to a terminal.
func isTerminal() bool {
	fileInfo, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return (fileInfo.Mode() & os.ModeCharDevice) != 0
}

// GetCurrentTitle returns the stored original title.
func (t *TerminalNotifier) GetCurrentTitle() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.originalTitle
}
