package notifications

import (
	"fmt"
	"log"
	"sync"
)

// LocalManager is a unified local (non-network) notification surface:
// toast, terminal-title flash and an in-process banner, all driven off
// the same enable/disable switch. Manager implements it and is in turn
// adapted to the Sink contract by ToastSink in sink.go.
type LocalManager interface {
	NotifyTaskFailed(taskID, detail string) error
	ShowToast(title, message string) error
	FlashTerminal(message string) error
	ShowBanner(message string) error
	ClearAlert() error
	IsEnabled() bool
}

// Manager implements LocalManager across toast/terminal/banner channels.
type Manager struct {
	toast    *ToastNotifier
	terminal *TerminalNotifier
	banner   *BannerNotifier
	enabled  bool
	mu       sync.RWMutex
	logger   *log.Logger
}

// Config holds configuration for the notification manager.
type Config struct {
	AppID          string
	ActionURL      string
	EnableToast    bool
	EnableTerminal bool
	EnableBanner   bool
	Logger         *log.Logger
}

// NewManager creates a notification manager holding all three local
// channels. The Enable* flags are not applied per channel: the manager
// starts enabled if any one of them is set, and then uses every channel
// the platform supports.
func NewManager(config Config) *Manager {
	if config.Logger == nil {
		config.Logger = log.Default()
	}

	m := &Manager{
		toast:    NewToastNotifierWithURL(config.AppID, config.ActionURL),
		terminal: NewTerminalNotifier(),
		banner:   NewBannerNotifier(),
		enabled:  config.EnableToast || config.EnableTerminal || config.EnableBanner,
		logger:   config.Logger,
	}

	m.logSupport()

	return m
}

// NewDefaultManager creates a manager with default settings (all channels enabled).
func NewDefaultManager() *Manager {
	return NewManager(Config{
		AppID:          "orchestratord",
		EnableToast:    true,
		EnableTerminal: true,
		EnableBanner:   true,
		Logger:         log.Default(),
	})
}

// NotifyTaskFailed triggers every local channel for a failed task.
// ToastSink (sink.go) calls it for MessageError, the one Message.Type it
// forwards.
func (m *Manager) NotifyTaskFailed(taskID, detail string) error {
	if !m.enabled {
		return fmt.Errorf("notifications are disabled")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error

	if m.toast.IsSupported() {
		if err := m.toast.NotifyTaskFailed(taskID, detail); err != nil {
			m.logger.Printf("[NOTIFICATION] toast failed: %v", err)
			errs = append(errs, fmt.Errorf("toast: %w", err))
		} else {
			m.logger.Printf("[NOTIFICATION] toast sent for task %s", taskID)
		}
	}

	if m.terminal.IsSupported() {
		if err := m.terminal.NotifyTaskFailed(taskID, detail); err != nil {
			m.logger.Printf("[NOTIFICATION] terminal flash failed: %v", err)
			errs = append(errs, fmt.Errorf("terminal: %w", err))
		} else {
			m.logger.Printf("[NOTIFICATION] terminal title updated for task %s", taskID)
		}
	}

	if err := m.banner.ShowTaskFailedAlert(fmt.Sprintf("task %s failed: %s", taskID, detail)); err != nil {
		m.logger.Printf("[NOTIFICATION] banner failed: %v", err)
		errs = append(errs, fmt.Errorf("banner: %w", err))
	} else {
		m.logger.Printf("[NOTIFICATION] banner shown for task %s", taskID)
	}

	if len(errs) > 0 {
		return fmt.Errorf("some notifications failed: %v", errs)
	}

	return nil
}

// ShowToast displays a toast notification.
func (m *Manager) ShowToast(title, message string) error {
	if !m.enabled {
		return fmt.Errorf("notifications are disabled")
	}
	if !m.toast.IsSupported() {
		return fmt.Errorf("toast notifications not supported on this platform")
	}

	if err := m.toast.ShowToast(title, message); err != nil {
		m.logger.Printf("[NOTIFICATION] toast failed: %v", err)
		return err
	}

	m.logger.Printf("[NOTIFICATION] toast sent: %s - %s", title, message)
	return nil
}

// FlashTerminal changes the terminal title to show a message.
func (m *Manager) FlashTerminal(message string) error {
	if !m.enabled {
		return fmt.Errorf("notifications are disabled")
	}
	if !m.terminal.IsSupported() {
		return fmt.Errorf("terminal notifications not supported")
	}

	if err := m.terminal.FlashTerminal(message); err != nil {
		m.logger.Printf("[NOTIFICATION] terminal flash failed: %v", err)
		return err
	}

	m.logger.Printf("[NOTIFICATION] terminal title updated: %s", message)
	return nil
}

// ShowBanner sets the in-process banner's latest-alert state.
func (m *Manager) ShowBanner(message string) error {
	if !m.enabled {
		return fmt.Errorf("notifications are disabled")
	}

	if err := m.banner.Show(message, "info"); err != nil {
		m.logger.Printf("[NOTIFICATION] banner failed: %v", err)
		return err
	}

	m.logger.Printf("[NOTIFICATION] banner shown: %s", message)
	return nil
}

// ClearAlert clears all active notifications.
func (m *Manager) ClearAlert() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error

	if m.terminal.IsSupported() {
		if err := m.terminal.ClearAlert(); err != nil {
			errs = append(errs, fmt.Errorf("terminal: %w", err))
		}
	}

	if err := m.banner.Clear(); err != nil {
		errs = append(errs, fmt.Errorf("banner: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("some clear operations failed: %v", errs)
	}

	m.logger.Printf("[NOTIFICATION] all alerts cleared")
	return nil
}

// IsEnabled returns true if notifications are enabled.
func (m *Manager) IsEnabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enabled
}

// Enable enables all notifications.
func (m *Manager) Enable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = true
	m.logger.Println("[NOTIFICATION] notifications enabled")
}

// Disable disables all notifications.
func (m *Manager) Disable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = false
	m.logger.Println("[NOTIFICATION] notifications disabled")
}

// GetBannerState returns the current banner state.
func (m *Manager) GetBannerState() BannerState {
	return m.banner.GetState()
}

// logSupport logs which notification channels are supported.
func (m *Manager) logSupport() {
	m.logger.Printf("[NOTIFICATION] toast supported: %v", m.toast.IsSupported())
	m.logger.Printf("[NOTIFICATION] terminal supported: %v", m.terminal.IsSupported())
	m.logger.Printf("[NOTIFICATION] banner supported: true")
}

// SetTerminalTitle sets the original terminal title (call at startup).
func (m *Manager) SetTerminalTitle(title string) {
	m.terminal.SetOriginalTitle(title)
}
