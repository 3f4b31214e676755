package notifications

import (
	"fmt"
	"runtime"

	"github.com/go-toast/toast"
)

// ToastNotifier handles Windows toast notifications for failed tasks.
type ToastNotifier struct {
	appID     string
	actionURL string
}

// NewToastNotifier creates a new toast notifier.
func NewToastNotifier(appID string) *ToastNotifier {
	if appID == "" {
		appID = "orchestratord"
	}
	return &ToastNotifier{appID: appID}
}

// NewToastNotifierWithURL creates a new toast notifier whose toasts link to
// actionURL when clicked (an operator console, a task detail page, etc).
func NewToastNotifierWithURL(appID, actionURL string) *ToastNotifier {
	if appID == "" {
		appID = "orchestratord"
	}
	return &ToastNotifier{appID: appID, actionURL: actionURL}
}

// ShowToast displays a generic toast notification with sound.
func (t *ToastNotifier) ShowToast(title, message string) error {
	if runtime.GOOS != "windows" {
		return fmt.Errorf("toast notifications only supported on Windows")
	}

	notification := toast.Notification{
		AppID:   t.appID,
		Title:   title,
		Message: message,
		Audio:   toast.Default,
	}
	if t.actionURL != "" {
		notification.Actions = []toast.Action{
			{Type: "protocol", Label: "View", Arguments: t.actionURL},
		}
	}

	return notification.Push()
}

// NotifyTaskFailed sends a high-priority toast for a task that reached
// StatusFailed, so an operator working heads-down notices without polling.
func (t *ToastNotifier) NotifyTaskFailed(taskID, detail string) error {
	if runtime.GOOS != "windows" {
		return fmt.Errorf("toast notifications only supported on Windows")
	}

	notification := toast.Notification{
		AppID:   t.appID,
		Title:   fmt.Sprintf("Task %s failed", taskID),
		Message: detail,
		Audio:   toast.IM,
	}
	if t.actionURL != "" {
		notification.Actions = []toast.Action{
			{Type: "protocol", Label: "View task", Arguments: t.actionURL},
		}
	}

	return notification.Push()
}

// IsSupported returns true if toast notifications are supported on this platform.
func (t *ToastNotifier) IsSupported() bool {
	return runtime.GOOS == "windows"
}
