package notifications

import (
	"runtime"
	"testing"
)

func TestNewToastNotifier(t *testing.T) {
	toast := NewToastNotifier("")
	if toast == nil {
		t.Fatal("NewToastNotifier returned nil")
	}

	if toast.appID != "orchestratord" {
		t.Errorf("Expected default appID 'orchestratord', got '%s'", toast.appID)
	}
}

func TestNewToastNotifierWithAppID(t *testing.T) {
	customAppID := "MyCustomApp"
	toast := NewToastNotifier(customAppID)

	if toast.appID != customAppID {
		t.Errorf("Expected appID '%s', got '%s'", customAppID, toast.appID)
	}
}

func TestToastIsSupported(t *testing.T) {
	toast := NewToastNotifier("")

	supported := toast.IsSupported()

	if runtime.GOOS == "windows" {
		if !supported {
			t.Error("Expected toast to be supported on Windows")
		}
	} else {
		if supported {
			t.Error("Expected toast to be unsupported on non-Windows platforms")
		}
	}
}

func TestToastShowToast(t *testing.T) {
	toast := NewToastNotifier("")

	err := toast.ShowToast("Test Title", "Test Message")

	// On non-Windows platforms this always errors; on Windows we can't
	// reliably assert success without user interaction, so we just
	// verify it doesn't panic.
	if runtime.GOOS != "windows" {
		if err == nil {
			t.Error("Expected error on non-Windows platform")
		}
	}
}

func TestToastNotifyTaskFailed(t *testing.T) {
	toast := NewToastNotifier("")

	err := toast.NotifyTaskFailed("task-1", "enrichment step timed out")

	if runtime.GOOS != "windows" {
		if err == nil {
			t.Error("Expected error on non-Windows platform")
		}
	}
}

func TestToastMultipleNotifications(t *testing.T) {
	toast := NewToastNotifier("")

	for i := 0; i < 5; i++ {
		err := toast.ShowToast("Test", "Message")
		if runtime.GOOS != "windows" && err == nil {
			t.Error("Expected error on non-Windows platform")
		}
	}
}

func TestToastEmptyMessages(t *testing.T) {
	toast := NewToastNotifier("")

	err := toast.ShowToast("", "")
	if runtime.GOOS != "windows" && err == nil {
		t.Error("Expected error on non-Windows platform")
	}

	err = toast.NotifyTaskFailed("task-1", "")
	if runtime.GOOS != "windows" && err == nil {
		t.Error("Expected error on non-Windows platform")
	}
}

func TestToastConcurrentAccess(t *testing.T) {
	toast := NewToastNotifier("")

	done := make(chan bool)

	for i := 0; i < 5; i++ {
		go func(n int) {
			for j := 0; j < 20; j++ {
				toast.ShowToast("Test", "Message")
			}
			done <- true
		}(i)
	}

	for i := 0; i < 5; i++ {
		<-done
	}
}
