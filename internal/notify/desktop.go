package notify

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"time"

	"github.com/zjrosen/aio/internal/log"
)

// DesktopNotifier raises OS-level notifications for the human operator.
// Notifications are fire-and-forget; failures are logged, never returned.
type DesktopNotifier interface {
	Notify(ctx context.Context, title, body string)
}

const desktopTimeout = 5 * time.Second

// NewDesktop returns the platform's desktop notifier, or a no-op when
// notifications are disabled or the platform has no known notifier
// binary on PATH.
func NewDesktop(enabled bool) DesktopNotifier {
	if !enabled {
		return noopNotifier{}
	}
	switch runtime.GOOS {
	case "darwin":
		if _, err := exec.LookPath("osascript"); err == nil {
			return &execNotifier{build: osascriptArgs}
		}
	case "linux":
		if _, err := exec.LookPath("notify-send"); err == nil {
			return &execNotifier{build: notifySendArgs}
		}
	}
	return noopNotifier{}
}

type noopNotifier struct{}

func (noopNotifier) Notify(context.Context, string, string) {}

// execNotifier shells out to the platform notifier binary.
type execNotifier struct {
	build func(title, body string) (string, []string)
}

func (d *execNotifier) Notify(ctx context.Context, title, body string) {
	name, args := d.build(title, body)

	cctx, cancel := context.WithTimeout(ctx, desktopTimeout)
	defer cancel()
	if err := exec.CommandContext(cctx, name, args...).Run(); err != nil {
		log.Warn(log.CatNotify, "Desktop notification failed", "notifier", name, "error", err)
		return
	}
	log.Debug(log.CatNotify, "Desktop notification sent", "title", title)
}

func osascriptArgs(title, body string) (string, []string) {
	script := fmt.Sprintf("display notification %q with title %q", body, title)
	return "osascript", []string{"-e", script}
}

func notifySendArgs(title, body string) (string, []string) {
	return "notify-send", []string{title, body}
}
