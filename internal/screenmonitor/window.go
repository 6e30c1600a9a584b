package screenmonitor

import (
	"bytes"
	"context"
	"os/exec"
	"runtime"
	"strings"
	"time"
)

// ActiveWindowProvider reports the foreground application name and window
// title. Platform window-focus APIs have no portable Go binding in this
// codebase's dependency set, so the default implementation shells out to a
// per-OS helper and degrades to an empty result rather than failing the
// tick (spec §4.4 only needs "changed or not", a provider that occasionally
// returns "" just causes a title-changed capture on the next real read).
type ActiveWindowProvider interface {
	ActiveWindow(ctx context.Context) (appName, windowTitle string, err error)
}

// IdleProvider reports how long the user has been idle. Real idle detection
// needs platform-specific input-hook APIs outside this module's dependency
// set; DefaultIdleProvider always reports zero idle time, making the
// idle-skip branch a no-op unless a real provider is substituted.
type IdleProvider interface {
	IdleDuration(ctx context.Context) (time.Duration, error)
}

// OSWindowProvider shells out to a per-OS CLI helper to discover the
// foreground window. Each command is best-effort: a missing helper binary or
// a denied permission simply yields an empty result.
type OSWindowProvider struct{}

// NewOSWindowProvider builds the default, best-effort window provider.
func NewOSWindowProvider() *OSWindowProvider { return &OSWindowProvider{} }

func (p *OSWindowProvider) ActiveWindow(ctx context.Context) (string, string, error) {
	switch runtime.GOOS {
	case "darwin":
		return p.darwinActiveWindow(ctx)
	case "linux":
		return p.linuxActiveWindow(ctx)
	default:
		return "", "", nil
	}
}

func (p *OSWindowProvider) darwinActiveWindow(ctx context.Context) (string, string, error) {
	script := `
tell application "System Events"
	set frontApp to name of first application process whose frontmost is true
end tell
tell application frontApp
	try
		set winTitle to name of front window
	on error
		set winTitle to ""
	end try
end tell
return frontApp & "||" & winTitle`

	out, err := runCommand(ctx, "osascript", "-e", script)
	if err != nil {
		return "", "", nil //nolint:nilerr // best-effort: degrade, don't fail the tick
	}
	parts := strings.SplitN(strings.TrimSpace(out), "||", 2)
	app := parts[0]
	title := ""
	if len(parts) > 1 {
		title = parts[1]
	}
	return app, title, nil
}

func (p *OSWindowProvider) linuxActiveWindow(ctx context.Context) (string, string, error) {
	idOut, err := runCommand(ctx, "xdotool", "getactivewindow")
	if err != nil {
		return "", "", nil //nolint:nilerr
	}
	winID := strings.TrimSpace(idOut)
	if winID == "" {
		return "", "", nil
	}

	title, _ := runCommand(ctx, "xdotool", "getwindowname", winID)
	appName, _ := runCommand(ctx, "xdotool", "getwindowclassname", winID)
	return strings.TrimSpace(appName), strings.TrimSpace(title), nil
}

func runCommand(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return "", err
	}
	return out.String(), nil
}

// DefaultIdleProvider never reports idle time; substitute a real
// implementation to honor SCREEN_CAPTURE_IDLE_TIMEOUT against actual input
// activity.
type DefaultIdleProvider struct{}

func (DefaultIdleProvider) IdleDuration(ctx context.Context) (time.Duration, error) {
	return 0, nil
}
