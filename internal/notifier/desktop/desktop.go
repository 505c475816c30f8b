// Package desktop shows notifications on the local desktop: notify-send on
// Linux, osascript on macOS.
package desktop

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"

	"taskbell/internal/notifier"
)

var ErrUnsupported = errors.New("desktop notifications unsupported on this platform")

type Config struct {
	AppName string
}

type Sink struct {
	appName  string
	goos     string
	getenv   func(string) string
	lookPath func(string) (string, error)
	run      func(ctx context.Context, name string, args ...string) ([]byte, error)
}

func New(cfg Config) *Sink {
	app := strings.TrimSpace(cfg.AppName)
	if app == "" {
		app = "taskbell"
	}
	return &Sink{
		appName:  app,
		goos:     runtime.GOOS,
		getenv:   os.Getenv,
		lookPath: exec.LookPath,
		run: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, name, args...).CombinedOutput()
		},
	}
}

func (s *Sink) Name() string { return "desktop" }

// Permission is granted when the platform notifier exists and, on Linux, a
// graphical session is reachable.
func (s *Sink) Permission(ctx context.Context) (notifier.Permission, error) {
	if err := ctx.Err(); err != nil {
		return notifier.PermissionUnknown, err
	}
	switch s.goos {
	case "linux", "freebsd", "openbsd":
		if _, err := s.lookPath("notify-send"); err != nil {
			return notifier.PermissionDenied, nil
		}
		if s.getenv("DISPLAY") == "" && s.getenv("WAYLAND_DISPLAY") == "" && s.getenv("DBUS_SESSION_BUS_ADDRESS") == "" {
			return notifier.PermissionDenied, nil
		}
		return notifier.PermissionGranted, nil
	case "darwin":
		if _, err := s.lookPath("osascript"); err != nil {
			return notifier.PermissionDenied, nil
		}
		return notifier.PermissionGranted, nil
	default:
		return notifier.PermissionDenied, nil
	}
}

func (s *Sink) Send(ctx context.Context, n notifier.Notification) error {
	name, args, err := s.command(n)
	if err != nil {
		return err
	}
	if out, err := s.run(ctx, name, args...); err != nil {
		return fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (s *Sink) command(n notifier.Notification) (string, []string, error) {
	switch s.goos {
	case "linux", "freebsd", "openbsd":
		urgency := "normal"
		if n.Priority >= 7 {
			urgency = "critical"
		}
		return "notify-send", []string{"-a", s.appName, "-u", urgency, n.Title, n.Body}, nil
	case "darwin":
		script := `display notification "` + escapeAppleScript(n.Body) + `" with title "` + escapeAppleScript(n.Title) + `" sound name "default"`
		return "osascript", []string{"-e", script}, nil
	default:
		return "", nil, ErrUnsupported
	}
}

func escapeAppleScript(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}
