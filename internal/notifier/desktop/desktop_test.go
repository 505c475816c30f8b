package desktop

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"taskbell/internal/notifier"
)

func TestEscapeAppleScript(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"hello", "hello"},
		{`say "hello"`, `say \"hello\"`},
		{`path\to\file`, `path\\to\\file`},
		{"", ""},
	}
	for _, tt := range tests {
		if got := escapeAppleScript(tt.input); got != tt.want {
			t.Errorf("escapeAppleScript(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func fakeSink(goos string, env map[string]string, have ...string) *Sink {
	s := New(Config{})
	s.goos = goos
	s.getenv = func(k string) string { return env[k] }
	s.lookPath = func(name string) (string, error) {
		for _, h := range have {
			if h == name {
				return "/usr/bin/" + name, nil
			}
		}
		return "", errors.New("not found")
	}
	return s
}

func TestPermission(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		sink *Sink
		want notifier.Permission
	}{
		{"linux with display", fakeSink("linux", map[string]string{"DISPLAY": ":0"}, "notify-send"), notifier.PermissionGranted},
		{"linux headless", fakeSink("linux", nil, "notify-send"), notifier.PermissionDenied},
		{"linux no binary", fakeSink("linux", map[string]string{"DISPLAY": ":0"}), notifier.PermissionDenied},
		{"darwin", fakeSink("darwin", nil, "osascript"), notifier.PermissionGranted},
		{"windows", fakeSink("windows", nil), notifier.PermissionDenied},
	}
	for _, tc := range tests {
		got, err := tc.sink.Permission(context.Background())
		if err != nil || got != tc.want {
			t.Fatalf("%s: got %v,%v want %v", tc.name, got, err, tc.want)
		}
	}
}

func TestSendBuildsCommand(t *testing.T) {
	t.Parallel()
	var gotName string
	var gotArgs []string
	s := fakeSink("linux", nil)
	s.run = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		gotName, gotArgs = name, args
		return nil, nil
	}
	err := s.Send(context.Background(), notifier.Notification{Title: "Reminder: Pay rent", Body: "Due: now", Priority: 7})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"-a", "taskbell", "-u", "critical", "Reminder: Pay rent", "Due: now"}
	if gotName != "notify-send" || !reflect.DeepEqual(gotArgs, want) {
		t.Fatalf("got %s %v", gotName, gotArgs)
	}

	s.goos = "darwin"
	_ = s.Send(context.Background(), notifier.Notification{Title: `a "b"`, Body: "c"})
	if gotName != "osascript" || gotArgs[1] != `display notification "c" with title "a \"b\"" sound name "default"` {
		t.Fatalf("got %s %v", gotName, gotArgs)
	}

	s.goos = "plan9"
	if err := s.Send(context.Background(), notifier.Notification{}); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("err=%v", err)
	}
}
