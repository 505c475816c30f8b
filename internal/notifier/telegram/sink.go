// Package telegram delivers notifications as chat messages with inline
// Dismiss and Done buttons.
package telegram

import (
	"context"
	"errors"
	"html"
	"sync"

	"taskbell/internal/notifier"
	kit "taskbell/internal/transport"
	"taskbell/internal/transport/telegram/router"
)

var ErrNoChat = errors.New("telegram notification chat is not configured")

// Sender is the part of the transport adapter the sink needs.
type Sender interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
}

type Sink struct {
	sender Sender

	mu     sync.RWMutex
	target kit.ChatTarget
}

func New(sender Sender, target kit.ChatTarget) *Sink {
	return &Sink{sender: sender, target: target}
}

func (s *Sink) Name() string { return "telegram" }

// SetTarget changes the destination chat. It reports whether it changed.
func (s *Sink) SetTarget(t kit.ChatTarget) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.target == t {
		return false
	}
	s.target = t
	return true
}

func (s *Sink) Target() kit.ChatTarget {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.target
}

// Permission is granted when a chat is configured.
func (s *Sink) Permission(ctx context.Context) (notifier.Permission, error) {
	if err := ctx.Err(); err != nil {
		return notifier.PermissionUnknown, err
	}
	if s.sender == nil || s.Target().IsZero() {
		return notifier.PermissionDenied, nil
	}
	return notifier.PermissionGranted, nil
}

func (s *Sink) Send(ctx context.Context, n notifier.Notification) error {
	to := s.Target()
	if to.IsZero() {
		return ErrNoChat
	}
	text := "<b>" + html.EscapeString(n.Title) + "</b>"
	if n.Body != "" {
		text += "\n" + html.EscapeString(n.Body)
	}
	if n.Title == "" {
		text = html.EscapeString(n.Body)
	}
	opt := &kit.SendOptions{ParseMode: "HTML", DisablePreview: true}
	if n.TaskID != "" {
		opt.Buttons = router.ReminderButtons(n.TaskID)
	}
	_, err := s.sender.SendText(ctx, to, text, opt)
	return err
}
