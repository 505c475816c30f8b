package tasks

import (
	"fmt"
	"strings"
	"time"
)

const icsStamp = "20060102T150405Z"

// Calendar renders the task as a single-event iCalendar document. The event
// starts at the reminder and carries a display alarm at the same instant.
func (s *Store) Calendar(id string) ([]byte, error) {
	t, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if t.Reminder == nil {
		return nil, fmt.Errorf("%s: %w", id, ErrNoReminder)
	}
	return renderICS(t, s.now()), nil
}

func renderICS(t Task, now time.Time) []byte {
	start := t.Reminder.UTC()
	var b strings.Builder
	line := func(s string) { b.WriteString(s + "\r\n") }

	line("BEGIN:VCALENDAR")
	line("VERSION:2.0")
	line("PRODID:-//taskbell//reminders//EN")
	line("CALSCALE:GREGORIAN")
	line("BEGIN:VEVENT")
	line("UID:" + t.ID + "@taskbell")
	line("DTSTAMP:" + now.UTC().Format(icsStamp))
	line("DTSTART:" + start.Format(icsStamp))
	line("DTEND:" + start.Add(30*time.Minute).Format(icsStamp))
	line("SUMMARY:" + icsEscape(t.Title))
	if t.Location != "" {
		line("LOCATION:" + icsEscape(t.Location))
	}
	if t.Priority == PriorityHigh {
		line("PRIORITY:1")
	}
	line("BEGIN:VALARM")
	line("ACTION:DISPLAY")
	line("TRIGGER:PT0M")
	line("DESCRIPTION:" + icsEscape("Reminder: "+t.Title))
	line("END:VALARM")
	line("END:VEVENT")
	line("END:VCALENDAR")
	return []byte(b.String())
}

var icsReplacer = strings.NewReplacer(
	`\`, `\\`,
	";", `\;`,
	",", `\,`,
	"\r\n", `\n`,
	"\n", `\n`,
)

func icsEscape(s string) string { return icsReplacer.Replace(s) }
