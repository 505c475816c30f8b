package router

import (
	"html"
	"sort"
	"strings"
)

// helpText renders the command list in HTML parse mode. Owner-only commands
// are grouped at the bottom.
func (m *CommandManager) helpText() string {
	m.mu.RLock()
	cmds := make([]Command, 0, len(m.commands))
	for _, c := range m.commands {
		cmds = append(cmds, c)
	}
	m.mu.RUnlock()

	sort.SliceStable(cmds, func(i, j int) bool {
		li, lj := cmds[i].Access == AccessOwnerOnly, cmds[j].Access == AccessOwnerOnly
		if li != lj {
			return !li
		}
		return cmds[i].Name < cmds[j].Name
	})

	lines := []string{"<b>Commands</b>", ""}
	for _, c := range cmds {
		line := "/" + html.EscapeString(c.Name)
		if c.Description != "" {
			line += " - " + html.EscapeString(c.Description)
		}
		if c.Access == AccessOwnerOnly {
			line += " 🔒"
		}
		lines = append(lines, line)
		if c.Usage != "" && c.Usage != "/"+c.Name {
			lines = append(lines, "  <code>"+html.EscapeString(c.Usage)+"</code>")
		}
	}
	return strings.Join(lines, "\n")
}
