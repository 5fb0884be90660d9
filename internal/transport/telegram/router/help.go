package router

import (
	"strings"

	"alertrelay/pkg/tgui"
)

// helpMessage renders the command list, or one command's details when args
// names a command. Owner-only commands are listed for owners only.
func (m *CommandManager) helpMessage(args []string, owner bool) tgui.Message {
	if len(args) > 0 {
		word := sanitizeTelegramCommand(strings.TrimPrefix(args[0], "/"))
		if c, ok := m.lookup(word); ok {
			return commandHelp(*c)
		}
		return tgui.New().
			Title("❓", "Unknown command").
			Line("Type /help to see the command list.").
			Build()
	}

	b := tgui.New().Title("📚", "Commands").Line("Type /help <command> for details.").Blank()
	var locked []Command
	for _, c := range m.commandList() {
		if c.Access == AccessOwnerOnly {
			locked = append(locked, c)
			continue
		}
		b.RawLine(commandLine(c, false))
	}
	if owner && len(locked) > 0 {
		b.Blank()
		for _, c := range locked {
			b.RawLine(commandLine(c, true))
		}
	}
	return b.Build()
}

func commandLine(c Command, lock bool) tgui.H {
	prefix := "• "
	if lock {
		prefix = "• 🔒 "
	}
	line := tgui.H(prefix) + tgui.Code("/"+c.Name)
	if d := strings.TrimSpace(c.Description); d != "" {
		line += " - " + tgui.Esc(d)
	}
	return line
}

func commandHelp(c Command) tgui.Message {
	b := tgui.New().Title("📚", "/"+c.Name)
	if d := strings.TrimSpace(c.Description); d != "" {
		b.Line(d)
	}
	if c.Access == AccessOwnerOnly {
		b.RawLine("🔒 " + tgui.I("Owner only"))
	}
	if u := strings.TrimSpace(c.Usage); u != "" {
		b.Blank().RawLine(tgui.B("Usage")).RawLine(tgui.Code(u))
	}
	if len(c.Aliases) > 0 {
		aliases := make([]tgui.H, 0, len(c.Aliases))
		for _, a := range c.Aliases {
			aliases = append(aliases, tgui.Code("/"+a))
		}
		b.Blank().RawLine(tgui.B("Aliases") + " " + tgui.JoinH(", ", aliases...))
	}
	return b.Build()
}
