package bot

import (
	"context"
	"strings"
	"time"

	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
)

// HandlerFunc executes one command invocation.
type HandlerFunc func(ctx context.Context, cc *CommandContext) error

// Command describes one registered command.
type Command struct {
	Name      string
	Category  string
	OwnerOnly bool
	Handler   HandlerFunc
}

// CommandContext carries everything a handler may need for one invocation.
type CommandContext struct {
	Socket    Socket
	Event     *events.Message
	Args      []string
	BotJID    types.JID
	ChatJID   types.JID
	SenderJID types.JID
	Settings  *Settings
	Registry  *Registry
	Modes     SettingsWriter
	Sessions  SessionControl
	StartTime time.Time
}

// Reply sends a forwarded-tagged text response to the invoking chat.
func (cc *CommandContext) Reply(ctx context.Context, text string) error {
	return Reply(ctx, cc.Socket, cc.ChatJID, text)
}

// Registry is the static, loaded-once command table. Lookup is
// case-insensitive; names must be unique.
type Registry struct {
	commands []Command
	byName   map[string]*Command
}

func NewRegistry(commands ...Command) *Registry {
	r := &Registry{
		commands: commands,
		byName:   make(map[string]*Command, len(commands)),
	}
	for i := range r.commands {
		r.byName[strings.ToLower(r.commands[i].Name)] = &r.commands[i]
	}
	return r
}

// Lookup resolves a command by name, or nil when unknown.
func (r *Registry) Lookup(name string) *Command {
	return r.byName[strings.ToLower(name)]
}

// Commands returns the registered commands in registration order.
func (r *Registry) Commands() []Command {
	return r.commands
}
