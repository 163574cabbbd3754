package bot

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// BuiltinCommands returns the default command set.
func BuiltinCommands() []Command {
	return []Command{
		{Name: "menu", Category: "Bot", Handler: handleMenu},
		{Name: "ping", Category: "Bot", Handler: handlePing},
		{Name: "speed", Category: "Bot", Handler: handleSpeed},
		{Name: "uptime", Category: "Bot", Handler: handleUptime},
		{Name: "public", Category: "Bot", OwnerOnly: true, Handler: handlePublic},
		{Name: "private", Category: "Bot", OwnerOnly: true, Handler: handlePrivate},
		{Name: "on", Category: "Bot", OwnerOnly: true, Handler: handleEnable},
		{Name: "off", Category: "Bot", OwnerOnly: true, Handler: handleDisable},
		{Name: "restart", Category: "Bot", OwnerOnly: true, Handler: handleRestart},
	}
}

func handleMenu(ctx context.Context, cc *CommandContext) error {
	var sb strings.Builder
	sb.WriteString("Available commands:\n")
	category := ""
	for _, cmd := range cc.Registry.Commands() {
		if cmd.Category != category {
			category = cmd.Category
			fmt.Fprintf(&sb, "\n[%s]\n", category)
		}
		suffix := ""
		if cmd.OwnerOnly {
			suffix = " (owner)"
		}
		fmt.Fprintf(&sb, "  %s%s%s\n", cc.Settings.Prefix, cmd.Name, suffix)
	}
	fmt.Fprintf(&sb, "\nMode: %s | Prefix: %s | Uptime: %s",
		cc.Settings.Mode, cc.Settings.Prefix, uptimeString(cc.StartTime))
	return cc.Reply(ctx, sb.String())
}

func handlePing(ctx context.Context, cc *CommandContext) error {
	return cc.Reply(ctx, "Pong!")
}

func handleSpeed(ctx context.Context, cc *CommandContext) error {
	start := time.Now()
	if err := cc.Reply(ctx, "Processing speed check..."); err != nil {
		return err
	}
	return cc.Reply(ctx, fmt.Sprintf("Speed: %dms", time.Since(start).Milliseconds()))
}

func handleUptime(ctx context.Context, cc *CommandContext) error {
	return cc.Reply(ctx, "Uptime: "+uptimeString(cc.StartTime))
}

func handlePublic(ctx context.Context, cc *CommandContext) error {
	if err := cc.Modes.SetMode(ctx, cc.BotJID.String(), "public"); err != nil {
		return fmt.Errorf("failed to update mode: %w", err)
	}
	return cc.Reply(ctx, "Bot is now in public mode. Anyone can use the commands.")
}

func handlePrivate(ctx context.Context, cc *CommandContext) error {
	if err := cc.Modes.SetMode(ctx, cc.BotJID.String(), "private"); err != nil {
		return fmt.Errorf("failed to update mode: %w", err)
	}
	return cc.Reply(ctx, "Bot is now in private mode. Only the owner and sudo users can use commands.")
}

func handleEnable(ctx context.Context, cc *CommandContext) error {
	if err := cc.Modes.SetEnabled(ctx, cc.BotJID.String(), true); err != nil {
		return fmt.Errorf("failed to enable bot: %w", err)
	}
	return cc.Reply(ctx, "Bot enabled.")
}

func handleDisable(ctx context.Context, cc *CommandContext) error {
	if err := cc.Modes.SetEnabled(ctx, cc.BotJID.String(), false); err != nil {
		return fmt.Errorf("failed to disable bot: %w", err)
	}
	return cc.Reply(ctx, fmt.Sprintf("Bot disabled. Send %son to enable it again.", cc.Settings.Prefix))
}

func handleRestart(ctx context.Context, cc *CommandContext) error {
	if cc.Sessions == nil {
		return cc.Reply(ctx, "Restart is not available.")
	}
	if err := cc.Reply(ctx, "Restarting session..."); err != nil {
		return err
	}
	return cc.Sessions.RestartSession(ctx, cc.BotJID.User)
}

func uptimeString(start time.Time) string {
	diff := time.Since(start)
	days := int(diff.Hours()) / 24
	hours := int(diff.Hours()) % 24
	minutes := int(diff.Minutes()) % 60
	seconds := int(diff.Seconds()) % 60

	var sb strings.Builder
	if days > 0 {
		fmt.Fprintf(&sb, "%dD ", days)
	}
	if hours > 0 {
		fmt.Fprintf(&sb, "%dH ", hours)
	}
	if minutes > 0 {
		fmt.Fprintf(&sb, "%dM ", minutes)
	}
	fmt.Fprintf(&sb, "%dS", seconds)
	return sb.String()
}
