package bot

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"
)

// DefaultHandlerTimeout bounds a single command handler execution. A handler
// that overruns is treated the same as a failed handler.
const DefaultHandlerTimeout = 30 * time.Second

// commonPrefixes are alternate command prefixes users frequently try; a
// message starting with one of these (but not the configured prefix) gets a
// corrective notice instead of silence.
var commonPrefixes = []string{"!", "#", "/", "$"}

// Pipeline is the per-message decision sequence for one session's inbound
// events: presence side effects, auto-read, anti-delete capture, prefix and
// authorization gating, and command dispatch. One Pipeline instance is
// shared across sessions; all per-session state arrives with the call.
type Pipeline struct {
	settings       SettingsSource
	cache          *MessageCache
	presence       *PresenceScheduler
	registry       *Registry
	modes          SettingsWriter
	sessions       SessionControl
	logger         *logrus.Logger
	startTime      time.Time
	handlerTimeout time.Duration
}

func NewPipeline(settings SettingsSource, cache *MessageCache, presence *PresenceScheduler, registry *Registry, modes SettingsWriter, logger *logrus.Logger) *Pipeline {
	return &Pipeline{
		settings:       settings,
		cache:          cache,
		presence:       presence,
		registry:       registry,
		modes:          modes,
		logger:         logger,
		startTime:      time.Now(),
		handlerTimeout: DefaultHandlerTimeout,
	}
}

// SetSessionControl wires the session manager in after construction; the
// two reference each other, so the pipeline is built first.
func (p *Pipeline) SetSessionControl(sc SessionControl) {
	p.sessions = sc
}

// SetHandlerTimeout overrides the per-handler execution bound.
func (p *Pipeline) SetHandlerTimeout(d time.Duration) {
	if d > 0 {
		p.handlerTimeout = d
	}
}

// Cache exposes the message cache (the session manager seeds nothing into
// it; tests and diagnostics read it).
func (p *Pipeline) Cache() *MessageCache {
	return p.cache
}

// HandleMessage runs the full decision sequence for one inbound message.
// Failures never propagate to the caller: a broken handler or store answers
// with a notice or silence, never a dead session.
func (p *Pipeline) HandleMessage(ctx context.Context, sock Socket, botJID types.JID, evt *events.Message) {
	if evt == nil || evt.Message == nil {
		return
	}

	chat := evt.Info.Chat
	sender := evt.Info.Sender.ToNonAD()
	isMe := evt.Info.IsFromMe
	isGroup := evt.Info.IsGroup

	owner := botJID.ToNonAD()
	isOwner := sender.User == owner.User

	settings, err := p.settings.GetSettingsByJID(ctx, owner.String())
	if err != nil {
		p.logger.Debugf("Settings fetch failed for %s: %v", owner, err)
		return
	}
	if settings == nil {
		return
	}

	prefix := settings.Prefix
	mode := settings.Mode
	if mode == "" {
		mode = "public"
	}
	sudoSet := settings.SudoSet()
	isSudo := isOwner || sudoSet[sender.String()] || sudoSet[sender.User]

	text := extractText(evt.Message)

	// A disabled bot ignores everything except the owner's enable command.
	if !settings.Enabled {
		if !isOwner || prefix == "" || !strings.HasPrefix(text, prefix) {
			return
		}
		fields := strings.Fields(strings.TrimPrefix(text, prefix))
		if len(fields) == 0 || strings.ToLower(fields[0]) != "on" {
			return
		}
	}

	// Status updates are never command carriers; optionally view them.
	if chat == types.StatusBroadcastJID {
		if !isMe && settings.AutoViewStatus {
			if err := sock.MarkRead(ctx, []types.MessageID{evt.Info.ID}, time.Now(), chat, evt.Info.Sender); err != nil {
				p.logger.Debugf("Failed to view status from %s: %v", sender, err)
			}
		}
		return
	}

	if !isMe {
		switch {
		case settings.AutoRecordingTyping:
			// Detached: the sequence holds each state for several seconds
			// and must not stall this session's event handling.
			go p.presence.CombinedSequence(context.Background(), sock, chat)
		case settings.AutoTyping:
			p.presence.Send(ctx, sock, chat, types.ChatPresenceMediaText)
		case settings.AutoRecording:
			p.presence.Send(ctx, sock, chat, types.ChatPresenceMediaAudio)
		}

		if settings.AutoRead {
			if err := sock.MarkRead(ctx, []types.MessageID{evt.Info.ID}, time.Now(), chat, evt.Info.Sender); err != nil {
				p.logger.Debugf("Failed to mark %s read: %v", evt.Info.ID, err)
			}
		}
	}

	if settings.AntiDelete && hasKnownContent(evt.Message) {
		p.cache.Insert(CachedMessage{
			MessageID: evt.Info.ID,
			Text:      text,
			SenderJID: sender.String(),
			ChatJID:   chat.String(),
			ChatName:  p.resolveChatName(ctx, sock, evt, chat, sender, isGroup),
			IsGroup:   isGroup,
			Timestamp: time.Now(),
		})
	}

	// Empty prefix disables command parsing entirely.
	if prefix == "" {
		return
	}

	if !strings.HasPrefix(text, prefix) {
		if len(text) > 1 && startsWithCommonPrefix(text) && (mode == "public" || isSudo) {
			notice := fmt.Sprintf("Wrong prefix. The set prefix is: %s\nPlease use: %s%s", prefix, prefix, text[1:])
			if err := Reply(ctx, sock, chat, notice); err != nil {
				p.logger.Debugf("Failed to send wrong-prefix notice: %v", err)
			}
		}
		return
	}

	if mode == "private" && !isSudo {
		return
	}
	// Sudo privileges apply in direct messages only, never in groups.
	if isSudo && !isOwner && isGroup {
		return
	}

	fields := strings.Fields(strings.TrimPrefix(text, prefix))
	if len(fields) == 0 {
		return
	}
	name := strings.ToLower(fields[0])
	args := fields[1:]

	cmd := p.registry.Lookup(name)
	if cmd == nil {
		if err := Reply(ctx, sock, chat, fmt.Sprintf("Command %s%s not found. Send %smenu for the command list.", prefix, name, prefix)); err != nil {
			p.logger.Debugf("Failed to send not-found notice: %v", err)
		}
		return
	}
	if cmd.OwnerOnly && !isOwner {
		if err := Reply(ctx, sock, chat, fmt.Sprintf("Command %s%s is restricted to the bot owner.", prefix, name)); err != nil {
			p.logger.Debugf("Failed to send restriction notice: %v", err)
		}
		return
	}

	cc := &CommandContext{
		Socket:    sock,
		Event:     evt,
		Args:      args,
		BotJID:    owner,
		ChatJID:   chat,
		SenderJID: sender,
		Settings:  settings,
		Registry:  p.registry,
		Modes:     p.modes,
		Sessions:  p.sessions,
		StartTime: p.startTime,
	}
	if err := p.runHandler(ctx, cmd, cc); err != nil {
		p.logger.Warnf("Command %s failed for %s: %v", name, sender, err)
		notice := fmt.Sprintf("Failed to run %s%s: %v", prefix, name, err)
		if err := Reply(ctx, sock, chat, notice); err != nil {
			p.logger.Debugf("Failed to send execution-error notice: %v", err)
		}
	}
}

// runHandler executes the command with a bounded deadline and converts
// panics into ordinary errors.
func (p *Pipeline) runHandler(ctx context.Context, cmd *Command, cc *CommandContext) (err error) {
	hctx, cancel := context.WithTimeout(ctx, p.handlerTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return cmd.Handler(hctx, cc)
}

// HandleDeleteUpdates processes a batch of removed-message updates. The
// whole batch is skipped without inspecting entries when anti-delete is
// currently disabled for the session.
func (p *Pipeline) HandleDeleteUpdates(ctx context.Context, sock Socket, botJID types.JID, updates []DeleteUpdate) {
	if len(updates) == 0 {
		return
	}

	settings, err := p.settings.GetSettingsByJID(ctx, botJID.ToNonAD().String())
	if err != nil {
		p.logger.Debugf("Settings fetch failed for delete batch: %v", err)
		return
	}
	if settings == nil || !settings.Enabled || !settings.AntiDelete {
		return
	}

	for _, update := range updates {
		if update.IsStub || update.MessageID == "" {
			continue
		}
		entry, ok := p.cache.Lookup(update.MessageID)
		if !ok {
			continue
		}

		chat, err := types.ParseJID(entry.ChatJID)
		if err != nil {
			p.logger.Warnf("Cached chat JID %s is invalid: %v", entry.ChatJID, err)
			continue
		}

		report := formatDeletedReport(entry, update.ActorJID)
		msg := &waE2E.Message{
			ExtendedTextMessage: &waE2E.ExtendedTextMessage{
				Text: proto.String(report),
				ContextInfo: &waE2E.ContextInfo{
					MentionedJID: []string{entry.SenderJID},
				},
			},
		}
		if _, err := sock.SendMessage(ctx, chat, msg); err != nil {
			p.logger.Errorf("Failed to send deleted-message report to %s: %v", chat, err)
		}
	}
}

func formatDeletedReport(entry CachedMessage, actor types.JID) string {
	var sb strings.Builder
	sb.WriteString("Deleted message detected\n")
	fmt.Fprintf(&sb, "Sender: @%s\n", bareUser(entry.SenderJID))
	if actor.User != "" && bareUser(actor.String()) != bareUser(entry.SenderJID) {
		fmt.Fprintf(&sb, "Deleted by: @%s\n", actor.User)
	}
	fmt.Fprintf(&sb, "Time: %s\n", entry.Timestamp.Format("15:04:05"))
	if entry.ChatName != "" {
		fmt.Fprintf(&sb, "Chat: %s\n", entry.ChatName)
	}
	fmt.Fprintf(&sb, "Message: %s", entry.Text)
	return sb.String()
}

// resolveChatName finds a human-readable chat label: group subject, then
// the sender's push name, then the bare sender number.
func (p *Pipeline) resolveChatName(ctx context.Context, sock Socket, evt *events.Message, chat, sender types.JID, isGroup bool) string {
	if isGroup {
		if info, err := sock.GetGroupInfo(ctx, chat); err == nil && info.Name != "" {
			return info.Name
		}
	}
	if evt.Info.PushName != "" {
		return evt.Info.PushName
	}
	return sender.User
}

func bareUser(jid string) string {
	if idx := strings.Index(jid, "@"); idx >= 0 {
		return jid[:idx]
	}
	return jid
}

func startsWithCommonPrefix(text string) bool {
	for _, prefix := range commonPrefixes {
		if strings.HasPrefix(text, prefix) {
			return true
		}
	}
	return false
}

// extractText pulls the best-effort text body from a message: plain
// conversation, extended text, then image or video caption.
func extractText(msg *waE2E.Message) string {
	switch {
	case msg.GetConversation() != "":
		return msg.GetConversation()
	case msg.GetExtendedTextMessage().GetText() != "":
		return msg.GetExtendedTextMessage().GetText()
	case msg.GetImageMessage().GetCaption() != "":
		return msg.GetImageMessage().GetCaption()
	case msg.GetVideoMessage().GetCaption() != "":
		return msg.GetVideoMessage().GetCaption()
	}
	return ""
}

// hasKnownContent reports whether the message carries a content type worth
// capturing for anti-delete.
func hasKnownContent(msg *waE2E.Message) bool {
	switch {
	case msg.Conversation != nil && *msg.Conversation != "":
		return true
	case msg.ExtendedTextMessage != nil,
		msg.ImageMessage != nil,
		msg.VideoMessage != nil,
		msg.AudioMessage != nil,
		msg.DocumentMessage != nil,
		msg.StickerMessage != nil,
		msg.LocationMessage != nil,
		msg.ContactMessage != nil:
		return true
	}
	return false
}

// Reply sends a forwarded-tagged text message to a chat, awaiting the send.
func Reply(ctx context.Context, sock Socket, chat types.JID, text string) error {
	msg := &waE2E.Message{
		ExtendedTextMessage: &waE2E.ExtendedTextMessage{
			Text: proto.String(text),
			ContextInfo: &waE2E.ContextInfo{
				IsForwarded:     proto.Bool(true),
				ForwardingScore: proto.Uint32(999),
			},
		},
	}
	if _, err := sock.SendMessage(ctx, chat, msg); err != nil {
		return fmt.Errorf("failed to send reply: %w", err)
	}
	return nil
}
