package bot

import (
	"context"
	"strings"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
)

// Settings is one user's bot configuration row. It is re-read from the
// settings store on every dispatched message, never cached in the pipeline,
// so changes made through the web UI apply mid-session.
type Settings struct {
	Enabled             bool   `json:"enabled"`
	AutoRead            bool   `json:"autoread"`
	AutoViewStatus      bool   `json:"autoviewstatus"`
	AutoRecordingTyping bool   `json:"autorecordingtyping"`
	AutoTyping          bool   `json:"auto_typing"`
	AutoRecording       bool   `json:"auto_recording"`
	AntiDelete          bool   `json:"anti_delete"`
	AlwaysOnline        bool   `json:"always_online"`
	Mode                string `json:"mode"`
	Prefix              string `json:"prefix"`
	SudoNumbers         string `json:"sudo_numbers"`
}

// SudoSet splits the comma-separated sudo list into a lookup set.
func (s *Settings) SudoSet() map[string]bool {
	set := make(map[string]bool)
	for _, entry := range strings.Split(s.SudoNumbers, ",") {
		entry = strings.TrimSpace(entry)
		if entry != "" {
			set[entry] = true
		}
	}
	return set
}

// SettingsSource provides the per-message settings lookup.
type SettingsSource interface {
	GetSettingsByJID(ctx context.Context, jid string) (*Settings, error)
}

// SettingsWriter is the slice of the settings store the state-changing
// commands (public, private, on, off) write through.
type SettingsWriter interface {
	SetMode(ctx context.Context, jid string, mode string) error
	SetEnabled(ctx context.Context, jid string, enabled bool) error
}

// SessionControl lets commands act on their own session's lifecycle.
type SessionControl interface {
	RestartSession(ctx context.Context, identity string) error
}

// Socket is the connection surface the pipeline borrows for a single
// message-handling invocation. *whatsmeow.Client satisfies it directly;
// tests substitute a recording fake.
type Socket interface {
	SendMessage(ctx context.Context, to types.JID, message *waE2E.Message, extra ...whatsmeow.SendRequestExtra) (whatsmeow.SendResponse, error)
	MarkRead(ctx context.Context, ids []types.MessageID, timestamp time.Time, chat, sender types.JID, receiptTypeExtra ...types.ReceiptType) error
	SendChatPresence(ctx context.Context, jid types.JID, state types.ChatPresence, media types.ChatPresenceMedia) error
	GetGroupInfo(ctx context.Context, jid types.JID) (*types.GroupInfo, error)
}

// CachedMessage is one anti-delete capture.
type CachedMessage struct {
	MessageID string    `json:"message_id"`
	Text      string    `json:"message_text"`
	SenderJID string    `json:"sender_jid"`
	ChatJID   string    `json:"chat_jid"`
	ChatName  string    `json:"chat_name"`
	IsGroup   bool      `json:"is_group"`
	Timestamp time.Time `json:"timestamp"`
}

// DeleteUpdate reports one message whose content was removed. Stub updates
// (synthetic group-membership events with no real key) are skipped by the
// pipeline without a cache lookup.
type DeleteUpdate struct {
	MessageID string
	ActorJID  types.JID
	IsStub    bool
}
