package bot

import (
	"context"
	"sync"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
)

type sentMessage struct {
	Chat types.JID
	Msg  *waE2E.Message
}

type presenceCall struct {
	Chat  types.JID
	State types.ChatPresence
	Media types.ChatPresenceMedia
}

type readCall struct {
	IDs  []types.MessageID
	Chat types.JID
}

// fakeSocket records every outbound call for assertions.
type fakeSocket struct {
	mu        sync.Mutex
	sent      []sentMessage
	reads     []readCall
	presences []presenceCall
	groupName string
	sendErr   error
}

func (f *fakeSocket) SendMessage(ctx context.Context, to types.JID, message *waE2E.Message, extra ...whatsmeow.SendRequestExtra) (whatsmeow.SendResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return whatsmeow.SendResponse{}, f.sendErr
	}
	f.sent = append(f.sent, sentMessage{Chat: to, Msg: message})
	return whatsmeow.SendResponse{ID: "sent", Timestamp: time.Now()}, nil
}

func (f *fakeSocket) MarkRead(ctx context.Context, ids []types.MessageID, timestamp time.Time, chat, sender types.JID, receiptTypeExtra ...types.ReceiptType) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads = append(f.reads, readCall{IDs: ids, Chat: chat})
	return nil
}

func (f *fakeSocket) SendChatPresence(ctx context.Context, jid types.JID, state types.ChatPresence, media types.ChatPresenceMedia) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.presences = append(f.presences, presenceCall{Chat: jid, State: state, Media: media})
	return nil
}

func (f *fakeSocket) GetGroupInfo(ctx context.Context, jid types.JID) (*types.GroupInfo, error) {
	info := &types.GroupInfo{}
	info.Name = f.groupName
	return info, nil
}

func (f *fakeSocket) sentMessages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentMessage, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeSocket) sentTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, s := range f.sent {
		out = append(out, s.Msg.GetExtendedTextMessage().GetText())
	}
	return out
}

func (f *fakeSocket) readCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reads)
}

func (f *fakeSocket) presenceCalls() []presenceCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]presenceCall, len(f.presences))
	copy(out, f.presences)
	return out
}

// fakeSettings serves one settings value and counts fetches.
type fakeSettings struct {
	mu       sync.Mutex
	settings *Settings
	err      error
	calls    int
}

func (f *fakeSettings) GetSettingsByJID(ctx context.Context, jid string) (*Settings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if f.settings == nil {
		return nil, nil
	}
	cp := *f.settings
	return &cp, nil
}

func (f *fakeSettings) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeSettings) set(s Settings) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settings = &s
}

// fakeModes records mode switches and enable toggles.
type fakeModes struct {
	mu      sync.Mutex
	modes   []string
	toggles []bool
}

func (f *fakeModes) SetMode(ctx context.Context, jid string, mode string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.modes = append(f.modes, mode)
	return nil
}

func (f *fakeModes) SetEnabled(ctx context.Context, jid string, enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.toggles = append(f.toggles, enabled)
	return nil
}

// fakeSessions records restart requests.
type fakeSessions struct {
	mu       sync.Mutex
	restarts []string
}

func (f *fakeSessions) RestartSession(ctx context.Context, identity string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarts = append(f.restarts, identity)
	return nil
}
