package gateway

import (
	"context"
	"encoding/base64"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/skip2/go-qrcode"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waCompanionReg"
	"go.mau.fi/whatsmeow/proto/waE2E"
	wastore "go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"

	"whatsapp-gateway/src/go/bot"
	"whatsapp-gateway/src/go/config"
	"whatsapp-gateway/src/go/store"
)

const pairingWaitTimeout = 30 * time.Second

// Manager owns every WhatsApp session in the process: it authenticates new
// identities, keeps live sockets keyed by normalized phone number, routes
// their messages into the shared dispatch pipeline, and reconnects dropped
// sessions with jittered delays.
type Manager struct {
	mu        sync.Mutex
	container *sqlstore.Container
	store     *store.Store
	pipeline  *bot.Pipeline
	logger    *logrus.Logger

	active  map[string]*Session
	pending map[string]*PendingAuth

	events   chan Event
	shutdown bool

	reconnectDelay    time.Duration
	pairingRetryDelay time.Duration
}

// NewManager opens the whatsmeow credential container and prepares an empty
// session table. Sessions are started explicitly afterwards.
func NewManager(cfg config.GatewayConfig, sessionsPath string, settingsStore *store.Store, pipeline *bot.Pipeline, logger *logrus.Logger) (*Manager, error) {
	// Present linked devices as WhatsApp Web on Chrome
	wastore.DeviceProps.PlatformType = waCompanionReg.DeviceProps_CHROME.Enum()

	dbDir := filepath.Dir(sessionsPath)
	if dbDir != "" && dbDir != "." {
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dbLog := waLog.Stdout("Database", "WARN", true)
	ctx := context.Background()
	container, err := sqlstore.New(ctx, "sqlite", "file:"+sessionsPath+"?_pragma=foreign_keys(1)&_journal_mode=WAL&_busy_timeout=30000&cache=shared", dbLog)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize session database: %w", err)
	}

	m := &Manager{
		container:         container,
		store:             settingsStore,
		pipeline:          pipeline,
		logger:            logger,
		active:            make(map[string]*Session),
		pending:           make(map[string]*PendingAuth),
		events:            make(chan Event, 100),
		reconnectDelay:    time.Duration(cfg.ReconnectDelayMs) * time.Millisecond,
		pairingRetryDelay: time.Duration(cfg.PairingRetryDelayMs) * time.Millisecond,
	}
	pipeline.SetSessionControl(m)
	return m, nil
}

// NormalizeIdentity reduces any phone-number spelling to bare digits.
func NormalizeIdentity(raw string) string {
	var sb strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

// GetEventChannel returns the channel WebSocket clients forward from.
func (m *Manager) GetEventChannel() <-chan Event {
	return m.events
}

func (m *Manager) safeEventSend(event Event) {
	m.mu.Lock()
	down := m.shutdown
	m.mu.Unlock()
	if down {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			m.logger.Errorf("Event send panic recovered: %v", r)
		}
	}()

	select {
	case m.events <- event:
	default:
		m.logger.Warn("Events channel blocked, skipping event")
	}
}

// deviceForIdentity finds the stored device whose account matches the
// identity, or registers a fresh one for first-time pairing.
func (m *Manager) deviceForIdentity(ctx context.Context, identity string) (*wastore.Device, error) {
	devices, err := m.container.GetAllDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	for _, d := range devices {
		if d.ID != nil && d.ID.User == identity {
			return d, nil
		}
	}
	return m.container.NewDevice(), nil
}

// StartSession connects the identity's WhatsApp account. With stored
// credentials it resumes directly; otherwise it begins a QR handshake, or a
// pairing-code handshake when usePairingCode is set. Progress is observable
// through PollSession. Starting an already-open session is rejected;
// starting one that is still connecting is a no-op.
func (m *Manager) StartSession(ctx context.Context, rawIdentity string, usePairingCode bool) error {
	identity := NormalizeIdentity(rawIdentity)
	if identity == "" {
		return fmt.Errorf("failed to start session: empty identity")
	}

	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return fmt.Errorf("failed to start session: manager is shut down")
	}
	if existing, ok := m.active[identity]; ok {
		m.mu.Unlock()
		if existing.Open {
			return ErrSessionActive
		}
		return nil
	}
	session := &Session{Identity: identity, started: time.Now()}
	m.active[identity] = session
	m.pending[identity] = &PendingAuth{
		Identity:  identity,
		Status:    StatusConnecting,
		UpdatedAt: time.Now(),
	}
	m.mu.Unlock()

	device, err := m.deviceForIdentity(ctx, identity)
	if err != nil {
		m.failSession(identity, err)
		return err
	}

	clientLog := waLog.Stdout("Session/"+identity, "WARN", true)
	client := whatsmeow.NewClient(device, clientLog)
	// Reconnection stays under the manager's control so the settings store
	// and session table track every transition.
	client.EnableAutoReconnect = false
	client.AddEventHandler(func(evt interface{}) {
		m.handleSessionEvent(session, client, evt)
	})
	session.Client = client

	needsAuth := client.Store.ID == nil
	if needsAuth && !usePairingCode {
		qrChan, err := client.GetQRChannel(context.Background())
		if err != nil {
			m.failSession(identity, err)
			return fmt.Errorf("failed to open QR channel: %w", err)
		}
		go m.consumeQRChannel(identity, qrChan)
	}

	if err := client.Connect(); err != nil {
		m.failSession(identity, err)
		return fmt.Errorf("failed to connect: %w", err)
	}

	if needsAuth && usePairingCode {
		go m.requestPairingCode(identity, client)
	}

	m.logger.Infof("Session %s starting (stored credentials: %v)", identity, !needsAuth)
	return nil
}

// consumeQRChannel renders each QR code as an inline PNG for the web UI.
func (m *Manager) consumeQRChannel(identity string, qrChan <-chan whatsmeow.QRChannelItem) {
	for evt := range qrChan {
		switch evt.Event {
		case "code":
			png, err := qrcode.Encode(evt.Code, qrcode.Medium, 256)
			if err != nil {
				m.logger.Errorf("Failed to render QR code for %s: %v", identity, err)
				continue
			}
			dataURL := "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)
			m.setPending(identity, func(p *PendingAuth) {
				p.Status = StatusScanQR
				p.QRCode = dataURL
				p.PairingCode = ""
			})
			m.safeEventSend(Event{
				Type: "qr_code",
				Data: map[string]interface{}{"identity": identity},
				Time: time.Now(),
			})
		case "success":
			m.logger.Infof("QR pairing for %s succeeded", identity)
			return
		case "timeout":
			m.logger.Warnf("QR pairing for %s timed out", identity)
			// Release the identity so a fresh start can be requested.
			m.mu.Lock()
			delete(m.active, identity)
			m.mu.Unlock()
			m.setPending(identity, func(p *PendingAuth) {
				p.Status = StatusFailed
				p.Message = "QR code expired. Request a new session."
			})
			return
		default:
			m.logger.Debugf("QR event for %s: %s", identity, evt.Event)
		}
	}
}

// requestPairingCode asks the server for a phone-entry code, retrying once
// after a short delay when the socket was not ready yet.
func (m *Manager) requestPairingCode(identity string, client *whatsmeow.Client) {
	if !client.WaitForConnection(pairingWaitTimeout) {
		m.failSession(identity, fmt.Errorf("socket not ready for pairing"))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), pairingWaitTimeout)
	defer cancel()

	code, err := client.PairPhone(ctx, identity, true, whatsmeow.PairClientChrome, "Chrome (Linux)")
	if err != nil {
		m.logger.Warnf("Pairing code request for %s failed, retrying: %v", identity, err)
		time.Sleep(m.pairingRetryDelay)
		code, err = client.PairPhone(ctx, identity, true, whatsmeow.PairClientChrome, "Chrome (Linux)")
		if err != nil {
			m.failSession(identity, fmt.Errorf("failed to request pairing code: %w", err))
			return
		}
	}

	m.setPending(identity, func(p *PendingAuth) {
		p.Status = StatusPairingCode
		p.PairingCode = code
		p.QRCode = ""
	})
	m.safeEventSend(Event{
		Type: "pairing_code",
		Data: map[string]interface{}{"identity": identity},
		Time: time.Now(),
	})
}

func (m *Manager) setPending(identity string, update func(*PendingAuth)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pending[identity]
	if !ok {
		p = &PendingAuth{Identity: identity}
		m.pending[identity] = p
	}
	update(p)
	p.UpdatedAt = time.Now()
}

// failSession records a terminal failure and releases the identity so a
// later start attempt can try again.
func (m *Manager) failSession(identity string, err error) {
	m.logger.Errorf("Session %s failed: %v", identity, err)
	m.mu.Lock()
	delete(m.active, identity)
	m.mu.Unlock()
	m.setPending(identity, func(p *PendingAuth) {
		p.Status = StatusFailed
		p.Message = err.Error()
	})
}

// sessionIdentity reads the session's current key. handleOpen re-keys a
// session to its canonical number, so event handlers must never trust the
// identity the session was started under.
func (m *Manager) sessionIdentity(session *Session) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return session.Identity
}

func (m *Manager) handleSessionEvent(session *Session, client *whatsmeow.Client, evt interface{}) {
	identity := m.sessionIdentity(session)
	switch v := evt.(type) {
	case *events.Connected:
		m.handleOpen(session, client)
	case *events.Disconnected:
		m.handleClosed(identity, "disconnected")
	case *events.StreamReplaced:
		m.logger.Warnf("Session %s stream replaced by another connection", identity)
		m.handleClosed(identity, "stream_replaced")
	case *events.ConnectFailure:
		m.logger.Errorf("Session %s connect failure: %s", identity, v.Reason.String())
		m.handleClosed(identity, "connect_failure")
	case *events.LoggedOut:
		m.handleLoggedOut(identity, client, v)
	case *events.Message:
		m.dispatchMessage(identity, client, v)
	}
}

func (m *Manager) handleOpen(session *Session, client *whatsmeow.Client) {
	if client.Store.ID == nil {
		return
	}
	jid := client.Store.ID.ToNonAD()
	canonical := NormalizeIdentity(jid.User)

	m.mu.Lock()
	session.JID = jid
	session.Open = true
	session.retries = 0
	// First-time pairings start under a provisional identity; re-key the
	// session to the account's real number once it is known. Later events
	// resolve the key through the session, so the rename is complete here.
	if canonical != session.Identity {
		delete(m.active, session.Identity)
		delete(m.pending, session.Identity)
		session.Identity = canonical
	}
	m.active[canonical] = session
	delete(m.pending, canonical)
	m.mu.Unlock()

	ctx := context.Background()
	if err := m.store.RecordSessionOpen(ctx, canonical, client.Store.PushName, jid.String()); err != nil {
		m.logger.Errorf("Failed to record session open for %s: %v", canonical, err)
	}

	if settings, err := m.store.GetSettingsByJID(ctx, jid.String()); err == nil && settings != nil && settings.AlwaysOnline {
		if err := client.SendPresence(ctx, types.PresenceAvailable); err != nil {
			m.logger.Debugf("Failed to set always-online presence for %s: %v", canonical, err)
		}
	}

	// Best-effort self notice; the session is healthy regardless.
	if err := bot.Reply(ctx, client, jid, "Session connected."); err != nil {
		m.logger.Debugf("Failed to send welcome notice to %s: %v", canonical, err)
	}

	m.logger.Infof("Session %s connected as %s", canonical, jid)
	m.safeEventSend(Event{
		Type: "connected",
		Data: map[string]interface{}{"identity": canonical, "jid": jid.String()},
		Time: time.Now(),
	})
}

func (m *Manager) handleClosed(identity string, reason string) {
	m.mu.Lock()
	session, ok := m.active[identity]
	if ok {
		delete(m.active, identity)
	}
	down := m.shutdown
	m.mu.Unlock()
	if !ok || down {
		return
	}

	wasOpen := session.Open
	if err := m.store.MarkSessionOffline(context.Background(), identity); err != nil {
		m.logger.Errorf("Failed to mark %s offline: %v", identity, err)
	}

	m.logger.Warnf("Session %s closed (%s)", identity, reason)
	m.safeEventSend(Event{
		Type: "disconnected",
		Data: map[string]interface{}{"identity": identity, "reason": reason},
		Time: time.Now(),
	})

	// Reconnect sessions that were open, and keep retrying ones already in
	// a reconnect cycle. Fresh authentication failures do not loop.
	if wasOpen || session.retries > 0 {
		m.scheduleReconnect(identity, session.retries+1)
		return
	}

	// A session that never opened is not resumed; leave a terminal status
	// instead of a connecting entry that never resolves.
	m.setPending(identity, func(p *PendingAuth) {
		if p.Status == StatusConnecting {
			p.Status = StatusFailed
			p.Message = "Connection closed before the session opened. Start a new session."
		}
	})
}

// scheduleReconnect retries the session after the base delay plus up to
// half again of jitter, so a mass disconnect does not thundering-herd the
// server. Retries continue until the session opens, logs out, or the
// manager shuts down.
func (m *Manager) scheduleReconnect(identity string, attempt int) {
	delay := m.reconnectDelay + time.Duration(rand.Int63n(int64(m.reconnectDelay)/2+1))
	m.logger.Infof("Reconnecting session %s in %s (attempt %d)", identity, delay, attempt)
	time.AfterFunc(delay, func() {
		m.mu.Lock()
		down := m.shutdown
		m.mu.Unlock()
		if down {
			return
		}
		if err := m.StartSession(context.Background(), identity, false); err != nil && err != ErrSessionActive {
			m.logger.Errorf("Reconnect of %s failed: %v", identity, err)
			m.scheduleReconnect(identity, attempt+1)
			return
		}
		m.mu.Lock()
		if session, ok := m.active[identity]; ok {
			session.retries = attempt
		}
		m.mu.Unlock()
	})
}

func (m *Manager) handleLoggedOut(identity string, client *whatsmeow.Client, evt *events.LoggedOut) {
	m.logger.Warnf("Session %s logged out by the account (reason: %s)", identity, evt.Reason.String())

	m.mu.Lock()
	delete(m.active, identity)
	m.mu.Unlock()

	ctx := context.Background()
	if err := client.Store.Delete(ctx); err != nil {
		m.logger.Errorf("Failed to delete credentials for %s: %v", identity, err)
	}
	if err := m.store.MarkSessionOffline(ctx, identity); err != nil {
		m.logger.Errorf("Failed to mark %s offline: %v", identity, err)
	}
	m.setPending(identity, func(p *PendingAuth) {
		p.Status = StatusLoggedOut
		p.QRCode = ""
		p.PairingCode = ""
		p.Message = "Logged out. Start a new session to reconnect."
	})
	m.safeEventSend(Event{
		Type: "logged_out",
		Data: map[string]interface{}{"identity": identity, "reason": evt.Reason.String()},
		Time: time.Now(),
	})
}

// dispatchMessage routes one inbound message: revocations go to the
// anti-delete reporter, everything else through the full pipeline.
func (m *Manager) dispatchMessage(identity string, client *whatsmeow.Client, evt *events.Message) {
	if client.Store.ID == nil || evt.Message == nil {
		return
	}
	botJID := *client.Store.ID

	ctx := context.Background()
	if pm := evt.Message.GetProtocolMessage(); pm.GetType() == waE2E.ProtocolMessage_REVOKE {
		update := bot.DeleteUpdate{
			MessageID: pm.GetKey().GetID(),
			ActorJID:  evt.Info.Sender.ToNonAD(),
		}
		m.pipeline.HandleDeleteUpdates(ctx, client, botJID, []bot.DeleteUpdate{update})
		return
	}
	m.pipeline.HandleMessage(ctx, client, botJID, evt)
}

// PollSession answers a status poll: open sessions win over pending
// handshakes, pending handshakes over nothing.
func (m *Manager) PollSession(rawIdentity string) PollResult {
	identity := NormalizeIdentity(rawIdentity)
	if identity == "" {
		return PollResult{Status: StatusUnknown}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if session, ok := m.active[identity]; ok && session.Open {
		return PollResult{Identity: identity, Status: StatusConnected}
	}
	if p, ok := m.pending[identity]; ok {
		return PollResult{
			Identity:    identity,
			Status:      p.Status,
			QRCode:      p.QRCode,
			PairingCode: p.PairingCode,
			Message:     p.Message,
		}
	}
	if _, ok := m.active[identity]; ok {
		return PollResult{Identity: identity, Status: StatusConnecting}
	}
	return PollResult{Identity: identity, Status: StatusUnknown}
}

// CheckSession reports whether the identity has a live open session.
func (m *Manager) CheckSession(rawIdentity string) bool {
	identity := NormalizeIdentity(rawIdentity)
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.active[identity]
	return ok && session.Open
}

// SendText delivers a plain notification from the identity's own session,
// used by the web layer to confirm settings changes in-chat.
func (m *Manager) SendText(ctx context.Context, rawIdentity string, text string) error {
	identity := NormalizeIdentity(rawIdentity)
	m.mu.Lock()
	session, ok := m.active[identity]
	m.mu.Unlock()
	if !ok || !session.Open {
		return fmt.Errorf("failed to send text: no open session for %s", identity)
	}
	return bot.Reply(ctx, session.Client, session.JID, text)
}

// RestartSession drops the identity's connection and schedules a reconnect
// with the stored credentials. Used by the in-chat restart command.
func (m *Manager) RestartSession(ctx context.Context, rawIdentity string) error {
	identity := NormalizeIdentity(rawIdentity)
	m.mu.Lock()
	session, ok := m.active[identity]
	if ok {
		delete(m.active, identity)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("failed to restart: no session for %s", identity)
	}

	m.logger.Infof("Restarting session %s", identity)
	if session.Client != nil {
		session.Client.Disconnect()
	}
	// The session is already out of the table, so the disconnect event is
	// a no-op; schedule the reconnect directly.
	m.scheduleReconnect(identity, 1)
	return nil
}

// ResumeOnlineSessions restarts every session that was online at the last
// shutdown. Individual failures are logged and skipped.
func (m *Manager) ResumeOnlineSessions(ctx context.Context) {
	numbers, err := m.store.ListOnlineSessions(ctx)
	if err != nil {
		m.logger.Errorf("Failed to list resumable sessions: %v", err)
		return
	}
	for _, number := range numbers {
		if err := m.StartSession(ctx, number, false); err != nil && err != ErrSessionActive {
			m.logger.Errorf("Failed to resume session %s: %v", number, err)
			// The row no longer reflects a live session.
			if err := m.store.MarkSessionOffline(ctx, number); err != nil {
				m.logger.Errorf("Failed to mark stale session %s offline: %v", number, err)
			}
		}
	}
	if len(numbers) > 0 {
		m.logger.Infof("Resuming %d stored session(s)", len(numbers))
	}
}

// ActiveSessionCount reports how many sessions are currently open.
func (m *Manager) ActiveSessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.active {
		if s.Open {
			n++
		}
	}
	return n
}

// Shutdown disconnects every session, leaving database rows online so the
// next start resumes them.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return
	}
	m.shutdown = true
	sessions := make([]*Session, 0, len(m.active))
	for _, s := range m.active {
		sessions = append(sessions, s)
	}
	m.active = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		if s.Client != nil {
			s.Client.Disconnect()
		}
	}
	m.logger.Infof("Gateway shut down, %d session(s) disconnected", len(sessions))
}
