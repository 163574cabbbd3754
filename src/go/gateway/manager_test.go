package gateway

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"whatsapp-gateway/src/go/store"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	st, err := store.New(filepath.Join(t.TempDir(), "settings.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	// Reconnect timers must never fire inside a test run.
	return &Manager{
		store:             st,
		logger:            logger,
		active:            make(map[string]*Session),
		pending:           make(map[string]*PendingAuth),
		events:            make(chan Event, 4),
		reconnectDelay:    time.Hour,
		pairingRetryDelay: time.Millisecond,
	}
}

func TestNormalizeIdentity(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"15550001111", "15550001111"},
		{"+1 (555) 000-1111", "15550001111"},
		{"wa:15550001111", "15550001111"},
		{"no digits", ""},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeIdentity(tt.in), tt.in)
	}
}

func TestStartSessionRejectsEmptyIdentity(t *testing.T) {
	m := testManager(t)
	err := m.StartSession(context.Background(), "no digits here", false)
	assert.Error(t, err)
}

func TestStartSessionRejectsOpenDuplicate(t *testing.T) {
	m := testManager(t)
	m.active["15550001111"] = &Session{Identity: "15550001111", Open: true}

	err := m.StartSession(context.Background(), "+1 555 000 1111", false)
	assert.ErrorIs(t, err, ErrSessionActive)
}

func TestStartSessionConnectingDuplicateIsNoop(t *testing.T) {
	m := testManager(t)
	m.active["15550001111"] = &Session{Identity: "15550001111"}

	err := m.StartSession(context.Background(), "15550001111", false)
	assert.NoError(t, err)
	assert.Len(t, m.active, 1)
}

func TestStartSessionRejectedAfterShutdown(t *testing.T) {
	m := testManager(t)
	m.shutdown = true

	err := m.StartSession(context.Background(), "15550001111", false)
	assert.Error(t, err)
}

func TestPollSessionStates(t *testing.T) {
	m := testManager(t)
	m.active["15550001111"] = &Session{Identity: "15550001111", Open: true}
	m.active["15550002222"] = &Session{Identity: "15550002222"}
	m.pending["15550003333"] = &PendingAuth{
		Identity: "15550003333",
		Status:   StatusScanQR,
		QRCode:   "data:image/png;base64,abc",
	}
	m.pending["15550004444"] = &PendingAuth{
		Identity:    "15550004444",
		Status:      StatusPairingCode,
		PairingCode: "ABCD-EFGH",
	}

	tests := []struct {
		identity string
		status   string
	}{
		{"15550001111", StatusConnected},
		{"15550002222", StatusConnecting},
		{"15550003333", StatusScanQR},
		{"15550004444", StatusPairingCode},
		{"19990000000", StatusUnknown},
		{"", StatusUnknown},
	}
	for _, tt := range tests {
		result := m.PollSession(tt.identity)
		assert.Equal(t, tt.status, result.Status, tt.identity)
	}

	assert.Equal(t, "data:image/png;base64,abc", m.PollSession("15550003333").QRCode)
	assert.Equal(t, "ABCD-EFGH", m.PollSession("15550004444").PairingCode)
}

func TestPollOpenSessionWinsOverStalePending(t *testing.T) {
	m := testManager(t)
	m.active["15550001111"] = &Session{Identity: "15550001111", Open: true}
	m.pending["15550001111"] = &PendingAuth{Identity: "15550001111", Status: StatusScanQR}

	assert.Equal(t, StatusConnected, m.PollSession("15550001111").Status)
}

func TestCheckSession(t *testing.T) {
	m := testManager(t)
	m.active["15550001111"] = &Session{Identity: "15550001111", Open: true}
	m.active["15550002222"] = &Session{Identity: "15550002222"}

	assert.True(t, m.CheckSession("+1-555-000-1111"))
	assert.False(t, m.CheckSession("15550002222"), "connecting session is not open")
	assert.False(t, m.CheckSession("19990000000"))
}

func TestActiveSessionCountOnlyCountsOpen(t *testing.T) {
	m := testManager(t)
	m.active["a"] = &Session{Open: true}
	m.active["b"] = &Session{Open: true}
	m.active["c"] = &Session{}

	assert.Equal(t, 2, m.ActiveSessionCount())
}

func TestSafeEventSendNeverBlocks(t *testing.T) {
	m := testManager(t)
	for i := 0; i < 10; i++ {
		m.safeEventSend(Event{Type: "connected", Time: time.Now()})
	}
	assert.Len(t, m.events, 4, "overflow events are dropped, not queued")
}

func TestSafeEventSendAfterShutdown(t *testing.T) {
	m := testManager(t)
	m.shutdown = true
	m.safeEventSend(Event{Type: "connected"})
	assert.Empty(t, m.events)
}

func TestSetPendingCreatesAndStamps(t *testing.T) {
	m := testManager(t)
	before := time.Now()
	m.setPending("15550001111", func(p *PendingAuth) {
		p.Status = StatusFailed
		p.Message = "boom"
	})

	p, ok := m.pending["15550001111"]
	require.True(t, ok)
	assert.Equal(t, StatusFailed, p.Status)
	assert.Equal(t, "boom", p.Message)
	assert.False(t, p.UpdatedAt.Before(before))
}

func TestFailSessionReleasesIdentity(t *testing.T) {
	m := testManager(t)
	m.active["15550001111"] = &Session{Identity: "15550001111"}

	m.failSession("15550001111", assert.AnError)

	_, stillActive := m.active["15550001111"]
	assert.False(t, stillActive)
	assert.Equal(t, StatusFailed, m.pending["15550001111"].Status)
}

func TestDisconnectFollowsRekeyedSession(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()
	require.NoError(t, m.store.RecordSessionOpen(ctx, "254712345678", "Owner", "254712345678@s.whatsapp.net"))

	// A session started under a local spelling of the number is re-keyed
	// to the canonical one when it opens.
	session := &Session{Identity: "0712345678"}
	m.active["0712345678"] = session

	m.mu.Lock()
	delete(m.active, "0712345678")
	session.Identity = "254712345678"
	session.JID = types.NewJID("254712345678", types.DefaultUserServer)
	session.Open = true
	m.active["254712345678"] = session
	m.mu.Unlock()

	// The socket's event handler holds the session, not the spelling it
	// was started under, so the close lands on the canonical entry.
	m.handleSessionEvent(session, nil, &events.Disconnected{})

	assert.False(t, m.CheckSession("254712345678"))
	assert.NotEqual(t, StatusConnected, m.PollSession("254712345678").Status)

	status, err := m.store.GetUserStatus(ctx, "254712345678")
	require.NoError(t, err)
	require.NotNil(t, status)
	assert.False(t, status.Online)
}

func TestNeverOpenedSessionLeavesFailedStatus(t *testing.T) {
	m := testManager(t)
	session := &Session{Identity: "15550001111"}
	m.active["15550001111"] = session
	m.pending["15550001111"] = &PendingAuth{Identity: "15550001111", Status: StatusConnecting}

	m.handleSessionEvent(session, nil, &events.ConnectFailure{})

	result := m.PollSession("15550001111")
	assert.Equal(t, StatusFailed, result.Status)
	assert.NotEmpty(t, result.Message)
	_, stillActive := m.active["15550001111"]
	assert.False(t, stillActive)
}

func TestNeverOpenedSessionKeepsTerminalStatus(t *testing.T) {
	m := testManager(t)
	session := &Session{Identity: "15550001111"}
	m.active["15550001111"] = session
	m.pending["15550001111"] = &PendingAuth{
		Identity: "15550001111",
		Status:   StatusLoggedOut,
		Message:  "Logged out. Start a new session to reconnect.",
	}

	m.handleSessionEvent(session, nil, &events.Disconnected{})

	assert.Equal(t, StatusLoggedOut, m.PollSession("15550001111").Status)
}

func TestRestartSessionRequiresExistingSession(t *testing.T) {
	m := testManager(t)
	err := m.RestartSession(context.Background(), "15550001111")
	assert.Error(t, err)
}

func TestRestartSessionDropsActiveEntry(t *testing.T) {
	m := testManager(t)
	m.active["15550001111"] = &Session{Identity: "15550001111", Open: true}

	require.NoError(t, m.RestartSession(context.Background(), "+1 555 000 1111"))

	_, ok := m.active["15550001111"]
	assert.False(t, ok)
}

func TestSendTextRequiresOpenSession(t *testing.T) {
	m := testManager(t)
	err := m.SendText(context.Background(), "15550001111", "hello")
	assert.Error(t, err)

	m.active["15550001111"] = &Session{Identity: "15550001111"}
	err = m.SendText(context.Background(), "15550001111", "hello")
	assert.Error(t, err, "connecting session cannot send")
}
