package gateway

import (
	"errors"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/types"
)

// ErrSessionActive is returned when a start request targets an identity
// that already has an open session.
var ErrSessionActive = errors.New("session already active")

// Event is pushed to the event channel for WebSocket forwarding
type Event struct {
	Type string                 `json:"type"`
	Data map[string]interface{} `json:"data"`
	Time time.Time              `json:"timestamp"`
}

// Session is one live (or connecting) WhatsApp account.
type Session struct {
	Identity string
	JID      types.JID
	Client   *whatsmeow.Client
	Open     bool
	started  time.Time
	retries  int
}

// PendingAuth tracks an in-flight authentication handshake for polling.
// Exactly one of QRCode or PairingCode is populated depending on the
// requested flow.
type PendingAuth struct {
	Identity    string    `json:"identity"`
	Status      string    `json:"status"`
	QRCode      string    `json:"qr_code,omitempty"`
	PairingCode string    `json:"pairing_code,omitempty"`
	Message     string    `json:"message,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// PollResult is the answer to a session status poll.
type PollResult struct {
	Identity    string `json:"identity"`
	Status      string `json:"status"`
	QRCode      string `json:"qr_code,omitempty"`
	PairingCode string `json:"pairing_code,omitempty"`
	Message     string `json:"message,omitempty"`
}

// Poll status values.
const (
	StatusConnected   = "connected"
	StatusScanQR      = "scan_qr"
	StatusPairingCode = "pairing_code"
	StatusConnecting  = "connecting"
	StatusLoggedOut   = "logged_out"
	StatusFailed      = "failed"
	StatusUnknown     = "unknown"
)
