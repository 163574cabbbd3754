package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"whatsapp-gateway/src/go/bot"
)

// Defaults applied when a user row or bot row leaves a field blank.
const (
	DefaultBotName         = "WhatsApp Gateway"
	DefaultBotVersion      = "1.0.0"
	DefaultDeveloperName   = "Gateway Team"
	DefaultDeveloperNumber = ""
	DefaultPrefix          = "."
	DefaultMode            = "public"
)

// Store persists per-user bot settings and the bot catalog in a SQLite
// database separate from the whatsmeow session store.
type Store struct {
	db     *sql.DB
	logger *logrus.Logger
}

// UserRecord is one registered WhatsApp account and its bot configuration.
type UserRecord struct {
	WhatsappNumber string `json:"whatsapp_number"`
	WhatsappName   string `json:"whatsapp_name"`
	SessionOnline  bool   `json:"session_online"`
	SessionID      string `json:"session_id"`
	BotName        string `json:"bot_name"`
	BotVersion     string `json:"bot_version"`
	bot.Settings
}

// BotRecord is one selectable bot flavor from the catalog.
type BotRecord struct {
	Name            string `json:"name"`
	Version         string `json:"version"`
	DeveloperName   string `json:"developer_name"`
	DeveloperNumber string `json:"developer_number"`
	ChannelLink     string `json:"channel_link"`
	Status          string `json:"status"`
}

// UserSettingsUpdate carries a full settings submission for one account.
type UserSettingsUpdate struct {
	WhatsappNumber string
	WhatsappName   string
	BotName        string
	bot.Settings
}

// New opens (or creates) the settings database and ensures its schema.
func New(dbPath string, logger *logrus.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open settings database: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize settings schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS users (
			whatsapp_number TEXT PRIMARY KEY,
			whatsapp_name TEXT,
			session_online INTEGER NOT NULL DEFAULT 0,
			session_id TEXT,
			bot_name TEXT,
			bot_version TEXT,
			enabled INTEGER NOT NULL DEFAULT 1,
			autoread INTEGER NOT NULL DEFAULT 0,
			autoviewstatus INTEGER NOT NULL DEFAULT 0,
			autorecordingtyping INTEGER NOT NULL DEFAULT 0,
			auto_typing INTEGER NOT NULL DEFAULT 0,
			auto_recording INTEGER NOT NULL DEFAULT 0,
			mode TEXT NOT NULL DEFAULT 'public',
			prefix TEXT NOT NULL DEFAULT '.',
			sudo_numbers TEXT,
			anti_delete INTEGER NOT NULL DEFAULT 0,
			always_online INTEGER NOT NULL DEFAULT 0,
			last_updated INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
		);
		CREATE TABLE IF NOT EXISTS bots (
			name TEXT PRIMARY KEY,
			version TEXT,
			developer_name TEXT,
			developer_number TEXT,
			channel_link TEXT,
			status TEXT NOT NULL DEFAULT 'active'
		);
		CREATE INDEX IF NOT EXISTS idx_users_online ON users(session_online);
	`)
	return err
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// numberFromJID reduces a JID or raw number to bare digits for keying.
func numberFromJID(jid string) string {
	if idx := strings.IndexAny(jid, "@:"); idx >= 0 {
		jid = jid[:idx]
	}
	var sb strings.Builder
	for _, r := range jid {
		if r >= '0' && r <= '9' {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

// GetSettingsByJID loads the current bot settings for the account owning
// the given JID. A missing row yields (nil, nil): the session exists but
// was never configured, so the pipeline stays fully inert.
func (s *Store) GetSettingsByJID(ctx context.Context, jid string) (*bot.Settings, error) {
	number := numberFromJID(jid)
	if number == "" {
		return nil, nil
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT enabled, autoread, autoviewstatus, autorecordingtyping,
		       auto_typing, auto_recording, anti_delete, always_online,
		       mode, prefix, COALESCE(sudo_numbers, '')
		FROM users WHERE whatsapp_number = ?
	`, number)

	var st bot.Settings
	err := row.Scan(&st.Enabled, &st.AutoRead, &st.AutoViewStatus,
		&st.AutoRecordingTyping, &st.AutoTyping, &st.AutoRecording,
		&st.AntiDelete, &st.AlwaysOnline, &st.Mode, &st.Prefix, &st.SudoNumbers)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load settings for %s: %w", number, err)
	}
	return &st, nil
}

// UserStatus is the session-facing slice of a user row.
type UserStatus struct {
	Online     bool   `json:"online"`
	BotName    string `json:"bot_name"`
	BotVersion string `json:"bot_version"`
	SessionID  string `json:"session_id"`
}

// GetUserStatus returns the status slice for a number, or nil when the
// number was never registered.
func (s *Store) GetUserStatus(ctx context.Context, number string) (*UserStatus, error) {
	number = numberFromJID(number)
	row := s.db.QueryRowContext(ctx, `
		SELECT session_online, COALESCE(bot_name, ''), COALESCE(bot_version, ''), COALESCE(session_id, '')
		FROM users WHERE whatsapp_number = ?
	`, number)

	var st UserStatus
	err := row.Scan(&st.Online, &st.BotName, &st.BotVersion, &st.SessionID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to check status for %s: %w", number, err)
	}
	return &st, nil
}

// RecordSessionOpen upserts the account row when a session reaches the
// open state, preserving any existing configuration.
func (s *Store) RecordSessionOpen(ctx context.Context, number, pushName, sessionID string) error {
	number = numberFromJID(number)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (whatsapp_number, whatsapp_name, session_online, session_id, bot_name, bot_version, prefix, mode, last_updated)
		VALUES (?, ?, 1, ?, ?, ?, ?, ?, strftime('%s', 'now'))
		ON CONFLICT(whatsapp_number) DO UPDATE SET
			whatsapp_name = excluded.whatsapp_name,
			session_online = 1,
			session_id = excluded.session_id,
			last_updated = strftime('%s', 'now')
	`, number, pushName, sessionID, DefaultBotName, DefaultBotVersion, DefaultPrefix, DefaultMode)
	if err != nil {
		return fmt.Errorf("failed to record session open for %s: %w", number, err)
	}
	return nil
}

// MarkSessionOffline flips the online flag without touching configuration.
func (s *Store) MarkSessionOffline(ctx context.Context, number string) error {
	number = numberFromJID(number)
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET session_online = 0, last_updated = strftime('%s', 'now')
		WHERE whatsapp_number = ?
	`, number)
	if err != nil {
		return fmt.Errorf("failed to mark %s offline: %w", number, err)
	}
	return nil
}

// UpdateUserSettings stores a full settings submission, creating the row
// when the account has not connected yet.
func (s *Store) UpdateUserSettings(ctx context.Context, u UserSettingsUpdate) error {
	number := numberFromJID(u.WhatsappNumber)
	if number == "" {
		return fmt.Errorf("failed to update settings: empty whatsapp number")
	}
	if u.Mode != "private" {
		u.Mode = "public"
	}
	botName := u.BotName
	if botName == "" {
		botName = DefaultBotName
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (whatsapp_number, whatsapp_name, bot_name, bot_version,
			autoread, autoviewstatus, autorecordingtyping, auto_typing, auto_recording,
			mode, prefix, sudo_numbers, anti_delete, always_online, last_updated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, strftime('%s', 'now'))
		ON CONFLICT(whatsapp_number) DO UPDATE SET
			whatsapp_name = excluded.whatsapp_name,
			bot_name = excluded.bot_name,
			autoread = excluded.autoread,
			autoviewstatus = excluded.autoviewstatus,
			autorecordingtyping = excluded.autorecordingtyping,
			auto_typing = excluded.auto_typing,
			auto_recording = excluded.auto_recording,
			mode = excluded.mode,
			prefix = excluded.prefix,
			sudo_numbers = excluded.sudo_numbers,
			anti_delete = excluded.anti_delete,
			always_online = excluded.always_online,
			last_updated = strftime('%s', 'now')
	`, number, u.WhatsappName, botName, DefaultBotVersion,
		boolToInt(u.AutoRead), boolToInt(u.AutoViewStatus), boolToInt(u.AutoRecordingTyping),
		boolToInt(u.AutoTyping), boolToInt(u.AutoRecording),
		u.Mode, u.Prefix, u.SudoNumbers, boolToInt(u.AntiDelete), boolToInt(u.AlwaysOnline))
	if err != nil {
		return fmt.Errorf("failed to update settings for %s: %w", number, err)
	}
	return nil
}

// SetMode switches the public/private mode for the account owning the JID.
func (s *Store) SetMode(ctx context.Context, jid, mode string) error {
	if mode != "public" && mode != "private" {
		return fmt.Errorf("failed to set mode: %q is not a valid mode", mode)
	}
	number := numberFromJID(jid)
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET mode = ?, last_updated = strftime('%s', 'now')
		WHERE whatsapp_number = ?
	`, mode, number)
	if err != nil {
		return fmt.Errorf("failed to set mode for %s: %w", number, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("failed to set mode: no account registered for %s", number)
	}
	return nil
}

// SetEnabled toggles the bot on or off for the account owning the JID.
// Settings and sessions are untouched; the pipeline checks the flag on
// every incoming event.
func (s *Store) SetEnabled(ctx context.Context, jid string, enabled bool) error {
	number := numberFromJID(jid)
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET enabled = ?, last_updated = strftime('%s', 'now')
		WHERE whatsapp_number = ?
	`, boolToInt(enabled), number)
	if err != nil {
		return fmt.Errorf("failed to set enabled for %s: %w", number, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("failed to set enabled: no account registered for %s", number)
	}
	return nil
}

// GetDeveloperContact returns the developer name and number for the given
// bot, substituting defaults when the catalog row is absent or blank.
func (s *Store) GetDeveloperContact(ctx context.Context, botName string) (name, number string) {
	name, number = DefaultDeveloperName, DefaultDeveloperNumber
	if botName == "" {
		return name, number
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(developer_name, ''), COALESCE(developer_number, '')
		FROM bots WHERE name = ?
	`, botName)
	var n, num string
	if err := row.Scan(&n, &num); err != nil {
		if err != sql.ErrNoRows {
			s.logger.Debugf("Failed to load developer contact for %s: %v", botName, err)
		}
		return name, number
	}
	if n != "" {
		name = n
	}
	if num != "" {
		number = num
	}
	return name, number
}

// GetAvailableBots lists active catalog entries for the selection page.
func (s *Store) GetAvailableBots(ctx context.Context) ([]BotRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, COALESCE(version, ''), COALESCE(developer_name, ''),
		       COALESCE(developer_number, ''), COALESCE(channel_link, ''), status
		FROM bots WHERE status = 'active' ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list bots: %w", err)
	}
	defer rows.Close()

	var bots []BotRecord
	for rows.Next() {
		var b BotRecord
		if err := rows.Scan(&b.Name, &b.Version, &b.DeveloperName, &b.DeveloperNumber, &b.ChannelLink, &b.Status); err != nil {
			return nil, fmt.Errorf("failed to scan bot row: %w", err)
		}
		bots = append(bots, b)
	}
	return bots, rows.Err()
}

// ListOnlineSessions returns numbers whose sessions were online at last
// shutdown, for resumption at startup.
func (s *Store) ListOnlineSessions(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT whatsapp_number FROM users WHERE session_online = 1`)
	if err != nil {
		return nil, fmt.Errorf("failed to list online sessions: %w", err)
	}
	defer rows.Close()

	var numbers []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		numbers = append(numbers, n)
	}
	return numbers, rows.Err()
}
