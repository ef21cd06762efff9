package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/deskbridge-io/deskbridge/pkg/protocol"
)

// ErrNotFound marks a missing ticket, user, or category. Callers treat
// it as missing data, not as a transient failure.
var ErrNotFound = errors.New("store: not found")

// activeStatuses are the ticket states GetOpenTicketForUser matches.
var activeStatuses = []string{
	string(protocol.TicketOpen),
	string(protocol.TicketPending),
	string(protocol.TicketInProgress),
	string(protocol.TicketPaid),
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database and runs migrations.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}

	// Enable WAL mode for better concurrent reads
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: wal: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS tickets (
			id          TEXT PRIMARY KEY,
			user_id     TEXT NOT NULL,
			category_id TEXT NOT NULL DEFAULT '',
			subject     TEXT NOT NULL DEFAULT '',
			status      TEXT NOT NULL DEFAULT 'open',
			channel_id  TEXT NOT NULL DEFAULT '',
			claimed_by  TEXT NOT NULL DEFAULT '',
			created_at  TEXT NOT NULL,
			updated_at  TEXT NOT NULL,
			closed_at   TEXT
		);

		CREATE TABLE IF NOT EXISTS users (
			id           TEXT PRIMARY KEY,
			platform     TEXT NOT NULL,
			platform_id  TEXT NOT NULL,
			username     TEXT NOT NULL DEFAULT '',
			display_name TEXT NOT NULL DEFAULT '',
			banned       INTEGER NOT NULL DEFAULT 0,
			created_at   TEXT NOT NULL,
			UNIQUE(platform, platform_id)
		);

		CREATE TABLE IF NOT EXISTS categories (
			id                 TEXT PRIMARY KEY,
			name               TEXT NOT NULL,
			role_id            TEXT NOT NULL DEFAULT '',
			team_id            TEXT NOT NULL DEFAULT '',
			transcript_team_id TEXT NOT NULL DEFAULT '',
			questions          TEXT NOT NULL DEFAULT '[]'
		);

		CREATE TABLE IF NOT EXISTS messages (
			id          TEXT PRIMARY KEY,
			ticket_id   TEXT NOT NULL REFERENCES tickets(id),
			platform    TEXT NOT NULL,
			author_id   TEXT NOT NULL,
			author_name TEXT NOT NULL DEFAULT '',
			content     TEXT NOT NULL,
			attachments TEXT NOT NULL DEFAULT '[]',
			timestamp   TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_messages_ticket ON messages(ticket_id);
		CREATE INDEX IF NOT EXISTS idx_tickets_status ON tickets(status);
		CREATE INDEX IF NOT EXISTS idx_tickets_user ON tickets(user_id);
	`)
	if err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CreateTicket(t *protocol.Ticket) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.Status == "" {
		t.Status = protocol.TicketOpen
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	_, err := s.db.Exec(`
		INSERT INTO tickets (id, user_id, category_id, subject, status, channel_id, claimed_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.UserID, t.CategoryID, t.Subject, string(t.Status), t.ChannelID, t.ClaimedBy,
		t.CreatedAt.Format(time.RFC3339), t.UpdatedAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("store: create ticket: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetTicket(id string) (*protocol.Ticket, error) {
	row := s.db.QueryRow(`SELECT `+ticketColumns+` FROM tickets WHERE id = ?`, id)
	t, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("ticket %q: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("store: get ticket: %w", err)
	}
	return t, nil
}

func (s *SQLiteStore) GetOpenTicketForUser(userID string) (*protocol.Ticket, error) {
	row := s.db.QueryRow(`
		SELECT `+ticketColumns+` FROM tickets
		WHERE user_id = ? AND status IN (?, ?, ?, ?)
		ORDER BY created_at DESC LIMIT 1
	`, userID, activeStatuses[0], activeStatuses[1], activeStatuses[2], activeStatuses[3])
	t, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("open ticket for user %q: %w", userID, ErrNotFound)
		}
		return nil, fmt.Errorf("store: open ticket for user: %w", err)
	}
	return t, nil
}

func (s *SQLiteStore) GetTicketByChannel(channelID string) (*protocol.Ticket, error) {
	row := s.db.QueryRow(`SELECT `+ticketColumns+` FROM tickets WHERE channel_id = ? ORDER BY created_at DESC LIMIT 1`, channelID)
	t, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("ticket for channel %q: %w", channelID, ErrNotFound)
		}
		return nil, fmt.Errorf("store: ticket by channel: %w", err)
	}
	return t, nil
}

func (s *SQLiteStore) ListTickets(filter Filter) ([]*protocol.Ticket, error) {
	query := `SELECT ` + ticketColumns + ` FROM tickets WHERE 1=1`
	var args []any

	if filter.Status != nil {
		query += " AND status = ?"
		args = append(args, string(*filter.Status))
	}
	if filter.UserID != "" {
		query += " AND user_id = ?"
		args = append(args, filter.UserID)
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list tickets: %w", err)
	}
	defer rows.Close()

	var tickets []*protocol.Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, fmt.Errorf("store: list scan: %w", err)
		}
		tickets = append(tickets, t)
	}
	return tickets, rows.Err()
}

func (s *SQLiteStore) UpdateTicketStatus(id string, status protocol.TicketStatus) error {
	current, err := s.GetTicket(id)
	if err != nil {
		return err
	}
	// Transitions are monotonic toward the terminal set; only
	// ReopenTicket goes the other way.
	if current.Status.IsTerminal() && !status.IsTerminal() {
		return fmt.Errorf("store: ticket %q is %s, cannot move to %s", id, current.Status, status)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	var closedAt any
	if status.IsTerminal() {
		closedAt = now
	}
	_, err = s.db.Exec(`UPDATE tickets SET status = ?, updated_at = ?, closed_at = COALESCE(?, closed_at) WHERE id = ?`,
		string(status), now, closedAt, id)
	if err != nil {
		return fmt.Errorf("store: update status: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SetTicketChannel(id, channelID string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	result, err := s.db.Exec(`UPDATE tickets SET channel_id = ?, updated_at = ? WHERE id = ?`, channelID, now, id)
	if err != nil {
		return fmt.Errorf("store: set channel: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("ticket %q: %w", id, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) ClaimTicket(id, staffID string) error {
	t, err := s.GetTicket(id)
	if err != nil {
		return err
	}
	if t.ClaimedBy != "" && t.ClaimedBy != staffID {
		return fmt.Errorf("store: ticket %q already claimed by %s", id, t.ClaimedBy)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = s.db.Exec(`UPDATE tickets SET claimed_by = ?, status = ?, updated_at = ? WHERE id = ?`,
		staffID, string(protocol.TicketInProgress), now, id)
	if err != nil {
		return fmt.Errorf("store: claim ticket: %w", err)
	}
	return nil
}

func (s *SQLiteStore) MarkTicketPaid(id string) error {
	return s.UpdateTicketStatus(id, protocol.TicketPaid)
}

func (s *SQLiteStore) ReopenTicket(id string) error {
	t, err := s.GetTicket(id)
	if err != nil {
		return err
	}
	if t.Status != protocol.TicketTranscript {
		return fmt.Errorf("store: ticket %q is %s, only transcript tickets reopen", id, t.Status)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = s.db.Exec(`UPDATE tickets SET status = ?, closed_at = NULL, updated_at = ? WHERE id = ?`,
		string(protocol.TicketInProgress), now, id)
	if err != nil {
		return fmt.Errorf("store: reopen ticket: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetOrCreateUser(platform, platformID, username, displayName string) (*protocol.User, error) {
	row := s.db.QueryRow(`
		SELECT id, platform, platform_id, username, display_name, banned, created_at
		FROM users WHERE platform = ? AND platform_id = ?
	`, platform, platformID)
	u, err := scanUser(row)
	if err == nil {
		// Refresh names that changed on the platform side.
		if (username != "" && username != u.Username) || (displayName != "" && displayName != u.DisplayName) {
			if username == "" {
				username = u.Username
			}
			if displayName == "" {
				displayName = u.DisplayName
			}
			if _, err := s.db.Exec(`UPDATE users SET username = ?, display_name = ? WHERE id = ?`,
				username, displayName, u.ID); err != nil {
				return nil, fmt.Errorf("store: refresh user: %w", err)
			}
			u.Username = username
			u.DisplayName = displayName
		}
		return u, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store: get user: %w", err)
	}

	u = &protocol.User{
		ID:          uuid.New().String(),
		Platform:    platform,
		PlatformID:  platformID,
		Username:    username,
		DisplayName: displayName,
		CreatedAt:   time.Now().UTC(),
	}
	_, err = s.db.Exec(`
		INSERT INTO users (id, platform, platform_id, username, display_name, banned, created_at)
		VALUES (?, ?, ?, ?, ?, 0, ?)
	`, u.ID, u.Platform, u.PlatformID, u.Username, u.DisplayName, u.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("store: create user: %w", err)
	}
	return u, nil
}

func (s *SQLiteStore) GetUser(id string) (*protocol.User, error) {
	row := s.db.QueryRow(`
		SELECT id, platform, platform_id, username, display_name, banned, created_at
		FROM users WHERE id = ?
	`, id)
	u, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("user %q: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("store: get user: %w", err)
	}
	return u, nil
}

func (s *SQLiteStore) GetCategory(id string) (*protocol.Category, error) {
	row := s.db.QueryRow(`SELECT id, name, role_id, team_id, transcript_team_id, questions FROM categories WHERE id = ?`, id)
	c, err := scanCategory(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("category %q: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("store: get category: %w", err)
	}
	return c, nil
}

func (s *SQLiteStore) ListCategories() ([]*protocol.Category, error) {
	rows, err := s.db.Query(`SELECT id, name, role_id, team_id, transcript_team_id, questions FROM categories ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("store: list categories: %w", err)
	}
	defer rows.Close()

	var categories []*protocol.Category
	for rows.Next() {
		c, err := scanCategory(rows)
		if err != nil {
			return nil, fmt.Errorf("store: category scan: %w", err)
		}
		categories = append(categories, c)
	}
	return categories, rows.Err()
}

func (s *SQLiteStore) SaveCategory(c *protocol.Category) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	questions, _ := json.Marshal(c.Questions)
	_, err := s.db.Exec(`
		INSERT INTO categories (id, name, role_id, team_id, transcript_team_id, questions)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name, role_id=excluded.role_id, team_id=excluded.team_id,
			transcript_team_id=excluded.transcript_team_id, questions=excluded.questions
	`, c.ID, c.Name, c.RoleID, c.TeamID, c.TranscriptTeamID, string(questions))
	if err != nil {
		return fmt.Errorf("store: save category: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CreateMessageRecord(m *protocol.MessageRecord) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	attachments, _ := json.Marshal(m.Attachments)
	_, err := s.db.Exec(`
		INSERT INTO messages (id, ticket_id, platform, author_id, author_name, content, attachments, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.TicketID, m.Platform, m.AuthorID, m.AuthorName, m.Content, string(attachments),
		m.Timestamp.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("store: create message record: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListMessages(ticketID string) ([]protocol.MessageRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, ticket_id, platform, author_id, author_name, content, attachments, timestamp
		FROM messages WHERE ticket_id = ? ORDER BY timestamp
	`, ticketID)
	if err != nil {
		return nil, fmt.Errorf("store: list messages: %w", err)
	}
	defer rows.Close()

	var msgs []protocol.MessageRecord
	for rows.Next() {
		var m protocol.MessageRecord
		var attachmentsJSON, ts string
		if err := rows.Scan(&m.ID, &m.TicketID, &m.Platform, &m.AuthorID, &m.AuthorName,
			&m.Content, &attachmentsJSON, &ts); err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		json.Unmarshal([]byte(attachmentsJSON), &m.Attachments)
		m.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// Close releases the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection (for testing or direct access).
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// --- helpers ---

const ticketColumns = `id, user_id, category_id, subject, status, channel_id, claimed_by, created_at, updated_at, closed_at`

type scannable interface {
	Scan(dest ...any) error
}

func scanTicket(row scannable) (*protocol.Ticket, error) {
	var t protocol.Ticket
	var status, createdAt, updatedAt string
	var closedAt *string

	err := row.Scan(&t.ID, &t.UserID, &t.CategoryID, &t.Subject, &status, &t.ChannelID,
		&t.ClaimedBy, &createdAt, &updatedAt, &closedAt)
	if err != nil {
		return nil, err
	}

	t.Status = protocol.TicketStatus(status)
	t.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	t.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	if closedAt != nil {
		ct, _ := time.Parse(time.RFC3339, *closedAt)
		t.ClosedAt = &ct
	}
	return &t, nil
}

func scanUser(row scannable) (*protocol.User, error) {
	var u protocol.User
	var banned int
	var createdAt string

	err := row.Scan(&u.ID, &u.Platform, &u.PlatformID, &u.Username, &u.DisplayName, &banned, &createdAt)
	if err != nil {
		return nil, err
	}
	u.Banned = banned != 0
	u.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &u, nil
}

func scanCategory(row scannable) (*protocol.Category, error) {
	var c protocol.Category
	var questionsJSON string

	err := row.Scan(&c.ID, &c.Name, &c.RoleID, &c.TeamID, &c.TranscriptTeamID, &questionsJSON)
	if err != nil {
		return nil, err
	}
	json.Unmarshal([]byte(questionsJSON), &c.Questions)
	return &c, nil
}
