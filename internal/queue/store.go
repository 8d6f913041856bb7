package queue

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/randylampa/mailqueue/pkg/types"
)

// Store provides methods for persisting and retrieving queued messages.
// Recipients, bodies and attachments are serialized as JSON blobs; this
// is the single codec between the typed Message and the row format.
type Store struct {
	db     *DB
	logger *logrus.Logger
	now    func() time.Time
}

// NewStore creates a new store instance
func NewStore(db *DB, logger *logrus.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger,
		now:    time.Now,
	}
}

// Create inserts a message and assigns its uid
func (s *Store) Create(m *types.Message) (int64, error) {
	row, err := encodeMessage(m)
	if err != nil {
		return 0, err
	}

	m.UpdateTime = s.now()
	result, err := s.db.Conn().Exec(`
		INSERT INTO mail_queue (status, priority, sender, reply_to, recipients, subject, body, attachments,
			queued_time, update_time, sent_time, failed_attempts, requested_account, sent_via)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(m.Status),
		m.Priority,
		row.sender,
		row.replyTo,
		row.recipients,
		m.Subject,
		row.body,
		row.attachments,
		formatTime(m.QueuedTime),
		formatTime(m.UpdateTime),
		row.sentTime,
		m.FailedAttempts,
		m.RequestedAccount,
		m.SentViaAccount,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to create message: %w", err)
	}

	uid, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get message uid: %w", err)
	}
	m.UID = uid

	return uid, nil
}

// Save updates an existing message; the store owns update_time
func (s *Store) Save(m *types.Message) error {
	if m.UID == 0 {
		return fmt.Errorf("cannot save message without uid")
	}

	row, err := encodeMessage(m)
	if err != nil {
		return err
	}

	m.UpdateTime = s.now()
	_, err = s.db.Conn().Exec(`
		UPDATE mail_queue SET status = ?, priority = ?, sender = ?, reply_to = ?, recipients = ?,
			subject = ?, body = ?, attachments = ?, queued_time = ?, update_time = ?, sent_time = ?,
			failed_attempts = ?, requested_account = ?, sent_via = ?
		WHERE uid = ?`,
		string(m.Status),
		m.Priority,
		row.sender,
		row.replyTo,
		row.recipients,
		m.Subject,
		row.body,
		row.attachments,
		formatTime(m.QueuedTime),
		formatTime(m.UpdateTime),
		row.sentTime,
		m.FailedAttempts,
		m.RequestedAccount,
		m.SentViaAccount,
		m.UID,
	)
	if err != nil {
		return fmt.Errorf("failed to save message %d: %w", m.UID, err)
	}

	return nil
}

// Get retrieves a message by uid; returns nil when no row exists
func (s *Store) Get(uid int64) (*types.Message, error) {
	var (
		m                types.Message
		status           string
		sender, replyTo  sql.NullString
		recipients, body string
		attachments      string
		queuedTime       string
		updateTime       sql.NullString
		sentTime         sql.NullString
	)

	err := s.db.Conn().QueryRow(`
		SELECT uid, status, priority, sender, reply_to, recipients, subject, body, attachments,
			queued_time, update_time, sent_time, failed_attempts, requested_account, sent_via
		FROM mail_queue WHERE uid = ?`, uid).Scan(
		&m.UID,
		&status,
		&m.Priority,
		&sender,
		&replyTo,
		&recipients,
		&m.Subject,
		&body,
		&attachments,
		&queuedTime,
		&updateTime,
		&sentTime,
		&m.FailedAttempts,
		&m.RequestedAccount,
		&m.SentViaAccount,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get message %d: %w", uid, err)
	}

	m.Status = types.Status(status)

	if m.QueuedTime, err = parseTime(queuedTime); err != nil {
		return nil, fmt.Errorf("message %d: bad queued_time: %w", uid, err)
	}
	if updateTime.Valid {
		if m.UpdateTime, err = parseTime(updateTime.String); err != nil {
			return nil, fmt.Errorf("message %d: bad update_time: %w", uid, err)
		}
	}
	if sentTime.Valid {
		t, err := parseTime(sentTime.String)
		if err != nil {
			return nil, fmt.Errorf("message %d: bad sent_time: %w", uid, err)
		}
		m.SentTime = &t
	}

	if sender.Valid {
		m.Sender = &types.Address{}
		if err := json.Unmarshal([]byte(sender.String), m.Sender); err != nil {
			return nil, fmt.Errorf("message %d: failed to unmarshal sender: %w", uid, err)
		}
	}
	if replyTo.Valid {
		m.ReplyTo = &types.Address{}
		if err := json.Unmarshal([]byte(replyTo.String), m.ReplyTo); err != nil {
			return nil, fmt.Errorf("message %d: failed to unmarshal reply-to: %w", uid, err)
		}
	}
	if err := json.Unmarshal([]byte(recipients), &m.Recipients); err != nil {
		return nil, fmt.Errorf("message %d: failed to unmarshal recipients: %w", uid, err)
	}
	if err := json.Unmarshal([]byte(body), &m.Body); err != nil {
		return nil, fmt.Errorf("message %d: failed to unmarshal body: %w", uid, err)
	}
	if err := json.Unmarshal([]byte(attachments), &m.Attachments); err != nil {
		return nil, fmt.Errorf("message %d: failed to unmarshal attachments: %w", uid, err)
	}

	return &m, nil
}

// FindPendingUIDs returns uids of due pending messages, highest priority
// first, oldest first within a priority, uid as the stable tie-break
func (s *Store) FindPendingUIDs(limit int) ([]int64, error) {
	rows, err := s.db.Conn().Query(`
		SELECT uid FROM mail_queue
		WHERE status = ? AND queued_time <= ?
		ORDER BY priority DESC, queued_time ASC, uid ASC
		LIMIT ?`,
		string(types.StatusPending), formatTime(s.now()), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending messages: %w", err)
	}
	defer rows.Close()

	var uids []int64
	for rows.Next() {
		var uid int64
		if err := rows.Scan(&uid); err != nil {
			return nil, fmt.Errorf("failed to scan pending uid: %w", err)
		}
		uids = append(uids, uid)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate pending uids: %w", err)
	}

	return uids, nil
}

// ClaimPending atomically transitions a message from pending to processing.
// The conditional update is what keeps two overlapping processor runs from
// picking up the same message; it reports false when the row was not
// pending anymore.
func (s *Store) ClaimPending(uid int64) (bool, error) {
	result, err := s.db.Conn().Exec(`
		UPDATE mail_queue SET status = ?, update_time = ?
		WHERE uid = ? AND status = ?`,
		string(types.StatusProcessing), formatTime(s.now()), uid, string(types.StatusPending))
	if err != nil {
		return false, fmt.Errorf("failed to claim message %d: %w", uid, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check claim of message %d: %w", uid, err)
	}

	return affected == 1, nil
}

// CountSentVia counts messages successfully sent via an account within the
// window ending now. This is the authoritative source for rate accounting;
// in-process counters are only a per-run cache of it.
func (s *Store) CountSentVia(accountKey string, window time.Duration) (int, error) {
	cutoff := s.now().Add(-window)

	var count int
	err := s.db.Conn().QueryRow(`
		SELECT COUNT(*) FROM mail_queue
		WHERE sent_via = ? AND status = ? AND sent_time >= ?`,
		accountKey, string(types.StatusSent), formatTime(cutoff)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count sends via %s: %w", accountKey, err)
	}

	return count, nil
}

// Housekeeping deletes terminal rows past their retention age
func (s *Store) Housekeeping(maxSentAgeDays, maxFailedAgeDays int) error {
	now := s.now()

	sentCutoff := now.AddDate(0, 0, -maxSentAgeDays)
	result, err := s.db.Conn().Exec(
		"DELETE FROM mail_queue WHERE status = ? AND sent_time <= ?",
		string(types.StatusSent), formatTime(sentCutoff))
	if err != nil {
		return fmt.Errorf("failed to delete old sent messages: %w", err)
	}
	sentDeleted, _ := result.RowsAffected()

	// Failed rows never got a sent_time; age them by their last update
	failedCutoff := now.AddDate(0, 0, -maxFailedAgeDays)
	result, err = s.db.Conn().Exec(
		"DELETE FROM mail_queue WHERE status = ? AND update_time <= ?",
		string(types.StatusFailed), formatTime(failedCutoff))
	if err != nil {
		return fmt.Errorf("failed to delete old failed messages: %w", err)
	}
	failedDeleted, _ := result.RowsAffected()

	if sentDeleted > 0 || failedDeleted > 0 {
		s.logger.WithFields(logrus.Fields{
			"sent":   sentDeleted,
			"failed": failedDeleted,
		}).Info("Housekeeping removed aged queue rows")
	}

	return nil
}

// DeleteAll removes every row from the queue
func (s *Store) DeleteAll() error {
	if _, err := s.db.Conn().Exec("DELETE FROM mail_queue"); err != nil {
		return fmt.Errorf("failed to clear queue: %w", err)
	}
	return nil
}

// encodedRow holds the JSON-serialized columns of one message
type encodedRow struct {
	sender      sql.NullString
	replyTo     sql.NullString
	recipients  string
	body        string
	attachments string
	sentTime    sql.NullString
}

func encodeMessage(m *types.Message) (*encodedRow, error) {
	row := &encodedRow{}

	if m.Sender != nil {
		data, err := json.Marshal(m.Sender)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal sender: %w", err)
		}
		row.sender = sql.NullString{String: string(data), Valid: true}
	}
	if m.ReplyTo != nil {
		data, err := json.Marshal(m.ReplyTo)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal reply-to: %w", err)
		}
		row.replyTo = sql.NullString{String: string(data), Valid: true}
	}

	recipients, err := json.Marshal(m.Recipients)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal recipients: %w", err)
	}
	row.recipients = string(recipients)

	body, err := json.Marshal(m.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal body: %w", err)
	}
	row.body = string(body)

	attachments := m.Attachments
	if attachments == nil {
		attachments = []types.Attachment{}
	}
	attachmentsJSON, err := json.Marshal(attachments)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal attachments: %w", err)
	}
	row.attachments = string(attachmentsJSON)

	if m.SentTime != nil {
		row.sentTime = sql.NullString{String: formatTime(*m.SentTime), Valid: true}
	}

	return row, nil
}

// timeLayout is fixed-width so that stored timestamps compare
// lexicographically in the same order as the instants they encode
const timeLayout = "2006-01-02T15:04:05.000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}
