package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/InnerGuide/internal/models"
)

const (
	backupKindProfile = "profile"
	backupKindHistory = "history"
)

// sqlStore implements UserStore over database/sql. SQLiteStore and PostgresStore
// differ only in driver, migrations and placeholder style.
type sqlStore struct {
	db         *sql.DB
	name       string // used as the log prefix, e.g. "SQLiteStore"
	numbered   bool   // $1-style placeholders
	maxBackups int
	now        func() time.Time
}

// rebind rewrites ? placeholders into $n form for PostgreSQL.
func (s *sqlStore) rebind(query string) string {
	if !s.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *sqlStore) GetUserData(ctx context.Context, userID string) (*models.UserData, error) {
	profile, err := s.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	msgs, err := s.GetMessageHistory(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &models.UserData{Profile: profile, Messages: msgs}, nil
}

func (s *sqlStore) GetUser(ctx context.Context, userID string) (*models.UserProfile, error) {
	return s.getUser(ctx, s.db, userID)
}

func (s *sqlStore) getUser(ctx context.Context, q queryer, userID string) (*models.UserProfile, error) {
	var data string
	err := q.QueryRowContext(ctx, s.rebind(`SELECT profile_json FROM user_profiles WHERE user_id = ?`), userID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		slog.Debug(s.name+" GetUser not found, using default profile", "userID", userID)
		return models.DefaultProfile(userID), nil
	}
	if err != nil {
		slog.Error(s.name+" GetUser failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to load profile for %s: %w", userID, err)
	}
	return decodeProfile(data)
}

func (s *sqlStore) SaveUser(ctx context.Context, profile *models.UserProfile) error {
	if profile == nil || profile.ID == "" {
		return models.ErrEmptyUserID
	}
	return s.saveUser(ctx, s.db, profile)
}

func (s *sqlStore) saveUser(ctx context.Context, q queryer, profile *models.UserProfile) error {
	data, err := encodeProfile(profile)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, s.rebind(`
		INSERT INTO user_profiles (user_id, profile_json, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET profile_json = excluded.profile_json, updated_at = excluded.updated_at`),
		profile.ID, data, s.now().UTC())
	if err != nil {
		slog.Error(s.name+" SaveUser failed", "error", err, "userID", profile.ID)
		return fmt.Errorf("failed to save profile for %s: %w", profile.ID, err)
	}
	slog.Debug(s.name+" SaveUser succeeded", "userID", profile.ID)
	return nil
}

func (s *sqlStore) AddMessage(ctx context.Context, msg models.Message) error {
	if msg.UserID == "" {
		return models.ErrEmptyUserID
	}
	return s.insertMessage(ctx, s.db, msg)
}

func (s *sqlStore) insertMessage(ctx context.Context, q queryer, msg models.Message) error {
	_, err := q.ExecContext(ctx, s.rebind(`INSERT INTO messages (id, user_id, role, content, created_at) VALUES (?, ?, ?, ?, ?)`),
		msg.ID, msg.UserID, string(msg.Role), msg.Message, msg.Timestamp.UTC())
	if err != nil {
		slog.Error(s.name+" AddMessage failed", "error", err, "userID", msg.UserID)
		return fmt.Errorf("failed to insert message for %s: %w", msg.UserID, err)
	}
	return nil
}

func (s *sqlStore) GetMessageHistory(ctx context.Context, userID string) ([]models.Message, error) {
	return s.messageHistory(ctx, s.db, userID)
}

func (s *sqlStore) messageHistory(ctx context.Context, q queryer, userID string) ([]models.Message, error) {
	rows, err := q.QueryContext(ctx, s.rebind(`SELECT id, user_id, role, content, created_at FROM messages WHERE user_id = ? ORDER BY seq`), userID)
	if err != nil {
		slog.Error(s.name+" GetMessageHistory query failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to query messages for %s: %w", userID, err)
	}
	defer rows.Close()

	msgs := []models.Message{}
	for rows.Next() {
		var (
			m    models.Message
			role string
		)
		if err := rows.Scan(&m.ID, &m.UserID, &role, &m.Message, &m.Timestamp); err != nil {
			slog.Error(s.name+" GetMessageHistory scan failed", "error", err, "userID", userID)
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		m.Role = models.Role(role)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate message rows: %w", err)
	}
	return msgs, nil
}

func (s *sqlStore) ClearMessageHistory(ctx context.Context, userID string) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin clear transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	profile, err := s.getUser(ctx, tx, userID)
	if err != nil {
		return err
	}
	msgs, err := s.messageHistory(ctx, tx, userID)
	if err != nil {
		return err
	}

	at := s.now().UTC()
	key := models.BackupKey(userID, at)
	profileData, err := encodeProfile(profile)
	if err != nil {
		return err
	}
	insertBackup := s.rebind(`INSERT INTO backups (backup_key, kind, user_id, payload, created_at) VALUES (?, ?, ?, ?, ?)`)
	if _, err = tx.ExecContext(ctx, insertBackup, key, backupKindProfile, userID, profileData, at); err != nil {
		return fmt.Errorf("failed to snapshot profile for %s: %w", userID, err)
	}
	if len(msgs) > 0 {
		historyData, encErr := encodeMessages(msgs)
		if encErr != nil {
			return encErr
		}
		if _, err = tx.ExecContext(ctx, insertBackup, key, backupKindHistory, userID, historyData, at); err != nil {
			return fmt.Errorf("failed to snapshot history for %s: %w", userID, err)
		}
	}

	if _, err = tx.ExecContext(ctx, s.rebind(`
		DELETE FROM backups WHERE user_id = ? AND backup_key NOT IN (
			SELECT backup_key FROM backups WHERE user_id = ? AND kind = ? ORDER BY created_at DESC LIMIT ?)`),
		userID, userID, backupKindProfile, s.maxBackups); err != nil {
		return fmt.Errorf("failed to prune backups for %s: %w", userID, err)
	}
	if _, err = tx.ExecContext(ctx, s.rebind(`DELETE FROM messages WHERE user_id = ?`), userID); err != nil {
		return fmt.Errorf("failed to clear messages for %s: %w", userID, err)
	}
	if err = s.saveUser(ctx, tx, resetProfile(profile)); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit clear for %s: %w", userID, err)
	}
	slog.Debug(s.name+" ClearMessageHistory succeeded", "userID", userID, "backup", key, "messages", len(msgs))
	return nil
}

func (s *sqlStore) GetBackups(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT backup_key FROM backups WHERE user_id = ? AND kind = ? ORDER BY created_at DESC`), userID, backupKindProfile)
	if err != nil {
		slog.Error(s.name+" GetBackups query failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to query backups for %s: %w", userID, err)
	}
	defer rows.Close()

	keys := []string{}
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan backup row: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (s *sqlStore) RestoreFromBackup(ctx context.Context, backupKey string) (err error) {
	userID, _, err := models.ParseBackupKey(backupKey)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin restore transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	payloads := map[string]string{}
	rows, err := tx.QueryContext(ctx, s.rebind(`SELECT kind, payload FROM backups WHERE backup_key = ?`), backupKey)
	if err != nil {
		return fmt.Errorf("failed to load backup %s: %w", backupKey, err)
	}
	for rows.Next() {
		var kind, payload string
		if err = rows.Scan(&kind, &payload); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan backup row: %w", err)
		}
		payloads[kind] = payload
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return err
	}

	profileData, ok := payloads[backupKindProfile]
	if !ok {
		err = fmt.Errorf("%w: %s", ErrBackupNotFound, backupKey)
		return err
	}
	profile, err := decodeProfile(profileData)
	if err != nil {
		return err
	}
	if err = s.saveUser(ctx, tx, profile); err != nil {
		return err
	}

	if historyData, ok := payloads[backupKindHistory]; ok {
		msgs, decErr := decodeMessages(historyData)
		if decErr != nil {
			err = decErr
			return err
		}
		if _, err = tx.ExecContext(ctx, s.rebind(`DELETE FROM messages WHERE user_id = ?`), userID); err != nil {
			return fmt.Errorf("failed to clear messages for %s: %w", userID, err)
		}
		for _, m := range msgs {
			if err = s.insertMessage(ctx, tx, m); err != nil {
				return err
			}
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit restore of %s: %w", backupKey, err)
	}
	slog.Debug(s.name+" RestoreFromBackup succeeded", "userID", userID, "backup", backupKey)
	return nil
}

func (s *sqlStore) GetActiveUsers(ctx context.Context) ([]models.UserProfile, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT profile_json FROM user_profiles ORDER BY user_id`)
	if err != nil {
		slog.Error(s.name+" GetActiveUsers query failed", "error", err)
		return nil, fmt.Errorf("failed to query profiles: %w", err)
	}
	defer rows.Close()

	users := []models.UserProfile{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan profile row: %w", err)
		}
		p, err := decodeProfile(data)
		if err != nil {
			slog.Warn(s.name+" GetActiveUsers skipping undecodable profile", "error", err)
			continue
		}
		users = append(users, *p)
	}
	return users, rows.Err()
}

// Disconnect closes the database connection.
func (s *sqlStore) Disconnect() error {
	slog.Debug("Closing " + s.name + " database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close "+s.name+" database", "error", err)
	}
	return err
}
