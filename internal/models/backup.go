package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidBackupKey is returned for keys not produced by BackupKey.
var ErrInvalidBackupKey = errors.New("invalid backup key")

// BackupLabelLayout renders backup times as DD-MM-YYYY HH:mm.
const BackupLabelLayout = "02-01-2006 15:04"

// BackupKey identifies the snapshot taken for userID at t.
func BackupKey(userID string, t time.Time) string {
	return userID + ":" + t.UTC().Format(time.RFC3339Nano)
}

// ParseBackupKey splits a key produced by BackupKey.
func ParseBackupKey(key string) (string, time.Time, error) {
	userID, ts, ok := strings.Cut(key, ":")
	if !ok || userID == "" || ts == "" {
		return "", time.Time{}, fmt.Errorf("%w: %q", ErrInvalidBackupKey, key)
	}
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("%w: %q: %v", ErrInvalidBackupKey, key, err)
	}
	return userID, t, nil
}

// FormatBackupLabel renders a backup time for display in selection prompts.
func FormatBackupLabel(t time.Time) string {
	return t.Format(BackupLabelLayout)
}
