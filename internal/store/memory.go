package store

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/InnerGuide/internal/models"
)

type memoryBackup struct {
	profile *models.UserProfile
	history []models.Message // nil when the log was empty at clear time
}

// InMemoryStore keeps everything in process memory. It is used in tests and as the
// fallback when the configured backend is unreachable. Stored values are copied on
// the way in and out.
type InMemoryStore struct {
	mu         sync.RWMutex
	profiles   map[string]*models.UserProfile
	messages   map[string][]models.Message
	backupKeys map[string][]string // userID -> keys, newest first
	backups    map[string]memoryBackup
	maxBackups int
	now        func() time.Time
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore(opts ...Option) *InMemoryStore {
	cfg := applyOpts(opts)
	return &InMemoryStore{
		profiles:   make(map[string]*models.UserProfile),
		messages:   make(map[string][]models.Message),
		backupKeys: make(map[string][]string),
		backups:    make(map[string]memoryBackup),
		maxBackups: cfg.MaxBackups,
		now:        time.Now,
	}
}

func (s *InMemoryStore) GetUserData(ctx context.Context, userID string) (*models.UserData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return &models.UserData{
		Profile:  s.profileLocked(userID),
		Messages: append([]models.Message{}, s.messages[userID]...),
	}, nil
}

func (s *InMemoryStore) GetUser(ctx context.Context, userID string) (*models.UserProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.profileLocked(userID), nil
}

func (s *InMemoryStore) profileLocked(userID string) *models.UserProfile {
	if p, ok := s.profiles[userID]; ok {
		return p.Clone()
	}
	return models.DefaultProfile(userID)
}

func (s *InMemoryStore) SaveUser(ctx context.Context, profile *models.UserProfile) error {
	if profile == nil || profile.ID == "" {
		return models.ErrEmptyUserID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[profile.ID] = profile.Clone()
	slog.Debug("InMemoryStore SaveUser succeeded", "userID", profile.ID)
	return nil
}

func (s *InMemoryStore) AddMessage(ctx context.Context, msg models.Message) error {
	if msg.UserID == "" {
		return models.ErrEmptyUserID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[msg.UserID] = append(s.messages[msg.UserID], msg)
	return nil
}

func (s *InMemoryStore) GetMessageHistory(ctx context.Context, userID string) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.Message{}, s.messages[userID]...), nil
}

func (s *InMemoryStore) ClearMessageHistory(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	profile := s.profileLocked(userID)
	at := s.now()
	key := models.BackupKey(userID, at)
	for _, taken := s.backups[key]; taken; _, taken = s.backups[key] {
		at = at.Add(time.Nanosecond)
		key = models.BackupKey(userID, at)
	}
	b := memoryBackup{profile: profile.Clone()}
	if msgs := s.messages[userID]; len(msgs) > 0 {
		b.history = append([]models.Message{}, msgs...)
	}
	s.backups[key] = b
	s.backupKeys[userID] = append([]string{key}, s.backupKeys[userID]...)
	if keys := s.backupKeys[userID]; len(keys) > s.maxBackups {
		for _, old := range keys[s.maxBackups:] {
			delete(s.backups, old)
		}
		s.backupKeys[userID] = keys[:s.maxBackups]
	}

	delete(s.messages, userID)
	s.profiles[userID] = resetProfile(profile)
	slog.Debug("InMemoryStore ClearMessageHistory succeeded", "userID", userID, "backup", key)
	return nil
}

func (s *InMemoryStore) GetBackups(ctx context.Context, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string{}, s.backupKeys[userID]...), nil
}

func (s *InMemoryStore) RestoreFromBackup(ctx context.Context, backupKey string) error {
	userID, _, err := models.ParseBackupKey(backupKey)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.backups[backupKey]
	if !ok || b.profile == nil {
		return fmt.Errorf("%w: %s", ErrBackupNotFound, backupKey)
	}
	s.profiles[userID] = b.profile.Clone()
	if b.history != nil {
		s.messages[userID] = append([]models.Message{}, b.history...)
	}
	slog.Debug("InMemoryStore RestoreFromBackup succeeded", "userID", userID, "backup", backupKey)
	return nil
}

func (s *InMemoryStore) GetActiveUsers(ctx context.Context) ([]models.UserProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	users := make([]models.UserProfile, 0, len(s.profiles))
	for _, p := range s.profiles {
		users = append(users, *p.Clone())
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users, nil
}

func (s *InMemoryStore) Disconnect() error {
	return nil
}
