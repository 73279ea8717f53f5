// This file implements the Redis-backed user store.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/BTreeMap/InnerGuide/internal/models"
)

// Redis key layout:
//
//	user:{id}                  profile JSON
//	messages:{id}              list of message JSON, oldest first
//	user_backups:{id}          list of backup keys, newest first
//	user_backups:{backupKey}   profile snapshot
//	history_backups:{id}       list of backup keys that also saved the log
//	history_backups:{backupKey} log snapshot
const (
	redisUserPrefix          = "user:"
	redisMessagesPrefix      = "messages:"
	redisUserBackupPrefix    = "user_backups:"
	redisHistoryBackupPrefix = "history_backups:"
	redisScanBatch           = 100
	redisConnectTimeout      = 5 * time.Second
)

// RedisStore is a UserStore backed by Redis strings and lists.
type RedisStore struct {
	client     *redis.Client
	maxBackups int
	now        func() time.Time
}

// NewRedisStore connects to the Redis URL from opts and verifies it with PING.
func NewRedisStore(ctx context.Context, opts ...Option) (*RedisStore, error) {
	cfg := applyOpts(opts)
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("redis URL not set")
	}
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("RedisStore invalid URL", "error", err)
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	client := redis.NewClient(redisOpts)

	pingCtx, cancel := context.WithTimeout(ctx, redisConnectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		slog.Error("RedisStore ping failed", "error", err, "addr", redisOpts.Addr)
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	slog.Debug("RedisStore connected", "addr", redisOpts.Addr, "db", redisOpts.DB)
	return newRedisStoreWithClient(client, cfg.MaxBackups), nil
}

func newRedisStoreWithClient(client *redis.Client, maxBackups int) *RedisStore {
	if maxBackups <= 0 {
		maxBackups = DefaultMaxBackups
	}
	return &RedisStore{client: client, maxBackups: maxBackups, now: time.Now}
}

func (s *RedisStore) GetUserData(ctx context.Context, userID string) (*models.UserData, error) {
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

func (s *RedisStore) GetUser(ctx context.Context, userID string) (*models.UserProfile, error) {
	data, err := s.client.Get(ctx, redisUserPrefix+userID).Result()
	if errors.Is(err, redis.Nil) {
		return models.DefaultProfile(userID), nil
	}
	if err != nil {
		slog.Error("RedisStore GetUser failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to load profile for %s: %w", userID, err)
	}
	return decodeProfile(data)
}

func (s *RedisStore) SaveUser(ctx context.Context, profile *models.UserProfile) error {
	if profile == nil || profile.ID == "" {
		return models.ErrEmptyUserID
	}
	data, err := encodeProfile(profile)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, redisUserPrefix+profile.ID, data, 0).Err(); err != nil {
		slog.Error("RedisStore SaveUser failed", "error", err, "userID", profile.ID)
		return fmt.Errorf("failed to save profile for %s: %w", profile.ID, err)
	}
	slog.Debug("RedisStore SaveUser succeeded", "userID", profile.ID)
	return nil
}

func (s *RedisStore) AddMessage(ctx context.Context, msg models.Message) error {
	if msg.UserID == "" {
		return models.ErrEmptyUserID
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	if err := s.client.RPush(ctx, redisMessagesPrefix+msg.UserID, data).Err(); err != nil {
		slog.Error("RedisStore AddMessage failed", "error", err, "userID", msg.UserID)
		return fmt.Errorf("failed to append message for %s: %w", msg.UserID, err)
	}
	return nil
}

func (s *RedisStore) GetMessageHistory(ctx context.Context, userID string) ([]models.Message, error) {
	raw, err := s.client.LRange(ctx, redisMessagesPrefix+userID, 0, -1).Result()
	if err != nil {
		slog.Error("RedisStore GetMessageHistory failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to load messages for %s: %w", userID, err)
	}
	msgs := make([]models.Message, 0, len(raw))
	for _, item := range raw {
		var m models.Message
		if err := json.Unmarshal([]byte(item), &m); err != nil {
			slog.Warn("RedisStore GetMessageHistory skipping undecodable message", "error", err, "userID", userID)
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

func (s *RedisStore) ClearMessageHistory(ctx context.Context, userID string) error {
	profile, err := s.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	msgs, err := s.GetMessageHistory(ctx, userID)
	if err != nil {
		return err
	}
	profileData, err := encodeProfile(profile)
	if err != nil {
		return err
	}
	resetData, err := encodeProfile(resetProfile(profile))
	if err != nil {
		return err
	}
	var historyData string
	if len(msgs) > 0 {
		if historyData, err = encodeMessages(msgs); err != nil {
			return err
		}
	}

	key := models.BackupKey(userID, s.now())
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, redisUserBackupPrefix+key, profileData, 0)
		pipe.LPush(ctx, redisUserBackupPrefix+userID, key)
		if historyData != "" {
			pipe.Set(ctx, redisHistoryBackupPrefix+key, historyData, 0)
			pipe.LPush(ctx, redisHistoryBackupPrefix+userID, key)
		}
		pipe.Del(ctx, redisMessagesPrefix+userID)
		pipe.Set(ctx, redisUserPrefix+userID, resetData, 0)
		return nil
	})
	if err != nil {
		slog.Error("RedisStore ClearMessageHistory failed", "error", err, "userID", userID)
		return fmt.Errorf("failed to clear history for %s: %w", userID, err)
	}

	for _, prefix := range []string{redisUserBackupPrefix, redisHistoryBackupPrefix} {
		if err := s.pruneBackups(ctx, prefix, userID); err != nil {
			slog.Warn("RedisStore failed to prune backups", "error", err, "userID", userID, "prefix", prefix)
		}
	}
	slog.Debug("RedisStore ClearMessageHistory succeeded", "userID", userID, "backup", key)
	return nil
}

// pruneBackups drops the snapshots beyond maxBackups from the list at prefix+userID.
func (s *RedisStore) pruneBackups(ctx context.Context, prefix, userID string) error {
	listKey := prefix + userID
	stale, err := s.client.LRange(ctx, listKey, int64(s.maxBackups), -1).Result()
	if err != nil {
		return err
	}
	if len(stale) == 0 {
		return nil
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, key := range stale {
			pipe.Del(ctx, prefix+key)
		}
		pipe.LTrim(ctx, listKey, 0, int64(s.maxBackups-1))
		return nil
	})
	return err
}

func (s *RedisStore) GetBackups(ctx context.Context, userID string) ([]string, error) {
	keys, err := s.client.LRange(ctx, redisUserBackupPrefix+userID, 0, -1).Result()
	if err != nil {
		slog.Error("RedisStore GetBackups failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to list backups for %s: %w", userID, err)
	}
	return keys, nil
}

func (s *RedisStore) RestoreFromBackup(ctx context.Context, backupKey string) error {
	userID, _, err := models.ParseBackupKey(backupKey)
	if err != nil {
		return err
	}
	profileData, err := s.client.Get(ctx, redisUserBackupPrefix+backupKey).Result()
	if errors.Is(err, redis.Nil) {
		return fmt.Errorf("%w: %s", ErrBackupNotFound, backupKey)
	}
	if err != nil {
		return fmt.Errorf("failed to load backup %s: %w", backupKey, err)
	}
	if _, err := decodeProfile(profileData); err != nil {
		return err
	}

	historyData, err := s.client.Get(ctx, redisHistoryBackupPrefix+backupKey).Result()
	hasHistory := err == nil
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to load history backup %s: %w", backupKey, err)
	}
	var msgs []models.Message
	if hasHistory {
		if msgs, err = decodeMessages(historyData); err != nil {
			return err
		}
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, redisUserPrefix+userID, profileData, 0)
		if hasHistory {
			pipe.Del(ctx, redisMessagesPrefix+userID)
			for _, m := range msgs {
				data, err := json.Marshal(m)
				if err != nil {
					return err
				}
				pipe.RPush(ctx, redisMessagesPrefix+userID, data)
			}
		}
		return nil
	})
	if err != nil {
		slog.Error("RedisStore RestoreFromBackup failed", "error", err, "backup", backupKey)
		return fmt.Errorf("failed to restore %s: %w", backupKey, err)
	}
	slog.Debug("RedisStore RestoreFromBackup succeeded", "userID", userID, "backup", backupKey)
	return nil
}

func (s *RedisStore) GetActiveUsers(ctx context.Context) ([]models.UserProfile, error) {
	users := []models.UserProfile{}
	iter := s.client.Scan(ctx, 0, redisUserPrefix+"*", redisScanBatch).Iterator()
	for iter.Next(ctx) {
		userID := strings.TrimPrefix(iter.Val(), redisUserPrefix)
		p, err := s.GetUser(ctx, userID)
		if err != nil {
			slog.Warn("RedisStore GetActiveUsers skipping user", "error", err, "userID", userID)
			continue
		}
		users = append(users, *p)
	}
	if err := iter.Err(); err != nil {
		slog.Error("RedisStore GetActiveUsers scan failed", "error", err)
		return nil, fmt.Errorf("failed to scan users: %w", err)
	}
	return users, nil
}

func (s *RedisStore) Disconnect() error {
	return s.client.Close()
}
