// This file implements the DynamoDB-backed user store.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/BTreeMap/InnerGuide/internal/models"
)

// Single-table layout. Every item of a user shares PK = USER#{id}.
const (
	dynamoPKPrefix        = "USER#"
	dynamoSKProfile       = "PROFILE"
	dynamoSKMessagePrefix = "MSG#"
	dynamoSKProfileBackup = "BACKUP#PROFILE#"
	dynamoSKHistoryBackup = "BACKUP#HISTORY#"
	dynamoAttrData        = "data"
	dynamoAttrBackupKey   = "backupKey"
	dynamoAttrUserID      = "userId"
)

// dynamodbAPI is the minimal DynamoDB interface required by DynamoDBStore.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// DynamoDBStore is a UserStore backed by a single DynamoDB table keyed on PK/SK.
type DynamoDBStore struct {
	api        dynamodbAPI
	table      string
	maxBackups int
	now        func() time.Time
}

// NewDynamoDBStore loads the default AWS configuration and opens the table from opts.
func NewDynamoDBStore(ctx context.Context, opts ...Option) (*DynamoDBStore, error) {
	cfg := applyOpts(opts)
	if strings.TrimSpace(cfg.DynamoTable) == "" {
		return nil, errors.New("dynamodb table name not set")
	}
	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		slog.Error("DynamoDBStore failed to load AWS config", "error", err)
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	client := dynamodb.NewFromConfig(awsCfg)
	if _, err := client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(cfg.DynamoTable)}); err != nil {
		slog.Error("DynamoDBStore table not reachable", "error", err, "table", cfg.DynamoTable)
		return nil, fmt.Errorf("failed to describe table %s: %w", cfg.DynamoTable, err)
	}
	slog.Debug("DynamoDBStore connected", "table", cfg.DynamoTable, "region", awsCfg.Region)
	return newDynamoDBStoreWithAPI(client, cfg.DynamoTable, cfg.MaxBackups), nil
}

func newDynamoDBStoreWithAPI(api dynamodbAPI, table string, maxBackups int) *DynamoDBStore {
	if maxBackups <= 0 {
		maxBackups = DefaultMaxBackups
	}
	return &DynamoDBStore{api: api, table: table, maxBackups: maxBackups, now: time.Now}
}

func userPK(userID string) string {
	return dynamoPKPrefix + userID
}

func itemKey(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk},
		"SK": &types.AttributeValueMemberS{Value: sk},
	}
}

func stringAttr(item map[string]types.AttributeValue, name string) (string, error) {
	v, ok := item[name].(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("attribute %q missing or not a string", name)
	}
	return v.Value, nil
}

func (s *DynamoDBStore) put(ctx context.Context, pk, sk string, attrs map[string]string) error {
	item := itemKey(pk, sk)
	for k, v := range attrs {
		item[k] = &types.AttributeValueMemberS{Value: v}
	}
	_, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{TableName: aws.String(s.table), Item: item})
	return err
}

// queryPrefix returns every item of pk whose sort key starts with prefix.
func (s *DynamoDBStore) queryPrefix(ctx context.Context, pk, prefix string, forward bool) ([]map[string]types.AttributeValue, error) {
	var (
		items     []map[string]types.AttributeValue
		startFrom map[string]types.AttributeValue
	)
	for {
		out, err := s.api.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(s.table),
			KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk":     &types.AttributeValueMemberS{Value: pk},
				":prefix": &types.AttributeValueMemberS{Value: prefix},
			},
			ScanIndexForward:  aws.Bool(forward),
			ExclusiveStartKey: startFrom,
		})
		if err != nil {
			return nil, err
		}
		items = append(items, out.Items...)
		if len(out.LastEvaluatedKey) == 0 {
			return items, nil
		}
		startFrom = out.LastEvaluatedKey
	}
}

func (s *DynamoDBStore) GetUserData(ctx context.Context, userID string) (*models.UserData, error) {
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

func (s *DynamoDBStore) GetUser(ctx context.Context, userID string) (*models.UserProfile, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            itemKey(userPK(userID), dynamoSKProfile),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		slog.Error("DynamoDBStore GetUser failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to load profile for %s: %w", userID, err)
	}
	if out == nil || len(out.Item) == 0 {
		return models.DefaultProfile(userID), nil
	}
	data, err := stringAttr(out.Item, dynamoAttrData)
	if err != nil {
		return nil, fmt.Errorf("failed to decode profile for %s: %w", userID, err)
	}
	return decodeProfile(data)
}

func (s *DynamoDBStore) SaveUser(ctx context.Context, profile *models.UserProfile) error {
	if profile == nil || profile.ID == "" {
		return models.ErrEmptyUserID
	}
	data, err := encodeProfile(profile)
	if err != nil {
		return err
	}
	err = s.put(ctx, userPK(profile.ID), dynamoSKProfile, map[string]string{
		dynamoAttrData:   data,
		dynamoAttrUserID: profile.ID,
	})
	if err != nil {
		slog.Error("DynamoDBStore SaveUser failed", "error", err, "userID", profile.ID)
		return fmt.Errorf("failed to save profile for %s: %w", profile.ID, err)
	}
	slog.Debug("DynamoDBStore SaveUser succeeded", "userID", profile.ID)
	return nil
}

func (s *DynamoDBStore) AddMessage(ctx context.Context, msg models.Message) error {
	if msg.UserID == "" {
		return models.ErrEmptyUserID
	}
	data, err := encodeMessages([]models.Message{msg})
	if err != nil {
		return err
	}
	sk := dynamoSKMessagePrefix + sortableTime(msg.Timestamp) + "#" + msg.ID
	if err := s.put(ctx, userPK(msg.UserID), sk, map[string]string{dynamoAttrData: data}); err != nil {
		slog.Error("DynamoDBStore AddMessage failed", "error", err, "userID", msg.UserID)
		return fmt.Errorf("failed to append message for %s: %w", msg.UserID, err)
	}
	return nil
}

func (s *DynamoDBStore) GetMessageHistory(ctx context.Context, userID string) ([]models.Message, error) {
	items, err := s.queryPrefix(ctx, userPK(userID), dynamoSKMessagePrefix, true)
	if err != nil {
		slog.Error("DynamoDBStore GetMessageHistory failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to load messages for %s: %w", userID, err)
	}
	msgs := make([]models.Message, 0, len(items))
	for _, item := range items {
		data, err := stringAttr(item, dynamoAttrData)
		if err != nil {
			return nil, err
		}
		decoded, err := decodeMessages(data)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, decoded...)
	}
	return msgs, nil
}

func (s *DynamoDBStore) ClearMessageHistory(ctx context.Context, userID string) error {
	profile, err := s.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	pk := userPK(userID)
	msgItems, err := s.queryPrefix(ctx, pk, dynamoSKMessagePrefix, true)
	if err != nil {
		return fmt.Errorf("failed to load messages for %s: %w", userID, err)
	}

	at := s.now()
	key := models.BackupKey(userID, at)
	profileData, err := encodeProfile(profile)
	if err != nil {
		return err
	}
	if err := s.put(ctx, pk, dynamoSKProfileBackup+sortableTime(at), map[string]string{
		dynamoAttrData:      profileData,
		dynamoAttrBackupKey: key,
	}); err != nil {
		return fmt.Errorf("failed to snapshot profile for %s: %w", userID, err)
	}

	if len(msgItems) > 0 {
		msgs, err := s.GetMessageHistory(ctx, userID)
		if err != nil {
			return err
		}
		historyData, err := encodeMessages(msgs)
		if err != nil {
			return err
		}
		if err := s.put(ctx, pk, dynamoSKHistoryBackup+sortableTime(at), map[string]string{
			dynamoAttrData:      historyData,
			dynamoAttrBackupKey: key,
		}); err != nil {
			return fmt.Errorf("failed to snapshot history for %s: %w", userID, err)
		}
	}

	if err := s.deleteItems(ctx, msgItems); err != nil {
		return fmt.Errorf("failed to clear messages for %s: %w", userID, err)
	}
	if err := s.SaveUser(ctx, resetProfile(profile)); err != nil {
		return err
	}
	for _, prefix := range []string{dynamoSKProfileBackup, dynamoSKHistoryBackup} {
		if err := s.pruneBackups(ctx, pk, prefix); err != nil {
			slog.Warn("DynamoDBStore failed to prune backups", "error", err, "userID", userID)
		}
	}
	slog.Debug("DynamoDBStore ClearMessageHistory succeeded", "userID", userID, "backup", key)
	return nil
}

func (s *DynamoDBStore) deleteItems(ctx context.Context, items []map[string]types.AttributeValue) error {
	for _, item := range items {
		_, err := s.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName: aws.String(s.table),
			Key:       map[string]types.AttributeValue{"PK": item["PK"], "SK": item["SK"]},
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *DynamoDBStore) pruneBackups(ctx context.Context, pk, prefix string) error {
	items, err := s.queryPrefix(ctx, pk, prefix, false)
	if err != nil {
		return err
	}
	if len(items) <= s.maxBackups {
		return nil
	}
	return s.deleteItems(ctx, items[s.maxBackups:])
}

func (s *DynamoDBStore) GetBackups(ctx context.Context, userID string) ([]string, error) {
	items, err := s.queryPrefix(ctx, userPK(userID), dynamoSKProfileBackup, false)
	if err != nil {
		slog.Error("DynamoDBStore GetBackups failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to list backups for %s: %w", userID, err)
	}
	keys := make([]string, 0, len(items))
	for _, item := range items {
		key, err := stringAttr(item, dynamoAttrBackupKey)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func (s *DynamoDBStore) getBackupData(ctx context.Context, pk, sk string) (string, bool, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            itemKey(pk, sk),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return "", false, err
	}
	if out == nil || len(out.Item) == 0 {
		return "", false, nil
	}
	data, err := stringAttr(out.Item, dynamoAttrData)
	return data, err == nil, err
}

func (s *DynamoDBStore) RestoreFromBackup(ctx context.Context, backupKey string) error {
	userID, at, err := models.ParseBackupKey(backupKey)
	if err != nil {
		return err
	}
	pk := userPK(userID)
	profileData, ok, err := s.getBackupData(ctx, pk, dynamoSKProfileBackup+sortableTime(at))
	if err != nil {
		return fmt.Errorf("failed to load backup %s: %w", backupKey, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrBackupNotFound, backupKey)
	}
	profile, err := decodeProfile(profileData)
	if err != nil {
		return err
	}
	if err := s.SaveUser(ctx, profile); err != nil {
		return err
	}

	historyData, ok, err := s.getBackupData(ctx, pk, dynamoSKHistoryBackup+sortableTime(at))
	if err != nil {
		return fmt.Errorf("failed to load history backup %s: %w", backupKey, err)
	}
	if ok {
		msgs, err := decodeMessages(historyData)
		if err != nil {
			return err
		}
		current, err := s.queryPrefix(ctx, pk, dynamoSKMessagePrefix, true)
		if err != nil {
			return err
		}
		if err := s.deleteItems(ctx, current); err != nil {
			return err
		}
		for _, m := range msgs {
			if err := s.AddMessage(ctx, m); err != nil {
				return err
			}
		}
	}
	slog.Debug("DynamoDBStore RestoreFromBackup succeeded", "userID", userID, "backup", backupKey)
	return nil
}

func (s *DynamoDBStore) GetActiveUsers(ctx context.Context) ([]models.UserProfile, error) {
	var (
		users     = []models.UserProfile{}
		startFrom map[string]types.AttributeValue
	)
	for {
		out, err := s.api.Scan(ctx, &dynamodb.ScanInput{
			TableName:        aws.String(s.table),
			FilterExpression: aws.String("SK = :sk"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":sk": &types.AttributeValueMemberS{Value: dynamoSKProfile},
			},
			ExclusiveStartKey: startFrom,
		})
		if err != nil {
			slog.Error("DynamoDBStore GetActiveUsers scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan profiles: %w", err)
		}
		for _, item := range out.Items {
			data, err := stringAttr(item, dynamoAttrData)
			if err != nil {
				continue
			}
			p, err := decodeProfile(data)
			if err != nil {
				slog.Warn("DynamoDBStore GetActiveUsers skipping undecodable profile", "error", err)
				continue
			}
			users = append(users, *p)
		}
		if len(out.LastEvaluatedKey) == 0 {
			return users, nil
		}
		startFrom = out.LastEvaluatedKey
	}
}

// Disconnect is a no-op; the AWS client holds no persistent connection.
func (s *DynamoDBStore) Disconnect() error {
	return nil
}
