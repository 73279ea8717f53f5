package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/BTreeMap/InnerGuide/internal/models"
)

// sortableTimeLayout is a fixed-width UTC layout whose lexical order matches time order.
const sortableTimeLayout = "2006-01-02T15:04:05.000000000Z"

func sortableTime(t time.Time) string {
	return t.UTC().Format(sortableTimeLayout)
}

func encodeProfile(p *models.UserProfile) (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to encode profile %s: %w", p.ID, err)
	}
	return string(data), nil
}

func decodeProfile(data string) (*models.UserProfile, error) {
	var p models.UserProfile
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return nil, fmt.Errorf("failed to decode profile: %w", err)
	}
	p.Normalize()
	return &p, nil
}

func encodeMessages(msgs []models.Message) (string, error) {
	data, err := json.Marshal(msgs)
	if err != nil {
		return "", fmt.Errorf("failed to encode messages: %w", err)
	}
	return string(data), nil
}

func decodeMessages(data string) ([]models.Message, error) {
	var msgs []models.Message
	if err := json.Unmarshal([]byte(data), &msgs); err != nil {
		return nil, fmt.Errorf("failed to decode messages: %w", err)
	}
	return msgs, nil
}
