// Package models defines the core data structures for InnerGuide.
//
// It includes user profiles, conversation messages, satisfaction ratings and the
// transport-level receipt and response events shared across modules.
package models

import (
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a conversation message.
type Role string

const (
	// RoleSystem marks instructions given to the model.
	RoleSystem Role = "system"
	// RoleUser marks a message written by the end user.
	RoleUser Role = "user"
	// RoleAssistant marks a message produced by the bot.
	RoleAssistant Role = "assistant"
	// RoleTool marks tool output.
	RoleTool Role = "tool"
)

// IsValid reports whether r is one of the known roles.
func (r Role) IsValid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		return true
	default:
		return false
	}
}

// Language is one of the supported user locales.
type Language string

const (
	LanguageEnglish Language = "en-US"
	LanguageHebrew  Language = "heb"
)

// DefaultLanguage is assigned to every new profile.
const DefaultLanguage = LanguageEnglish

// IsValid reports whether l is a supported locale.
func (l Language) IsValid() bool {
	return l == LanguageEnglish || l == LanguageHebrew
}

// DisplayName is the English name of the language, as given to the model.
func (l Language) DisplayName() string {
	if l == LanguageHebrew {
		return "Hebrew"
	}
	return "English"
}

// SatisfactionLevels is the ordered list of rating labels. A Rating level is the
// 1-based position of its label in this list.
var SatisfactionLevels = []string{"Awful", "Bad", "Okay", "Good", "Great"}

var (
	ErrUnknownSatisfactionLevel = errors.New("unknown satisfaction level")
	ErrEmptyUserID              = errors.New("user id cannot be empty")
)

// SatisfactionOrdinal maps a label from SatisfactionLevels to its 1-based ordinal.
func SatisfactionOrdinal(label string) (int, error) {
	for i, l := range SatisfactionLevels {
		if l == label {
			return i + 1, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownSatisfactionLevel, label)
}

// Message is a single conversation turn. It is never modified after creation.
type Message struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Role      Role      `json:"role"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// NewMessage creates a message with a fresh unique id.
func NewMessage(userID string, role Role, text string, at time.Time) Message {
	return Message{
		ID:        uuid.NewString(),
		UserID:    userID,
		Role:      role,
		Timestamp: at,
		Message:   text,
	}
}

// Rating records one answer to the satisfaction question.
type Rating struct {
	Timestamp time.Time `json:"timestamp"`
	Level     int       `json:"level"`
}

// PersonalDetails holds whatever the bot has learned about the user. Well known keys
// are firstName, lastName, age, gender, maritalStatus and location; extraction may add
// others such as hobbies.
type PersonalDetails map[string]any

// FirstName returns the firstName entry if it is a non-empty string.
func (p PersonalDetails) FirstName() string {
	if name, ok := p["firstName"].(string); ok {
		return name
	}
	return ""
}

// Merge copies the entries of parsed into p. Keys missing from parsed are kept, and
// empty values never erase an existing entry. A nested "personalDetails" object is
// flattened into p.
func (p PersonalDetails) Merge(parsed map[string]any) {
	for key, value := range parsed {
		if key == "personalDetails" {
			if nested, ok := value.(map[string]any); ok {
				p.Merge(nested)
				continue
			}
		}
		if isEmptyDetail(value) {
			continue
		}
		p[key] = value
	}
}

func isEmptyDetail(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return val == ""
	case []string:
		return len(val) == 0
	case []any:
		return len(val) == 0
	case map[string]any:
		return len(val) == 0
	}
	return false
}

// UserProfile is the durable per-user state. Stores replace it wholesale on save.
type UserProfile struct {
	ID                                string          `json:"id"`
	IsBot                             bool            `json:"isBot,omitempty"`
	Username                          string          `json:"username,omitempty"`
	PersonalDetails                   PersonalDetails `json:"personalDetails"`
	ConversationSummary               string          `json:"conversationSummary,omitempty"`
	Language                          Language        `json:"language"`
	SatisfactionLevel                 []Rating        `json:"satisfactionLevel"`
	LastTimeAskedForSatisfactionLevel *time.Time      `json:"lastTimeAskedForSatisfactionLevel,omitempty"`
	CurrentStep                       string          `json:"currentStep,omitempty"`
}

// DefaultProfile is the profile of a user the store has never seen. Every store
// implementation must use it for absent users.
func DefaultProfile(id string) *UserProfile {
	return &UserProfile{
		ID:                id,
		PersonalDetails:   PersonalDetails{},
		Language:          DefaultLanguage,
		SatisfactionLevel: []Rating{},
	}
}

// Clone returns a deep copy of the profile.
func (p *UserProfile) Clone() *UserProfile {
	if p == nil {
		return nil
	}
	c := *p
	c.PersonalDetails = cloneDetails(p.PersonalDetails)
	c.SatisfactionLevel = append([]Rating{}, p.SatisfactionLevel...)
	if p.LastTimeAskedForSatisfactionLevel != nil {
		t := *p.LastTimeAskedForSatisfactionLevel
		c.LastTimeAskedForSatisfactionLevel = &t
	}
	return &c
}

// Normalize fills nil collections and an unset language so decoded profiles behave
// like DefaultProfile ones.
func (p *UserProfile) Normalize() {
	if p.PersonalDetails == nil {
		p.PersonalDetails = PersonalDetails{}
	}
	if p.SatisfactionLevel == nil {
		p.SatisfactionLevel = []Rating{}
	}
	if !p.Language.IsValid() {
		p.Language = DefaultLanguage
	}
}

func cloneDetails(src PersonalDetails) PersonalDetails {
	dst := make(PersonalDetails, len(src))
	for k, v := range src {
		dst[k] = cloneValue(v)
	}
	return dst
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		m := maps.Clone(val)
		for k, inner := range m {
			m[k] = cloneValue(inner)
		}
		return m
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = cloneValue(inner)
		}
		return out
	case []string:
		return append([]string{}, val...)
	default:
		return v
	}
}

// UserData bundles a profile with its message history.
type UserData struct {
	Profile  *UserProfile `json:"profile"`
	Messages []Message    `json:"messages"`
}

// MessageStatus represents the delivery status of an outbound chat message.
type MessageStatus string

const (
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusRead      MessageStatus = "read"
	MessageStatusFailed    MessageStatus = "failed"
)

// Receipt is a delivery event emitted by a messaging service.
type Receipt struct {
	To     string        `json:"to"`
	Status MessageStatus `json:"status"`
	Time   int64         `json:"time"`
}

// Response represents an incoming chat message from a user.
type Response struct {
	From string `json:"from"`
	Body string `json:"body"`
	Time int64  `json:"time"`
}
