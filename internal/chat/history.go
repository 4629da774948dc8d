// Package chat keeps the message history of a scope's support chat.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/storefront/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Role names the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

const maxContentLength = 4000

var (
	// ErrInvalidMessage marks a message with an unknown role or empty content.
	ErrInvalidMessage = errors.New("chat: invalid message")
	errMissingStore   = errors.New("chat: store required")
)

// Message is one persisted chat entry.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// HistoryConfig describes the dependencies of a History.
type HistoryConfig struct {
	Store  store.Store
	Logger *zap.Logger
	Clock  func() time.Time
	NewID  func() (string, error)
}

// History reads and appends the chat messages of one scope.
type History struct {
	store  store.Store
	logger *zap.Logger
	clock  func() time.Time
	newID  func() (string, error)

	mu sync.Mutex
}

// NewHistory constructs a History.
func NewHistory(cfg HistoryConfig) (*History, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	newID := cfg.NewID
	if newID == nil {
		newID = func() (string, error) {
			id, err := uuid.NewV7()
			if err != nil {
				return "", err
			}
			return id.String(), nil
		}
	}
	return &History{store: cfg.Store, logger: logger, clock: clock, newID: newID}, nil
}

// Messages returns the history oldest first.
func (h *History) Messages(ctx context.Context) ([]Message, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.load(ctx)
}

// Append validates and stores a message at the end of the history.
func (h *History) Append(ctx context.Context, role Role, content string) (Message, error) {
	content = strings.TrimSpace(content)
	if role != RoleUser && role != RoleAssistant {
		return Message{}, fmt.Errorf("%w: unknown role %q", ErrInvalidMessage, role)
	}
	if content == "" {
		return Message{}, fmt.Errorf("%w: empty content", ErrInvalidMessage)
	}
	if len(content) > maxContentLength {
		return Message{}, fmt.Errorf("%w: content exceeds %d characters", ErrInvalidMessage, maxContentLength)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	messages, err := h.load(ctx)
	if err != nil {
		return Message{}, err
	}
	id, err := h.newID()
	if err != nil {
		return Message{}, fmt.Errorf("chat: message id: %w", err)
	}
	message := Message{ID: id, Role: role, Content: content, CreatedAt: h.clock().UTC()}
	if err := store.PutJSON(ctx, h.store, store.ChatMessagesKey(), append(messages, message)); err != nil {
		return Message{}, fmt.Errorf("chat: persist messages: %w", err)
	}
	return message, nil
}

// Clear removes every message. It is idempotent.
func (h *History) Clear(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.store.Delete(ctx, store.ChatMessagesKey()); err != nil {
		return fmt.Errorf("chat: clear messages: %w", err)
	}
	return nil
}

// load reads the persisted history. A malformed list counts as empty.
func (h *History) load(ctx context.Context) ([]Message, error) {
	var messages []Message
	_, err := store.GetJSON(ctx, h.store, store.ChatMessagesKey(), &messages)
	switch {
	case err == nil:
		if messages == nil {
			messages = []Message{}
		}
		return messages, nil
	case errors.Is(err, store.ErrMalformed):
		h.logger.Warn("chat history ignored", zap.Error(err))
		return []Message{}, nil
	default:
		return nil, fmt.Errorf("chat: read messages: %w", err)
	}
}
