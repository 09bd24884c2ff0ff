// Package history 保存 profile 内的聊天记录，chatId -> Record 整体写回存储。
package history

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zhouzirui/zerocode-chat/backend/internal/model/chat"
	"github.com/zhouzirui/zerocode-chat/backend/internal/storage"
)

const (
	defaultTitle   = "New Chat"
	titleMaxRunes  = 50
	titleKeepRunes = 47
	previewRunes   = 80
)

// ErrChatNotFound is returned by Get for unknown chat ids.
var ErrChatNotFound = errors.New("chat not found")

// Store is the chat history of one profile.
type Store struct {
	mu     sync.Mutex
	store  storage.Store
	now    func() time.Time
	logger *zap.Logger
}

// NewStore creates a history store on top of a profile namespace.
func NewStore(store storage.Store, logger *zap.Logger) *Store {
	return &Store{
		store:  store,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger.With(zap.String("component", "history")),
	}
}

// NewChatID 生成全局唯一且按时间有序的会话 ID。
func NewChatID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Title derives a chat title from its first non-empty user message.
func Title(messages []chat.Message) string {
	for _, msg := range messages {
		if msg.Sender != chat.SenderUser {
			continue
		}
		text := strings.TrimSpace(msg.Text)
		if text == "" {
			continue
		}
		runes := []rune(text)
		if len(runes) > titleMaxRunes {
			return string(runes[:titleKeepRunes]) + "..."
		}
		return text
	}
	return defaultTitle
}

// Save upserts the chat and rewrites the whole history.
func (s *Store) Save(ctx context.Context, chatID string, messages []chat.Message) (chat.Record, error) {
	if chatID == "" {
		return chat.Record{}, fmt.Errorf("save chat: empty chat id")
	}

	copied := make([]chat.Message, len(messages))
	copy(copied, messages)

	record := chat.Record{
		ID:           chatID,
		Messages:     copied,
		Title:        Title(copied),
		LastUpdated:  s.now(),
		MessageCount: len(copied),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.loadLocked(ctx)
	if err != nil {
		return chat.Record{}, err
	}
	all[chatID] = record

	if err := storage.SetJSON(ctx, s.store, storage.KeyChatHistory, all); err != nil {
		return chat.Record{}, fmt.Errorf("persist history: %w", err)
	}

	s.logger.Debug("chat saved", zap.String("chat_id", chatID), zap.Int("messages", record.MessageCount))
	return record, nil
}

// Load returns the full history. Missing or corrupt data yields an empty map.
func (s *Store) Load(ctx context.Context) (map[string]chat.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.loadLocked(ctx)
}

// Get returns a single chat.
func (s *Store) Get(ctx context.Context, chatID string) (chat.Record, error) {
	all, err := s.Load(ctx)
	if err != nil {
		return chat.Record{}, err
	}
	record, ok := all[chatID]
	if !ok {
		return chat.Record{}, ErrChatNotFound
	}
	return record, nil
}

// Delete removes a chat; unknown ids are ignored.
func (s *Store) Delete(ctx context.Context, chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.loadLocked(ctx)
	if err != nil {
		return err
	}
	if _, ok := all[chatID]; !ok {
		return nil
	}
	delete(all, chatID)

	if err := storage.SetJSON(ctx, s.store, storage.KeyChatHistory, all); err != nil {
		return fmt.Errorf("persist history: %w", err)
	}
	s.logger.Info("chat deleted", zap.String("chat_id", chatID))
	return nil
}

// List returns summaries ordered by last update, newest first.
func (s *Store) List(ctx context.Context) ([]chat.Summary, error) {
	all, err := s.Load(ctx)
	if err != nil {
		return nil, err
	}

	summaries := make([]chat.Summary, 0, len(all))
	for _, record := range all {
		summaries = append(summaries, chat.Summary{
			ID:           record.ID,
			Title:        record.Title,
			LastUpdated:  record.LastUpdated,
			MessageCount: record.MessageCount,
			Preview:      preview(record.Messages),
		})
	}

	sort.Slice(summaries, func(i, j int) bool {
		if summaries[i].LastUpdated.Equal(summaries[j].LastUpdated) {
			return summaries[i].ID > summaries[j].ID
		}
		return summaries[i].LastUpdated.After(summaries[j].LastUpdated)
	})
	return summaries, nil
}

func (s *Store) loadLocked(ctx context.Context) (map[string]chat.Record, error) {
	all := make(map[string]chat.Record)
	err := storage.GetJSON(ctx, s.store, storage.KeyChatHistory, &all)
	switch {
	case err == nil:
		if all == nil {
			all = make(map[string]chat.Record)
		}
		return all, nil
	case errors.Is(err, storage.ErrNotFound):
		return make(map[string]chat.Record), nil
	case errors.Is(err, storage.ErrCorrupt):
		s.logger.Warn("chat history corrupt, treating as empty", zap.Error(err))
		return make(map[string]chat.Record), nil
	default:
		return nil, fmt.Errorf("load history: %w", err)
	}
}

func preview(messages []chat.Message) string {
	if len(messages) == 0 {
		return ""
	}
	runes := []rune(strings.TrimSpace(messages[len(messages)-1].Text))
	if len(runes) > previewRunes {
		return string(runes[:previewRunes-3]) + "..."
	}
	return string(runes)
}
