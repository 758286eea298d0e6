package services

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// InlineButton is a single inline keyboard button linking to a URL or callback
type InlineButton struct {
	Text         string `json:"text"`
	URL          string `json:"url,omitempty"`
	CallbackData string `json:"callback_data,omitempty"`
}

// Keyboard is a grid of inline buttons
type Keyboard [][]InlineButton

// Notifier delivers chat messages to users and admins
type Notifier interface {
	SendUserMessage(ctx context.Context, telegramID int64, text string, keyboard Keyboard) error
	SendAdminMessage(ctx context.Context, text string) error
}

// TelegramNotifier sends messages through the Bot API
type TelegramNotifier struct {
	tg           *TelegramClient
	adminChatIDs []int64
	logger       *zap.Logger
}

// NewTelegramNotifier creates a notifier posting to the given admin chats
func NewTelegramNotifier(tg *TelegramClient, adminChatIDs []int64, logger *zap.Logger) Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TelegramNotifier{tg: tg, adminChatIDs: adminChatIDs, logger: logger.Named("notifier")}
}

func (n *TelegramNotifier) SendUserMessage(ctx context.Context, telegramID int64, text string, keyboard Keyboard) error {
	if telegramID == 0 {
		return fmt.Errorf("telegram id is required")
	}
	body := map[string]any{
		"chat_id":    telegramID,
		"text":       text,
		"parse_mode": "HTML",
	}
	if len(keyboard) > 0 {
		body["reply_markup"] = map[string]any{"inline_keyboard": keyboard}
	}
	return n.tg.Call(ctx, "sendMessage", body, nil)
}

// SendAdminMessage fans out to every admin chat and joins the failures
func (n *TelegramNotifier) SendAdminMessage(ctx context.Context, text string) error {
	var errs []error
	for _, chatID := range n.adminChatIDs {
		err := n.tg.Call(ctx, "sendMessage", map[string]any{
			"chat_id":    chatID,
			"text":       text,
			"parse_mode": "HTML",
		}, nil)
		if err != nil {
			n.logger.Warn("admin notification failed", zap.Int64("chat_id", chatID), zap.Error(err))
			errs = append(errs, fmt.Errorf("chat %d: %w", chatID, err))
		}
	}
	return errors.Join(errs...)
}

// SentMessage is what MockNotifier records
type SentMessage struct {
	TelegramID int64
	Text       string
	Keyboard   Keyboard
	Admin      bool
}

// MockNotifier logs and records messages instead of sending them
type MockNotifier struct {
	mu       sync.Mutex
	logger   *zap.Logger
	messages []SentMessage
}

func NewMockNotifier(logger *zap.Logger) *MockNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MockNotifier{logger: logger.Named("mock_notifier")}
}

func (m *MockNotifier) SendUserMessage(ctx context.Context, telegramID int64, text string, keyboard Keyboard) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logger.Info("user message", zap.Int64("telegram_id", telegramID), zap.String("text", text))
	m.messages = append(m.messages, SentMessage{TelegramID: telegramID, Text: text, Keyboard: keyboard})
	return nil
}

func (m *MockNotifier) SendAdminMessage(ctx context.Context, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logger.Info("admin message", zap.String("text", text))
	m.messages = append(m.messages, SentMessage{Text: text, Admin: true})
	return nil
}

// Messages returns a copy of everything sent so far
func (m *MockNotifier) Messages() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SentMessage, len(m.messages))
	copy(out, m.messages)
	return out
}
