// Package chat 编排一次对话：追加用户消息、异步生成回复、持久化，并在切换会话时丢弃过期结果。
package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zhouzirui/zerocode-chat/backend/internal/model/chat"
	"github.com/zhouzirui/zerocode-chat/backend/internal/service/ai"
	"github.com/zhouzirui/zerocode-chat/backend/internal/service/history"
)

// ApologyText replaces the reply when generation fails.
const ApologyText = "Sorry, I encountered an error. Please try again."

var (
	ErrEmptyMessage  = errors.New("message is empty")
	ErrTurnInFlight  = errors.New("a reply is already pending")
	ErrTurnDiscarded = errors.New("reply discarded: active chat changed")
	ErrClosed        = errors.New("orchestrator closed")
)

// Reply is the outcome of a completed turn.
type Reply struct {
	ChatID  string       `json:"chatId"`
	Message chat.Message `json:"message"`
	// Failed is set when Message is the apology text.
	Failed bool  `json:"failed"`
	Cause  error `json:"-"`
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithReplyHandler registers a callback invoked after each accepted reply.
func WithReplyHandler(fn func(Reply)) Option {
	return func(o *Orchestrator) { o.onReply = fn }
}

// WithTurnTimeout bounds a single generation.
func WithTurnTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.timeout = d }
}

// WithClock overrides the message timestamp source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// TurnOption customises one SendTurn call.
type TurnOption func(*turnConfig)

type turnConfig struct {
	onDelta func(string)
}

// WithDeltas streams partial reply text when the generator supports it.
func WithDeltas(fn func(string)) TurnOption {
	return func(c *turnConfig) { c.onDelta = fn }
}

// Orchestrator owns the active chat of one profile.
type Orchestrator struct {
	mu      sync.Mutex
	history *history.Store
	gen     ai.Generator
	logger  *zap.Logger
	now     func() time.Time
	timeout time.Duration
	onReply func(Reply)

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	chatID   string
	messages []chat.Message
	pending  *Turn
	closed   bool
}

// NewOrchestrator creates an orchestrator with no active chat.
func NewOrchestrator(store *history.Store, gen ai.Generator, logger *zap.Logger, opts ...Option) *Orchestrator {
	ctx, stop := context.WithCancel(context.Background())
	o := &Orchestrator{
		history: store,
		gen:     gen,
		logger:  logger.With(zap.String("component", "orchestrator")),
		now:     func() time.Time { return time.Now().UTC() },
		baseCtx: ctx,
		stop:    stop,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// ActiveChatID returns the id of the active chat, empty before the first turn.
func (o *Orchestrator) ActiveChatID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.chatID
}

// Messages returns a copy of the active chat's messages.
func (o *Orchestrator) Messages() []chat.Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	return cloneMessages(o.messages)
}

// Pending reports whether a reply is being generated.
func (o *Orchestrator) Pending() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pending != nil
}

// NewChat 取消未完成的回复并开始一个新会话。
func (o *Orchestrator) NewChat() (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return "", ErrClosed
	}
	o.cancelPendingLocked()
	o.chatID = history.NewChatID()
	o.messages = nil

	o.logger.Info("new chat", zap.String("chat_id", o.chatID))
	return o.chatID, nil
}

// OpenChat 取消未完成的回复并切换到已保存的会话。
func (o *Orchestrator) OpenChat(ctx context.Context, chatID string) (chat.Record, error) {
	record, err := o.history.Get(ctx, chatID)
	if err != nil {
		return chat.Record{}, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return chat.Record{}, ErrClosed
	}
	o.cancelPendingLocked()
	o.chatID = record.ID
	o.messages = cloneMessages(record.Messages)

	o.logger.Info("chat opened", zap.String("chat_id", chatID), zap.Int("messages", len(record.Messages)))
	return record, nil
}

// ForgetChat 在会话被删除后清空活动会话（仅当它是被删除的那个）。
func (o *Orchestrator) ForgetChat(chatID string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.chatID != chatID {
		return
	}
	o.cancelPendingLocked()
	o.chatID = ""
	o.messages = nil
}

// SendTurn appends the user message, persists it and starts generating the
// reply in the background. The returned Turn resolves with the reply.
func (o *Orchestrator) SendTurn(ctx context.Context, userName, text string, opts ...TurnOption) (*Turn, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyMessage
	}

	var cfg turnConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, ErrClosed
	}
	if o.pending != nil {
		o.mu.Unlock()
		return nil, ErrTurnInFlight
	}
	if o.chatID == "" {
		o.chatID = history.NewChatID()
	}

	prior := cloneMessages(o.messages)
	userMsg := chat.Message{ID: uuid.NewString(), Text: text, Sender: chat.SenderUser, Timestamp: o.now()}
	o.messages = append(o.messages, userMsg)
	o.persistLocked(ctx)

	turnCtx, cancel := context.WithCancel(o.baseCtx)
	if o.timeout > 0 {
		turnCtx, cancel = withTimeout(turnCtx, cancel, o.timeout)
	}
	turn := newTurn(o.chatID, userMsg, cancel)
	o.pending = turn
	o.wg.Add(1)
	o.mu.Unlock()

	req := ai.Request{UserName: userName, History: prior, Message: text}
	go o.run(turnCtx, turn, req, cfg)

	return turn, nil
}

// Close cancels any pending turn and waits for background work to finish.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.closed = true
	o.cancelPendingLocked()
	o.mu.Unlock()

	o.stop()
	o.wg.Wait()
}

func (o *Orchestrator) run(ctx context.Context, turn *Turn, req ai.Request, cfg turnConfig) {
	defer o.wg.Done()
	defer turn.cancel()

	text, err := o.generate(ctx, req, cfg)

	o.mu.Lock()
	if o.pending != turn {
		o.mu.Unlock()
		o.logger.Info("discarding stale reply", zap.String("chat_id", turn.ChatID))
		turn.finish(Reply{}, ErrTurnDiscarded)
		return
	}

	reply := Reply{ChatID: turn.ChatID}
	if err != nil {
		o.logger.Warn("reply generation failed", zap.String("chat_id", turn.ChatID), zap.Error(err))
		text = ApologyText
		reply.Failed = true
		reply.Cause = err
	}
	reply.Message = chat.Message{ID: uuid.NewString(), Text: text, Sender: chat.SenderBot, Timestamp: o.now()}

	o.messages = append(o.messages, reply.Message)
	o.pending = nil
	o.persistLocked(context.WithoutCancel(ctx))
	onReply := o.onReply
	o.mu.Unlock()

	if onReply != nil {
		onReply(reply)
	}
	turn.finish(reply, nil)
}

func (o *Orchestrator) generate(ctx context.Context, req ai.Request, cfg turnConfig) (string, error) {
	if streamer, ok := o.gen.(ai.StreamingGenerator); ok && cfg.onDelta != nil {
		return streamer.GenerateStream(ctx, req, cfg.onDelta)
	}
	return o.gen.Generate(ctx, req)
}

func (o *Orchestrator) persistLocked(ctx context.Context) {
	if _, err := o.history.Save(ctx, o.chatID, o.messages); err != nil {
		o.logger.Error("failed to persist chat", zap.String("chat_id", o.chatID), zap.Error(err))
	}
}

func (o *Orchestrator) cancelPendingLocked() {
	if o.pending == nil {
		return
	}
	o.pending.cancel()
	o.pending = nil
}

func withTimeout(parent context.Context, cancelParent context.CancelFunc, d time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(parent, d)
	return ctx, func() {
		cancel()
		cancelParent()
	}
}

func cloneMessages(in []chat.Message) []chat.Message {
	if len(in) == 0 {
		return nil
	}
	out := make([]chat.Message, len(in))
	copy(out, in)
	return out
}
