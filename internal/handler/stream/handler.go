package stream

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	chatHandler "github.com/zhouzirui/zerocode-chat/backend/internal/handler/chat"
	"github.com/zhouzirui/zerocode-chat/backend/internal/middleware"
	"github.com/zhouzirui/zerocode-chat/backend/internal/model/chat"
	chatService "github.com/zhouzirui/zerocode-chat/backend/internal/service/chat"
	"github.com/zhouzirui/zerocode-chat/backend/internal/service/history"
	"github.com/zhouzirui/zerocode-chat/backend/pkg/utils"
)

// Handler manages streaming replies via Server-Sent Events
type Handler struct {
	logger *zap.Logger
}

// New creates a new stream handler
func New(logger *zap.Logger) *Handler {
	return &Handler{logger: logger.With(zap.String("handler", "stream"))}
}

// RegisterRoutes registers the SSE endpoint.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/chats/{chatID}/stream", h.HandleStream)
}

type startEvent struct {
	ChatID string `json:"chatId"`
}

type messageEvent struct {
	ChatID  string       `json:"chatId"`
	Message chat.Message `json:"message"`
	Failed  bool         `json:"failed,omitempty"`
}

type deltaEvent struct {
	ChatID  string `json:"chatId"`
	Content string `json:"content"`
}

type errorEvent struct {
	Error string `json:"error"`
}

// HandleStream 发送一轮消息，并以 start / user / delta / message / end 事件推送回复
func (h *Handler) HandleStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p, _ := middleware.ProfileFrom(ctx)
	user, _ := middleware.UserFrom(ctx)
	chatID := chi.URLParam(r, "chatID")
	text := r.URL.Query().Get("message")

	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	if text == "" {
		utils.RespondError(w, http.StatusBadRequest, "message query parameter is required")
		return
	}

	if err := chatHandler.Activate(ctx, p, chatID); err != nil {
		if errors.Is(err, history.ErrChatNotFound) {
			utils.RespondError(w, http.StatusNotFound, err.Error())
			return
		}
		h.logger.Error("activate chat failed", zap.String("chat_id", chatID), zap.Error(err))
		utils.RespondError(w, http.StatusInternalServerError, "internal error")
		return
	}

	// deltas 由生成协程写入，本协程负责所有写响应操作
	deltas := make(chan string, 64)
	done := make(chan struct{})
	defer close(done)

	turn, err := p.Chat.SendTurn(ctx, user.Name, text, chatService.WithDeltas(func(d string) {
		select {
		case deltas <- d:
		case <-done:
		}
	}))
	switch {
	case errors.Is(err, chatService.ErrEmptyMessage):
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, chatService.ErrTurnInFlight):
		utils.RespondError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		h.logger.Error("send turn failed", zap.Error(err))
		utils.RespondError(w, http.StatusInternalServerError, "internal error")
		return
	}

	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)

	_ = utils.SendSSEEvent(w, flusher, "start", startEvent{ChatID: turn.ChatID})
	_ = utils.SendSSEEvent(w, flusher, "user", messageEvent{ChatID: turn.ChatID, Message: turn.UserMessage})

	for {
		select {
		case <-ctx.Done():
			// 客户端断开后回复仍会在后台完成并保存
			h.logger.Info("stream client gone", zap.String("chat_id", turn.ChatID))
			return
		case d := <-deltas:
			_ = utils.SendSSEEvent(w, flusher, "delta", deltaEvent{ChatID: turn.ChatID, Content: d})
		case <-turn.Done():
			h.drain(w, flusher, turn.ChatID, deltas)

			reply, err := turn.Wait(context.WithoutCancel(ctx))
			if err != nil {
				_ = utils.SendSSEEvent(w, flusher, "error", errorEvent{Error: err.Error()})
				return
			}
			_ = utils.SendSSEEvent(w, flusher, "message", messageEvent{ChatID: reply.ChatID, Message: reply.Message, Failed: reply.Failed})
			_ = utils.SendSSEEvent(w, flusher, "end", startEvent{ChatID: reply.ChatID})

			h.logger.Info("stream completed", zap.String("chat_id", reply.ChatID), zap.Bool("failed", reply.Failed))
			return
		}
	}
}

func (h *Handler) drain(w http.ResponseWriter, flusher http.Flusher, chatID string, deltas <-chan string) {
	for {
		select {
		case d := <-deltas:
			_ = utils.SendSSEEvent(w, flusher, "delta", deltaEvent{ChatID: chatID, Content: d})
		default:
			return
		}
	}
}
