package chat

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zhouzirui/zerocode-chat/backend/internal/middleware"
	"github.com/zhouzirui/zerocode-chat/backend/internal/model/chat"
	chatService "github.com/zhouzirui/zerocode-chat/backend/internal/service/chat"
	"github.com/zhouzirui/zerocode-chat/backend/internal/service/history"
	"github.com/zhouzirui/zerocode-chat/backend/internal/service/profile"
	"github.com/zhouzirui/zerocode-chat/backend/pkg/utils"
)

// Handler 聊天服务的HTTP处理器
type Handler struct {
	logger *zap.Logger
	now    func() time.Time
}

// New 创建聊天处理器
func New(logger *zap.Logger) *Handler {
	return &Handler{
		logger: logger.With(zap.String("handler", "chat")),
		now:    time.Now,
	}
}

// RegisterRoutes 注册聊天相关的路由，需要已鉴权
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/chats", h.handleList)
	r.Post("/chats", h.handleNewChat)
	r.Get("/chats/{chatID}", h.handleOpenChat)
	r.Delete("/chats/{chatID}", h.handleDeleteChat)
	r.Post("/chats/{chatID}/messages", h.handleSendMessage)
	r.Get("/analytics", h.handleAnalytics)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	p, _ := middleware.ProfileFrom(r.Context())

	summaries, err := p.History.List(r.Context())
	if err != nil {
		h.internalError(w, "list chats failed", err)
		return
	}
	if summaries == nil {
		summaries = []chat.Summary{}
	}

	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"chats":        summaries,
		"activeChatId": p.Chat.ActiveChatID(),
	})
}

func (h *Handler) handleNewChat(w http.ResponseWriter, r *http.Request) {
	p, _ := middleware.ProfileFrom(r.Context())

	chatID, err := p.Chat.NewChat()
	if err != nil {
		h.internalError(w, "new chat failed", err)
		return
	}

	utils.RespondJSON(w, http.StatusCreated, map[string]string{"chatId": chatID})
}

// handleOpenChat 切换活动会话，未完成的回复会被丢弃
func (h *Handler) handleOpenChat(w http.ResponseWriter, r *http.Request) {
	p, _ := middleware.ProfileFrom(r.Context())
	chatID := chi.URLParam(r, "chatID")

	if err := Activate(r.Context(), p, chatID); err != nil {
		h.respondChatError(w, err)
		return
	}

	messages := p.Chat.Messages()
	if messages == nil {
		messages = []chat.Message{}
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"chatId":   chatID,
		"title":    history.Title(messages),
		"messages": messages,
		"pending":  p.Chat.Pending(),
	})
}

func (h *Handler) handleDeleteChat(w http.ResponseWriter, r *http.Request) {
	p, _ := middleware.ProfileFrom(r.Context())
	chatID := chi.URLParam(r, "chatID")

	if err := p.History.Delete(r.Context(), chatID); err != nil {
		h.internalError(w, "delete chat failed", err)
		return
	}
	p.Chat.ForgetChat(chatID)

	w.WriteHeader(http.StatusNoContent)
}

// handleSendMessage 发送一轮消息并等待回复
func (h *Handler) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	p, _ := middleware.ProfileFrom(r.Context())
	user, _ := middleware.UserFrom(r.Context())
	chatID := chi.URLParam(r, "chatID")

	var payload struct {
		Message string `json:"message"`
	}
	if !utils.DecodeJSON(w, r, &payload) {
		return
	}

	if err := Activate(r.Context(), p, chatID); err != nil {
		h.respondChatError(w, err)
		return
	}

	turn, err := p.Chat.SendTurn(r.Context(), user.Name, payload.Message)
	if err != nil {
		h.respondChatError(w, err)
		return
	}

	reply, err := turn.Wait(r.Context())
	if err != nil {
		h.respondChatError(w, err)
		return
	}

	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"chatId":      reply.ChatID,
		"userMessage": turn.UserMessage,
		"reply":       reply.Message,
		"failed":      reply.Failed,
	})
}

func (h *Handler) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	p, _ := middleware.ProfileFrom(r.Context())

	stats, err := p.History.Analytics(r.Context(), h.now(), p.Chat.ActiveChatID(), p.Chat.Messages())
	if err != nil {
		h.internalError(w, "analytics failed", err)
		return
	}

	utils.RespondJSON(w, http.StatusOK, stats)
}

// Activate makes chatID the active chat of the profile. A chat that is
// already active (even if not yet saved) is left untouched.
func Activate(ctx context.Context, p *profile.Profile, chatID string) error {
	if chatID != "" && p.Chat.ActiveChatID() == chatID {
		return nil
	}
	_, err := p.Chat.OpenChat(ctx, chatID)
	return err
}

func (h *Handler) respondChatError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, history.ErrChatNotFound):
		utils.RespondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, chatService.ErrEmptyMessage):
		utils.RespondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, chatService.ErrTurnInFlight), errors.Is(err, chatService.ErrTurnDiscarded):
		utils.RespondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, chatService.ErrClosed):
		utils.RespondError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		utils.RespondError(w, http.StatusGatewayTimeout, "reply not ready")
	default:
		h.internalError(w, "chat request failed", err)
	}
}

func (h *Handler) internalError(w http.ResponseWriter, msg string, err error) {
	h.logger.Error(msg, zap.Error(err))
	utils.RespondError(w, http.StatusInternalServerError, "internal error")
}
