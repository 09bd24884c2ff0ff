package auth

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zhouzirui/zerocode-chat/backend/internal/middleware"
	authService "github.com/zhouzirui/zerocode-chat/backend/internal/service/auth"
	"github.com/zhouzirui/zerocode-chat/backend/pkg/utils"
)

// Handler 账号与会话的HTTP处理器
type Handler struct {
	logger *zap.Logger
}

// New 创建账号处理器
func New(logger *zap.Logger) *Handler {
	return &Handler{logger: logger.With(zap.String("handler", "auth"))}
}

// RegisterRoutes 注册 /auth 路由，需要外层已挂载 middleware.Profile
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/auth", func(r chi.Router) {
		r.Post("/register", h.handleRegister)
		r.Post("/login", h.handleLogin)
		r.Post("/logout", h.handleLogout)
		r.Get("/session", h.handleSession)
		r.Get("/me", h.handleMe)
	})
}

type credentialsRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	p, _ := middleware.ProfileFrom(r.Context())

	var payload credentialsRequest
	if !utils.DecodeJSON(w, r, &payload) {
		return
	}

	session, err := p.Sessions.Register(r.Context(), payload.Name, payload.Email, payload.Password)
	if err != nil {
		h.respondAuthError(w, err)
		return
	}

	h.logger.Info("account registered", zap.String("profile", p.ID), zap.String("user_id", session.User.ID))
	utils.RespondJSON(w, http.StatusCreated, session)
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	p, _ := middleware.ProfileFrom(r.Context())

	var payload credentialsRequest
	if !utils.DecodeJSON(w, r, &payload) {
		return
	}

	session, err := p.Sessions.Login(r.Context(), payload.Email, payload.Password)
	if err != nil {
		h.respondAuthError(w, err)
		return
	}

	utils.RespondJSON(w, http.StatusOK, session)
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	p, _ := middleware.ProfileFrom(r.Context())
	p.Sessions.Logout(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

// handleSession 校验 Bearer token；只有过期的已签发令牌会销毁会话
func (h *Handler) handleSession(w http.ResponseWriter, r *http.Request) {
	p, _ := middleware.ProfileFrom(r.Context())

	user, err := p.Sessions.Verify(r.Context(), middleware.BearerToken(r))
	if err != nil {
		h.respondAuthError(w, err)
		return
	}

	utils.RespondJSON(w, http.StatusOK, map[string]any{"user": user})
}

// handleMe 返回当前快照，需携带当前会话的 token，不匹配时返回 null
func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	p, _ := middleware.ProfileFrom(r.Context())

	user, ok := p.Sessions.CurrentUserFor(r.Context(), middleware.BearerToken(r))
	if !ok {
		utils.RespondJSON(w, http.StatusOK, map[string]any{"user": nil})
		return
	}

	utils.RespondJSON(w, http.StatusOK, map[string]any{"user": user})
}

func (h *Handler) respondAuthError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, authService.ErrValidation):
		utils.RespondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, authService.ErrDuplicateAccount):
		utils.RespondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, authService.ErrNotFound), errors.Is(err, authService.ErrInvalidCredentials),
		errors.Is(err, authService.ErrInvalidSession), errors.Is(err, authService.ErrMissingUserData):
		utils.RespondError(w, http.StatusUnauthorized, err.Error())
	default:
		h.logger.Error("auth request failed", zap.Error(err))
		utils.RespondError(w, http.StatusInternalServerError, "internal error")
	}
}
