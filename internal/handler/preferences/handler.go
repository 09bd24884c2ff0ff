package preferences

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zhouzirui/zerocode-chat/backend/internal/middleware"
	prefService "github.com/zhouzirui/zerocode-chat/backend/internal/service/preferences"
	"github.com/zhouzirui/zerocode-chat/backend/pkg/utils"
)

// Handler serves UI preferences.
type Handler struct {
	logger *zap.Logger
}

// New creates a preferences handler.
func New(logger *zap.Logger) *Handler {
	return &Handler{logger: logger.With(zap.String("handler", "preferences"))}
}

// RegisterRoutes registers /preferences routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/preferences/theme", h.handleGetTheme)
	r.Put("/preferences/theme", h.handlePutTheme)
}

type themePayload struct {
	Theme prefService.Theme `json:"theme"`
}

func (h *Handler) handleGetTheme(w http.ResponseWriter, r *http.Request) {
	p, _ := middleware.ProfileFrom(r.Context())

	theme, err := p.Preferences.Theme(r.Context())
	if err != nil {
		h.logger.Error("load theme failed", zap.Error(err))
		utils.RespondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	utils.RespondJSON(w, http.StatusOK, themePayload{Theme: theme})
}

func (h *Handler) handlePutTheme(w http.ResponseWriter, r *http.Request) {
	p, _ := middleware.ProfileFrom(r.Context())

	var payload themePayload
	if !utils.DecodeJSON(w, r, &payload) {
		return
	}

	if err := p.Preferences.SetTheme(r.Context(), payload.Theme); err != nil {
		if errors.Is(err, prefService.ErrInvalidTheme) {
			utils.RespondError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Error("save theme failed", zap.Error(err))
		utils.RespondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	utils.RespondJSON(w, http.StatusOK, payload)
}
