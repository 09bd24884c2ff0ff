package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/zhouzirui/zerocode-chat/backend/internal/config"
	"github.com/zhouzirui/zerocode-chat/backend/internal/handler/auth"
	"github.com/zhouzirui/zerocode-chat/backend/internal/handler/chat"
	"github.com/zhouzirui/zerocode-chat/backend/internal/handler/preferences"
	"github.com/zhouzirui/zerocode-chat/backend/internal/handler/stream"
	"github.com/zhouzirui/zerocode-chat/backend/internal/handler/voice"
	middlewarePkg "github.com/zhouzirui/zerocode-chat/backend/internal/middleware"
	"github.com/zhouzirui/zerocode-chat/backend/internal/service/profile"
	"github.com/zhouzirui/zerocode-chat/backend/pkg/utils"
)

// Deps 路由依赖
type Deps struct {
	Registry *profile.Registry
	Server   config.ServerConfig
	Voice    config.VoiceConfig
	Logger   *zap.Logger
}

// NewRouter wires HTTP routes to core services.
func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middlewarePkg.RequestLogger(deps.Logger))
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS(deps.Server.AllowedOrigins))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	authHandler := auth.New(deps.Logger)
	chatHandler := chat.New(deps.Logger)
	streamHandler := stream.New(deps.Logger)
	prefHandler := preferences.New(deps.Logger)
	voiceHandler := voice.NewWebSocketHandler(deps.Voice, deps.Logger)

	r.Route("/api", func(api chi.Router) {
		api.Use(middlewarePkg.Profile(deps.Registry))

		authHandler.RegisterRoutes(api)
		// 主题在登录前也可读写
		prefHandler.RegisterRoutes(api)

		api.Group(func(private chi.Router) {
			private.Use(middlewarePkg.Authenticate)

			chatHandler.RegisterRoutes(private)
			streamHandler.RegisterRoutes(private)
			voiceHandler.RegisterRoutes(private)
		})
	})

	return r
}
