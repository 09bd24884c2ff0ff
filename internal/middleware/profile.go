package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/zhouzirui/zerocode-chat/backend/internal/model/account"
	"github.com/zhouzirui/zerocode-chat/backend/internal/service/auth"
	"github.com/zhouzirui/zerocode-chat/backend/internal/service/profile"
	"github.com/zhouzirui/zerocode-chat/backend/pkg/utils"
)

// ProfileHeader selects the storage namespace of a request.
const ProfileHeader = "X-Profile-ID"

type ctxKey int

const (
	profileKey ctxKey = iota
	userKey
)

// Profile 解析 X-Profile-ID（或查询参数 profile，供 WebSocket 使用）并把对应 profile 放入上下文。
func Profile(registry *profile.Registry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(ProfileHeader)
			if id == "" {
				id = r.URL.Query().Get("profile")
			}

			p, err := registry.Get(r.Context(), strings.TrimSpace(id))
			if errors.Is(err, profile.ErrInvalidProfile) {
				utils.RespondError(w, http.StatusBadRequest, err.Error())
				return
			}
			if err != nil {
				zap.L().Error("load profile failed", zap.String("profile", id), zap.Error(err))
				utils.RespondError(w, http.StatusInternalServerError, "profile unavailable")
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), profileKey, p)))
		})
	}
}

// ProfileFrom returns the profile resolved by Profile.
func ProfileFrom(ctx context.Context) (*profile.Profile, bool) {
	p, ok := ctx.Value(profileKey).(*profile.Profile)
	return p, ok
}

// Authenticate 校验 Bearer token（WebSocket 可用查询参数 token），失败返回 401。
func Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := ProfileFrom(r.Context())
		if !ok {
			utils.RespondError(w, http.StatusInternalServerError, "profile not resolved")
			return
		}

		token := BearerToken(r)
		if token == "" {
			utils.RespondError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		user, err := p.Sessions.Verify(r.Context(), token)
		if err != nil {
			status := http.StatusUnauthorized
			if !errors.Is(err, auth.ErrInvalidSession) && !errors.Is(err, auth.ErrMissingUserData) {
				status = http.StatusInternalServerError
			}
			utils.RespondError(w, status, err.Error())
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey, user)))
	})
}

// UserFrom returns the user verified by Authenticate.
func UserFrom(ctx context.Context) (account.Profile, bool) {
	u, ok := ctx.Value(userKey).(account.Profile)
	return u, ok
}

// BearerToken extracts the token from the Authorization header or the token query parameter.
func BearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(header, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return r.URL.Query().Get("token")
}
