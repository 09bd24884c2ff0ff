package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zhouzirui/zerocode-chat/backend/internal/model/account"
	"github.com/zhouzirui/zerocode-chat/backend/internal/storage"
)

// 模拟网络往返的延迟，与前端演示行为一致。
const (
	loginDelay    = 800 * time.Millisecond
	registerDelay = 1000 * time.Millisecond
)

// SessionManager 管理 profile 内唯一的活动会话。
//
// 状态机：Anonymous --login/register--> Authenticated --logout/verify 失败--> Anonymous。
type SessionManager struct {
	mu       sync.Mutex
	creds    *CredentialStore
	store    storage.Store
	tokens   *TokenIssuer
	simulate bool
	now      func() time.Time
	logger   *zap.Logger
}

// SessionOption customises a SessionManager.
type SessionOption func(*SessionManager)

// WithSimulatedDelay 打开登录/注册的模拟延迟。
func WithSimulatedDelay(enabled bool) SessionOption {
	return func(m *SessionManager) { m.simulate = enabled }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) SessionOption {
	return func(m *SessionManager) { m.now = now }
}

// NewSessionManager wires a session manager to the credential store and profile storage.
func NewSessionManager(creds *CredentialStore, store storage.Store, tokens *TokenIssuer, logger *zap.Logger, opts ...SessionOption) *SessionManager {
	m := &SessionManager{
		creds:  creds,
		store:  store,
		tokens: tokens,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger.With(zap.String("component", "session")),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Login authenticates and replaces the active session.
func (m *SessionManager) Login(ctx context.Context, email, password string) (account.Session, error) {
	if err := m.wait(ctx, loginDelay); err != nil {
		return account.Session{}, err
	}

	user, err := m.creds.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			m.logger.Info("login rejected: unknown email", zap.String("email", NormalizeEmail(email)))
		}
		return account.Session{}, err
	}

	if !m.creds.VerifyPassword(user, password) {
		m.logger.Info("login rejected: wrong password", zap.String("user_id", user.ID))
		return account.Session{}, ErrInvalidCredentials
	}

	return m.open(ctx, user)
}

// Register creates an account and logs it in.
func (m *SessionManager) Register(ctx context.Context, name, email, password string) (account.Session, error) {
	if err := m.wait(ctx, registerDelay); err != nil {
		return account.Session{}, err
	}

	user, err := m.creds.Register(ctx, name, email, password)
	if err != nil {
		return account.Session{}, err
	}

	return m.open(ctx, user)
}

// Verify 校验令牌与持久化的令牌完全一致。
//
// 签名无效的令牌不是本服务签发的，直接拒绝且不影响当前会话；
// 只有当前用户自己签发过、但已被替换的旧令牌才会销毁会话。
func (m *SessionManager) Verify(ctx context.Context, token string) (account.Profile, error) {
	if token == "" {
		return account.Profile{}, ErrInvalidSession
	}
	claims, err := m.tokens.Parse(token)
	if err != nil {
		m.logger.Info("session verification failed: bad signature", zap.Error(err))
		return account.Profile{}, ErrInvalidSession
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	stored, err := m.storedTokenLocked(ctx)
	if err != nil {
		return account.Profile{}, err
	}

	var profile account.Profile
	snapErr := storage.GetJSON(ctx, m.store, storage.KeyCurrentUser, &profile)
	if snapErr != nil && !errors.Is(snapErr, storage.ErrNotFound) && !errors.Is(snapErr, storage.ErrCorrupt) {
		return account.Profile{}, fmt.Errorf("load current user: %w", snapErr)
	}

	if !sameToken(stored, token) {
		if snapErr == nil && profile.ID != claims.Subject {
			m.logger.Info("session verification failed: token belongs to another user")
			return account.Profile{}, ErrInvalidSession
		}
		m.logger.Info("session verification failed: stale token")
		m.clearLocked(ctx)
		return account.Profile{}, ErrInvalidSession
	}

	if snapErr != nil {
		m.logger.Warn("session verification failed: no user data")
		m.clearLocked(ctx)
		return account.Profile{}, ErrMissingUserData
	}

	return profile, nil
}

// Logout clears the active session. It never fails.
func (m *SessionManager) Logout(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.clearLocked(ctx)
	m.logger.Info("session cleared")
}

// CurrentUser returns the stored snapshot without verifying the token.
func (m *SessionManager) CurrentUser(ctx context.Context) (account.Profile, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var profile account.Profile
	if err := storage.GetJSON(ctx, m.store, storage.KeyCurrentUser, &profile); err != nil {
		return account.Profile{}, false
	}
	return profile, true
}

// CurrentUserFor returns the stored snapshot only to the holder of the active token.
// Unlike Verify it never clears the session.
func (m *SessionManager) CurrentUserFor(ctx context.Context, token string) (account.Profile, bool) {
	if token == "" {
		return account.Profile{}, false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	stored, err := m.storedTokenLocked(ctx)
	if err != nil || !sameToken(stored, token) {
		return account.Profile{}, false
	}

	var profile account.Profile
	if err := storage.GetJSON(ctx, m.store, storage.KeyCurrentUser, &profile); err != nil {
		return account.Profile{}, false
	}
	return profile, true
}

func (m *SessionManager) storedTokenLocked(ctx context.Context) (string, error) {
	var stored string
	err := storage.GetJSON(ctx, m.store, storage.KeySession, &stored)
	if err != nil && !errors.Is(err, storage.ErrNotFound) && !errors.Is(err, storage.ErrCorrupt) {
		return "", fmt.Errorf("load session: %w", err)
	}
	return stored, nil
}

func sameToken(stored, token string) bool {
	return stored != "" && subtle.ConstantTimeCompare([]byte(stored), []byte(token)) == 1
}

func (m *SessionManager) open(ctx context.Context, user account.User) (account.Session, error) {
	now := m.now()
	token, err := m.tokens.Issue(user.ID, now)
	if err != nil {
		return account.Session{}, err
	}

	session := account.Session{Token: token, User: user.Snapshot(now)}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := storage.SetJSON(ctx, m.store, storage.KeySession, session.Token); err != nil {
		return account.Session{}, fmt.Errorf("persist session: %w", err)
	}
	if err := storage.SetJSON(ctx, m.store, storage.KeyCurrentUser, session.User); err != nil {
		m.clearLocked(ctx)
		return account.Session{}, fmt.Errorf("persist current user: %w", err)
	}

	m.logger.Info("session opened", zap.String("user_id", user.ID))
	return session, nil
}

func (m *SessionManager) clearLocked(ctx context.Context) {
	if err := m.store.Remove(ctx, storage.KeySession); err != nil {
		m.logger.Warn("failed to remove session token", zap.Error(err))
	}
	if err := m.store.Remove(ctx, storage.KeyCurrentUser); err != nil {
		m.logger.Warn("failed to remove current user", zap.Error(err))
	}
}

func (m *SessionManager) wait(ctx context.Context, d time.Duration) error {
	if !m.simulate {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
