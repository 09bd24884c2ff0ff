package auth

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zhouzirui/zerocode-chat/backend/internal/model/account"
	"github.com/zhouzirui/zerocode-chat/backend/internal/storage"
)

const minPasswordLength = 6

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// DemoAccount 是开发环境默认注入的演示账号。
var DemoAccount = SeedAccount{Name: "Demo User", Email: "demo@zerocode.com", Password: "demo123"}

// SeedAccount describes an account installed by Seed.
type SeedAccount struct {
	Name     string
	Email    string
	Password string
}

// CredentialStore 持有 email -> 账号 的映射，每次修改都整体覆盖写回存储。
type CredentialStore struct {
	mu     sync.Mutex
	store  storage.Store
	hasher *PasswordHasher
	now    func() time.Time
	logger *zap.Logger
}

// NewCredentialStore creates a credential store on top of a profile namespace.
func NewCredentialStore(store storage.Store, hasher *PasswordHasher, logger *zap.Logger) *CredentialStore {
	return &CredentialStore{
		store:  store,
		hasher: hasher,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger.With(zap.String("component", "credentials")),
	}
}

// NormalizeEmail lower-cases and trims an email for use as a key.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Register validates input and creates a new account.
func (c *CredentialStore) Register(ctx context.Context, name, email, password string) (account.User, error) {
	name = strings.TrimSpace(name)
	key := NormalizeEmail(email)

	if err := validateRegistration(name, key, password); err != nil {
		return account.User{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	users, err := c.load(ctx)
	if err != nil {
		return account.User{}, err
	}

	if _, exists := users[key]; exists {
		c.logger.Info("registration rejected: duplicate email", zap.String("email", key))
		return account.User{}, ErrDuplicateAccount
	}

	hash, err := c.hasher.Hash(password)
	if err != nil {
		return account.User{}, err
	}

	user := account.User{
		ID:           uuid.NewString(),
		Name:         name,
		Email:        key,
		PasswordHash: hash,
		CreatedAt:    c.now(),
	}
	users[key] = user

	if err := storage.SetJSON(ctx, c.store, storage.KeyUsers, users); err != nil {
		return account.User{}, fmt.Errorf("persist users: %w", err)
	}

	c.logger.Info("account registered", zap.String("user_id", user.ID), zap.String("email", key))
	return user, nil
}

// FindByEmail looks an account up case-insensitively.
func (c *CredentialStore) FindByEmail(ctx context.Context, email string) (account.User, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	users, err := c.load(ctx)
	if err != nil {
		return account.User{}, err
	}

	user, ok := users[NormalizeEmail(email)]
	if !ok {
		return account.User{}, ErrNotFound
	}
	return user, nil
}

// VerifyPassword reports whether password matches the stored hash.
func (c *CredentialStore) VerifyPassword(user account.User, password string) bool {
	ok, err := c.hasher.Verify(user.PasswordHash, password)
	if err != nil {
		c.logger.Warn("stored password hash unreadable", zap.String("user_id", user.ID), zap.Error(err))
		return false
	}
	return ok
}

// Seed 安装缺失的预置账号，已存在的账号保持不变。
func (c *CredentialStore) Seed(ctx context.Context, seeds ...SeedAccount) error {
	for _, seed := range seeds {
		_, err := c.Register(ctx, seed.Name, seed.Email, seed.Password)
		if err != nil && !errors.Is(err, ErrDuplicateAccount) {
			return fmt.Errorf("seed %s: %w", seed.Email, err)
		}
	}
	return nil
}

func (c *CredentialStore) load(ctx context.Context) (map[string]account.User, error) {
	users := make(map[string]account.User)
	err := storage.GetJSON(ctx, c.store, storage.KeyUsers, &users)
	switch {
	case err == nil:
		return users, nil
	case errors.Is(err, storage.ErrNotFound):
		return make(map[string]account.User), nil
	case errors.Is(err, storage.ErrCorrupt):
		c.logger.Warn("user store corrupt, starting empty", zap.Error(err))
		return make(map[string]account.User), nil
	default:
		return nil, fmt.Errorf("load users: %w", err)
	}
}

func validateRegistration(name, email, password string) error {
	switch {
	case name == "" || email == "" || password == "":
		return fmt.Errorf("%w: please fill in all fields", ErrValidation)
	case len(password) < minPasswordLength:
		return fmt.Errorf("%w: password must be at least %d characters", ErrValidation, minPasswordLength)
	case !emailPattern.MatchString(email):
		return fmt.Errorf("%w: please enter a valid email address", ErrValidation)
	}
	return nil
}
