package preferences

import (
	"context"
	"errors"
	"fmt"

	"github.com/zhouzirui/zerocode-chat/backend/internal/storage"
)

// Theme is the UI colour scheme.
type Theme string

const (
	ThemeLight Theme = "light"
	ThemeDark  Theme = "dark"
)

// ErrInvalidTheme is returned for values other than light and dark.
var ErrInvalidTheme = errors.New("theme must be light or dark")

// Service stores per-profile UI preferences.
type Service struct {
	store storage.Store
}

// NewService creates a preference service on a profile namespace.
func NewService(store storage.Store) *Service {
	return &Service{store: store}
}

// Theme 返回保存的主题，未设置或无法解析时为 light。
func (s *Service) Theme(ctx context.Context) (Theme, error) {
	var theme Theme
	err := storage.GetJSON(ctx, s.store, storage.KeyTheme, &theme)
	switch {
	case err == nil && theme.Valid():
		return theme, nil
	case err == nil, errors.Is(err, storage.ErrNotFound), errors.Is(err, storage.ErrCorrupt):
		return ThemeLight, nil
	default:
		return "", fmt.Errorf("load theme: %w", err)
	}
}

// SetTheme persists the theme.
func (s *Service) SetTheme(ctx context.Context, theme Theme) error {
	if !theme.Valid() {
		return ErrInvalidTheme
	}
	return storage.SetJSON(ctx, s.store, storage.KeyTheme, theme)
}

// Valid reports whether t is a known theme.
func (t Theme) Valid() bool {
	return t == ThemeLight || t == ThemeDark
}
