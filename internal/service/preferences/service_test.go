package preferences

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/zerocode-chat/backend/internal/storage"
)

func TestThemeDefaultsToLight(t *testing.T) {
	svc := NewService(storage.NewMemory().Namespace("p"))

	theme, err := svc.Theme(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ThemeLight, theme)
}

func TestSetTheme(t *testing.T) {
	ctx := context.Background()
	ns := storage.NewMemory().Namespace("p")
	svc := NewService(ns)

	require.NoError(t, svc.SetTheme(ctx, ThemeDark))
	theme, err := svc.Theme(ctx)
	require.NoError(t, err)
	assert.Equal(t, ThemeDark, theme)

	require.ErrorIs(t, svc.SetTheme(ctx, "neon"), ErrInvalidTheme)

	require.NoError(t, ns.Set(ctx, storage.KeyTheme, []byte(`"sepia"`)))
	theme, err = svc.Theme(ctx)
	require.NoError(t, err)
	assert.Equal(t, ThemeLight, theme)
}
