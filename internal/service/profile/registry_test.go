package profile

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/zhouzirui/zerocode-chat/backend/internal/service/auth"
	"github.com/zhouzirui/zerocode-chat/backend/internal/service/chat"
	"github.com/zhouzirui/zerocode-chat/backend/internal/storage"
)

func newRegistry(t *testing.T, opts ...func(*Options)) *Registry {
	t.Helper()
	o := Options{
		Backend:      storage.NewMemory(),
		Hasher:       auth.NewPasswordHasher(auth.HashParams{Time: 1, Memory: 1024, Threads: 1, KeyLen: 16, SaltLen: 8}),
		Tokens:       auth.NewTokenIssuer("secret"),
		SeedProfiles: []string{"a"},
		Logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	r := NewRegistry(o)
	t.Cleanup(r.Close)
	require.NoError(t, r.SeedDemoAccounts(context.Background()))
	return r
}

func TestGetCachesProfiles(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	a, err := r.Get(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, DefaultID, a.ID)

	b, err := r.Get(ctx, DefaultID)
	require.NoError(t, err)
	assert.Same(t, a, b)

	_, err = r.Get(ctx, "../etc")
	require.ErrorIs(t, err, ErrInvalidProfile)
}

func TestProfilesAreIsolated(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	a, err := r.Get(ctx, "a")
	require.NoError(t, err)
	b, err := r.Get(ctx, "b")
	require.NoError(t, err)

	_, err = a.Sessions.Login(ctx, "demo@zerocode.com", "demo123")
	require.NoError(t, err)

	_, ok := a.Sessions.CurrentUser(ctx)
	assert.True(t, ok)
	_, ok = b.Sessions.CurrentUser(ctx)
	assert.False(t, ok)

	// 只有启动时列出的 profile 预置演示账号
	_, err = b.Sessions.Login(ctx, "demo@zerocode.com", "demo123")
	require.ErrorIs(t, err, auth.ErrNotFound)
}

func TestSeedRejectsInvalidProfile(t *testing.T) {
	r := NewRegistry(Options{
		Backend:      storage.NewMemory(),
		SeedProfiles: []string{"../x"},
		Logger:       zap.NewNop(),
	})
	t.Cleanup(r.Close)

	require.ErrorIs(t, r.SeedDemoAccounts(context.Background()), ErrInvalidProfile)
}

func TestConcurrentGetBuildsOnce(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	const workers = 16
	got := make([]*Profile, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := r.Get(ctx, "shared")
			assert.NoError(t, err)
			got[i] = p
		}(i)
	}
	wg.Wait()

	for _, p := range got[1:] {
		assert.Same(t, got[0], p)
	}
	assert.Equal(t, 1, r.Len())
}

func TestLeastRecentlyUsedProfileEvicted(t *testing.T) {
	r := newRegistry(t, func(o *Options) { o.MaxProfiles = 2 })
	ctx := context.Background()

	a, err := r.Get(ctx, "a")
	require.NoError(t, err)
	_, err = r.Get(ctx, "b")
	require.NoError(t, err)
	_, err = r.Get(ctx, "a")
	require.NoError(t, err)

	_, err = r.Get(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, 2, r.Len())

	again, err := r.Get(ctx, "a")
	require.NoError(t, err)
	assert.Same(t, a, again)

	// b 被回收后重新构建，数据仍在存储里
	_, err = r.Get(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, 2, r.Len())
}

func TestBusyProfileSurvivesEviction(t *testing.T) {
	r := newRegistry(t, func(o *Options) { o.MaxProfiles = 1 })
	ctx := context.Background()

	a, err := r.Get(ctx, "a")
	require.NoError(t, err)
	cancel := a.Subscribe(func(chat.Reply) {})

	_, err = r.Get(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, 2, r.Len())

	again, err := r.Get(ctx, "a")
	require.NoError(t, err)
	assert.Same(t, a, again)

	cancel()
	_, err = r.Get(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, 1, r.Len())
}

func TestIdleProfilesEvicted(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	r := newRegistry(t, func(o *Options) {
		o.IdleTTL = time.Minute
		o.Now = func() time.Time { return now }
	})
	ctx := context.Background()

	a, err := r.Get(ctx, "a")
	require.NoError(t, err)

	now = now.Add(30 * time.Second)
	_, err = r.Get(ctx, "b")
	require.NoError(t, err)

	now = now.Add(45 * time.Second)
	_, err = r.Get(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, 1, r.Len())

	fresh, err := r.Get(ctx, "a")
	require.NoError(t, err)
	assert.NotSame(t, a, fresh)

	// 关闭的编排器不再接受新的对话
	_, err = a.Chat.SendTurn(ctx, "Demo", "hello")
	assert.ErrorIs(t, err, chat.ErrClosed)
}

func TestRepliesAreBroadcast(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	p, err := r.Get(ctx, "p")
	require.NoError(t, err)

	got := make(chan chat.Reply, 2)
	cancel := p.Subscribe(func(reply chat.Reply) { got <- reply })

	turn, err := p.Chat.SendTurn(ctx, "Demo", "hello")
	require.NoError(t, err)

	select {
	case reply := <-got:
		assert.Equal(t, turn.ChatID, reply.ChatID)
		assert.Contains(t, reply.Message.Text, "Hello Demo")
	case <-time.After(2 * time.Second):
		t.Fatal("reply not broadcast")
	}

	cancel()
	_, err = turn.Wait(ctx)
	require.NoError(t, err)

	turn, err = p.Chat.SendTurn(ctx, "Demo", "again")
	require.NoError(t, err)
	_, err = turn.Wait(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)
}
