// Package profile 按 profile 懒加载并缓存一组服务（凭证、会话、历史、偏好、对话编排）。
package profile

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zhouzirui/zerocode-chat/backend/internal/service/ai"
	"github.com/zhouzirui/zerocode-chat/backend/internal/service/auth"
	"github.com/zhouzirui/zerocode-chat/backend/internal/service/chat"
	"github.com/zhouzirui/zerocode-chat/backend/internal/service/history"
	"github.com/zhouzirui/zerocode-chat/backend/internal/service/preferences"
	"github.com/zhouzirui/zerocode-chat/backend/internal/storage"
)

// DefaultID is used when the client does not name a profile.
const DefaultID = "default"

// ErrInvalidProfile is returned for malformed profile ids.
var ErrInvalidProfile = errors.New("invalid profile id")

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// Options configures how profiles are assembled.
type Options struct {
	Backend   storage.Backend
	Hasher    *auth.PasswordHasher
	Tokens    *auth.TokenIssuer
	Generator ai.Generator
	// SeedProfiles 列出需要预置演示账号的 profile，由 SeedDemoAccounts 在启动时写入
	SeedProfiles   []string
	SimulatedDelay bool
	TurnTimeout    time.Duration
	// MaxProfiles 限制缓存的 profile 数量，<=0 时使用 DefaultMaxProfiles
	MaxProfiles int
	// IdleTTL 之后未访问的 profile 会被回收，0 表示只按数量回收
	IdleTTL time.Duration
	Now     func() time.Time
	Logger  *zap.Logger
}

// DefaultMaxProfiles bounds the cache when Options.MaxProfiles is unset.
const DefaultMaxProfiles = 64

// Profile bundles the services of one storage namespace.
type Profile struct {
	ID          string
	Credentials *auth.CredentialStore
	Sessions    *auth.SessionManager
	History     *history.Store
	Preferences *preferences.Service
	Chat        *chat.Orchestrator

	mu          sync.Mutex
	subscribers map[int]func(chat.Reply)
	nextSub     int
}

// Subscribe registers a reply listener and returns its cancel function.
func (p *Profile) Subscribe(fn func(chat.Reply)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := p.nextSub
	p.nextSub++
	p.subscribers[id] = fn

	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.subscribers, id)
	}
}

func (p *Profile) broadcast(reply chat.Reply) {
	p.mu.Lock()
	listeners := make([]func(chat.Reply), 0, len(p.subscribers))
	for _, fn := range p.subscribers {
		listeners = append(listeners, fn)
	}
	p.mu.Unlock()

	for _, fn := range listeners {
		fn(reply)
	}
}

func (p *Profile) busy() bool {
	p.mu.Lock()
	listening := len(p.subscribers) > 0
	p.mu.Unlock()
	return listening || p.Chat.Pending()
}

type entry struct {
	id       string
	ready    chan struct{}
	profile  *Profile
	lastUsed time.Time
	elem     *list.Element
}

func (e *entry) built() bool {
	select {
	case <-e.ready:
		return true
	default:
		return false
	}
}

// Registry caches profiles by id, least recently used first out.
type Registry struct {
	mu      sync.Mutex
	opts    Options
	entries map[string]*entry
	lru     *list.List
	logger  *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options) *Registry {
	if opts.Hasher == nil {
		opts.Hasher = auth.NewPasswordHasher(auth.DefaultHashParams)
	}
	if opts.Generator == nil {
		opts.Generator = ai.NewDemoGenerator(nil)
	}
	if opts.MaxProfiles <= 0 {
		opts.MaxProfiles = DefaultMaxProfiles
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Registry{
		opts:    opts,
		entries: make(map[string]*entry),
		lru:     list.New(),
		logger:  opts.Logger.With(zap.String("component", "profiles")),
	}
}

// SeedDemoAccounts installs the demo account into every configured seed profile.
func (r *Registry) SeedDemoAccounts(ctx context.Context) error {
	for _, id := range r.opts.SeedProfiles {
		if !idPattern.MatchString(id) {
			return fmt.Errorf("seed profile %q: %w", id, ErrInvalidProfile)
		}
		creds := auth.NewCredentialStore(r.opts.Backend.Namespace(id), r.opts.Hasher, r.opts.Logger.With(zap.String("profile", id)))
		if err := creds.Seed(ctx, auth.DemoAccount); err != nil {
			return fmt.Errorf("seed profile %s: %w", id, err)
		}
		r.logger.Info("demo account ready", zap.String("profile", id))
	}
	return nil
}

// Get returns the profile, building it on first use.
func (r *Registry) Get(ctx context.Context, id string) (*Profile, error) {
	if id == "" {
		id = DefaultID
	}
	if !idPattern.MatchString(id) {
		return nil, ErrInvalidProfile
	}

	r.mu.Lock()
	now := r.opts.Now()
	evicted := r.evictIdleLocked(now)
	e, ok := r.entries[id]
	if ok {
		r.lru.MoveToFront(e.elem)
	} else {
		e = &entry{id: id, ready: make(chan struct{})}
		e.elem = r.lru.PushFront(e)
		r.entries[id] = e
		evicted = append(evicted, r.evictOverflowLocked()...)
	}
	e.lastUsed = now
	r.mu.Unlock()

	r.closeAll(evicted)

	if !ok {
		e.profile = r.build(id)
		close(e.ready)
		return e.profile, nil
	}

	select {
	case <-e.ready:
		return e.profile, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Len reports how many profiles are cached.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Close shuts down every orchestrator.
func (r *Registry) Close() {
	r.mu.Lock()
	all := make([]*Profile, 0, len(r.entries))
	for _, e := range r.entries {
		if e.built() {
			all = append(all, e.profile)
		}
	}
	r.entries = make(map[string]*entry)
	r.lru.Init()
	r.mu.Unlock()

	r.closeAll(all)
}

// evictIdleLocked 回收超过 IdleTTL 未访问且空闲的 profile。
func (r *Registry) evictIdleLocked(now time.Time) []*Profile {
	if r.opts.IdleTTL <= 0 {
		return nil
	}
	var out []*Profile
	for el := r.lru.Back(); el != nil; {
		prev := el.Prev()
		e := el.Value.(*entry)
		if now.Sub(e.lastUsed) < r.opts.IdleTTL {
			break
		}
		if e.built() && !e.profile.busy() {
			out = append(out, r.removeLocked(e))
		}
		el = prev
	}
	return out
}

// evictOverflowLocked 从最久未使用的一端回收，正在推流或生成回复的 profile 跳过。
func (r *Registry) evictOverflowLocked() []*Profile {
	var out []*Profile
	for el := r.lru.Back(); el != nil && len(r.entries) > r.opts.MaxProfiles; {
		prev := el.Prev()
		e := el.Value.(*entry)
		if e.built() && !e.profile.busy() {
			out = append(out, r.removeLocked(e))
		}
		el = prev
	}
	return out
}

func (r *Registry) removeLocked(e *entry) *Profile {
	r.lru.Remove(e.elem)
	delete(r.entries, e.id)
	r.logger.Info("profile evicted", zap.String("profile", e.id))
	return e.profile
}

func (r *Registry) closeAll(profiles []*Profile) {
	for _, p := range profiles {
		p.Chat.Close()
	}
}

func (r *Registry) build(id string) *Profile {
	logger := r.opts.Logger.With(zap.String("profile", id))
	ns := r.opts.Backend.Namespace(id)

	creds := auth.NewCredentialStore(ns, r.opts.Hasher, logger)
	store := history.NewStore(ns, logger)
	p := &Profile{
		ID:          id,
		Credentials: creds,
		Sessions:    auth.NewSessionManager(creds, ns, r.opts.Tokens, logger, auth.WithSimulatedDelay(r.opts.SimulatedDelay)),
		History:     store,
		Preferences: preferences.NewService(ns),
		subscribers: make(map[int]func(chat.Reply)),
	}

	chatOpts := []chat.Option{chat.WithReplyHandler(p.broadcast)}
	if r.opts.TurnTimeout > 0 {
		chatOpts = append(chatOpts, chat.WithTurnTimeout(r.opts.TurnTimeout))
	}
	p.Chat = chat.NewOrchestrator(store, r.opts.Generator, logger, chatOpts...)

	r.logger.Info("profile loaded", zap.String("profile", id))
	return p
}
