// Package storage 提供按 profile 隔离的键值持久化，对应浏览器 localStorage 的语义。
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// 与前端 localStorage 保持一致的键名。
const (
	KeyUsers       = "zerocode_users"
	KeySession     = "zerocode_session"
	KeyCurrentUser = "zerocode_current_user"
	KeyChatHistory = "zerocode_chat_history"
	KeyTheme       = "zerocode_theme"
)

var (
	// ErrNotFound 表示键不存在。
	ErrNotFound = errors.New("storage: key not found")
	// ErrCorrupt 表示存储的值无法解码。
	ErrCorrupt = errors.New("storage: corrupt value")
)

// Store 是单个 profile 内的键值存储。
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
}

// Backend 为每个 profile 提供独立命名空间。
type Backend interface {
	Namespace(profile string) Store
}

// GetJSON 读取并解码 JSON 值。键不存在时返回 ErrNotFound，无法解码时返回 ErrCorrupt。
func GetJSON(ctx context.Context, s Store, key string, dst any) error {
	raw, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCorrupt, key, err)
	}
	return nil
}

// SetJSON 编码并整体覆盖写入。
func SetJSON(ctx context.Context, s Store, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.Set(ctx, key, raw)
}
