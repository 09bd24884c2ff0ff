package ai

import (
	"fmt"

	"github.com/zhouzirui/zerocode-chat/backend/internal/model/chat"
)

// historyLimit 是发送给模型的最近消息条数。
const historyLimit = 10

const assistantName = "ZeroCode Chat"

// SystemPrompt builds the system instruction for a user.
func SystemPrompt(userName string) string {
	if userName == "" {
		userName = "User"
	}
	return fmt.Sprintf("You are a helpful AI assistant named %s. You are having a conversation with %s. "+
		"Answer clearly and concisely, and keep a friendly tone.", assistantName, userName)
}

// recentHistory returns at most historyLimit trailing messages.
func recentHistory(messages []chat.Message) []chat.Message {
	if len(messages) <= historyLimit {
		return messages
	}
	return messages[len(messages)-historyLimit:]
}
