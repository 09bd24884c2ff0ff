package chat

import "time"

// Record 是历史记录中保存的一段会话。
type Record struct {
	ID           string    `json:"id"`
	Messages     []Message `json:"messages"`
	Title        string    `json:"title"`
	LastUpdated  time.Time `json:"lastUpdated"`
	MessageCount int       `json:"messageCount"`
}

// Summary 是列表视图使用的会话摘要，不含消息正文。
type Summary struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	LastUpdated  time.Time `json:"lastUpdated"`
	MessageCount int       `json:"messageCount"`
	Preview      string    `json:"preview,omitempty"`
}

// DailyUsage counts messages sent on one calendar day.
type DailyUsage struct {
	Date     string `json:"date"`
	Messages int    `json:"messages"`
}

// Analytics 汇总当前 profile 的聊天统计。
type Analytics struct {
	TotalMessages      int          `json:"totalMessages"`
	TotalChats         int          `json:"totalChats"`
	AvgMessagesPerChat float64      `json:"avgMessagesPerChat"`
	DailyUsage         []DailyUsage `json:"dailyUsage"`
}
