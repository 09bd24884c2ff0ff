package history

import (
	"context"
	"time"

	"github.com/zhouzirui/zerocode-chat/backend/internal/model/chat"
)

const usageDays = 7

// Analytics 汇总已保存的会话，以及尚未保存的当前会话（current 为空时忽略）。
func (s *Store) Analytics(ctx context.Context, now time.Time, currentID string, current []chat.Message) (chat.Analytics, error) {
	all, err := s.Load(ctx)
	if err != nil {
		return chat.Analytics{}, err
	}

	var messages []chat.Message
	for _, record := range all {
		messages = append(messages, record.Messages...)
	}

	totalChats := len(all)
	if _, saved := all[currentID]; len(current) > 0 && !saved {
		totalChats++
		messages = append(messages, current...)
	}

	out := chat.Analytics{
		TotalMessages: len(messages),
		TotalChats:    totalChats,
		DailyUsage:    dailyUsage(messages, now),
	}
	if totalChats > 0 {
		out.AvgMessagesPerChat = float64(out.TotalMessages) / float64(totalChats)
	}
	return out, nil
}

func dailyUsage(messages []chat.Message, now time.Time) []chat.DailyUsage {
	loc := now.Location()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)

	counts := make(map[string]int, usageDays)
	for _, msg := range messages {
		if msg.Timestamp.IsZero() {
			continue
		}
		counts[msg.Timestamp.In(loc).Format(time.DateOnly)]++
	}

	usage := make([]chat.DailyUsage, 0, usageDays)
	for i := usageDays - 1; i >= 0; i-- {
		day := today.AddDate(0, 0, -i).Format(time.DateOnly)
		usage = append(usage, chat.DailyUsage{Date: day, Messages: counts[day]})
	}
	return usage
}
