package ai

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"unicode"
)

var demoResponses = []string{
	"Hello %[1]s! I'm ZeroCode Chat, your AI assistant. How can I help you today?",
	"That's an interesting question! Let me think about that...",
	"I understand what you're asking about. Here's my perspective on that topic.",
	"Thanks for sharing that with me, %[1]s. I'd be happy to help you explore this further.",
	"That's a great point! I can see why you're thinking about it that way.",
	"Let me provide you with some helpful information about that.",
	"I appreciate you asking! This is definitely something worth discussing.",
	"Based on what you've told me, I think there are several ways to approach this.",
	"That's a thoughtful question, %[1]s. Here's what I think about it.",
	"I can help you with that! Let me break it down for you.",
}

// DemoGenerator returns canned replies without calling any model.
type DemoGenerator struct {
	pick func(n int) int
}

// NewDemoGenerator creates a demo generator. pick selects the fallback
// response index; nil uses math/rand.
func NewDemoGenerator(pick func(n int) int) *DemoGenerator {
	if pick == nil {
		pick = rand.IntN
	}
	return &DemoGenerator{pick: pick}
}

// Generate implements Generator.
func (d *DemoGenerator) Generate(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	name := req.UserName
	if name == "" {
		name = "User"
	}

	words := tokenize(req.Message)
	switch {
	case words["hello"] || words["hi"]:
		return fmt.Sprintf("Hello %s! Great to meet you! I'm ZeroCode Chat, your AI assistant. What would you like to talk about today?", name), nil
	case words["help"]:
		return fmt.Sprintf("I'm here to help, %s! I can assist you with questions, provide information, help with problem-solving, or just have a friendly conversation. What do you need help with?", name), nil
	case hasPrefix(words, "thank"):
		return fmt.Sprintf("You're very welcome, %s! I'm glad I could help. Is there anything else you'd like to discuss?", name), nil
	}

	tmpl := demoResponses[d.pick(len(demoResponses))]
	if strings.Contains(tmpl, "%[1]s") {
		return fmt.Sprintf(tmpl, name), nil
	}
	return tmpl, nil
}

// tokenize 按非字母数字切分并小写，用于整词匹配（"this" 不会命中 "hi"）。
func tokenize(text string) map[string]bool {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	words := make(map[string]bool, len(fields))
	for _, f := range fields {
		words[f] = true
	}
	return words
}

func hasPrefix(words map[string]bool, prefix string) bool {
	for w := range words {
		if strings.HasPrefix(w, prefix) {
			return true
		}
	}
	return false
}
