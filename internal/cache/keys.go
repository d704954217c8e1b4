package cache

import "fmt"

func ConversationKey(sessionID string) string {
	return fmt.Sprintf("convo:%s", sessionID)
}

func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("ratelimit:%s", keyPrefix)
}
