package cache

import "fmt"

func RateLimitKey(simulatorID string) string {
	return fmt.Sprintf("ratelimit:%s", simulatorID)
}

func StatusKey() string {
	return "status:summary"
}
