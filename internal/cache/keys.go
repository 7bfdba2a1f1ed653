package cache

import (
	"fmt"
	"time"
)

const (
	UnreadSummaryKey      = "wa:unread:summary"
	WebhookLastKeyPrefix  = "wa:webhook:last:%s"
	WebhookLastTTL        = 24 * time.Hour
	DefaultUnreadCacheTTL = 10 * time.Second
)

func WebhookLastKey(instance string) string {
	return fmt.Sprintf(WebhookLastKeyPrefix, instance)
}
