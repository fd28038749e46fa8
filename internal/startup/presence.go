package startup

import (
	"context"
	"os"
	"time"

	"github.com/marketchat/internal/logger"
	presenceredis "github.com/marketchat/internal/presence/redis"
)

// ConnectPresenceWithRetry connects the Redis presence store with retries.
// logPrefix is prepended to log lines.
func ConnectPresenceWithRetry(redisURL string, maxWait time.Duration, logPrefix string) *presenceredis.Client {
	deadline := time.Now().Add(maxWait)
	backoff := 2 * time.Second
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		client, err := presenceredis.New(ctx, redisURL)
		cancel()
		if err != nil {
			if time.Now().After(deadline) {
				logger.Errorf("%sredis (gave up after %v): %v", logPrefix, maxWait, err)
				os.Exit(1)
			}
			logger.Errorf("%sredis connect failed, retry in %v: %v", logPrefix, backoff, err)
			time.Sleep(backoff)
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		return client
	}
}
