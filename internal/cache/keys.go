package cache

import (
	"fmt"

	"github.com/google/uuid"
)

// StatusViewKey caches the terminal status view of a job for its owner.
func StatusViewKey(userID, jobID uuid.UUID) string {
	return fmt.Sprintf("status:%s:%s", userID, jobID)
}

func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("ratelimit:%s", keyPrefix)
}
