// utils/redis.go
package utils

import (
	"context"
	"log"
	"os"
	"strconv"

	"github.com/go-redis/redis/v8"
)

// InitRedis builds the pub/sub client for the notification transport.
// Returns nil when REDIS_HOST is unset: the service then degrades to
// process-local fan-out, which the poll fallback covers.
func InitRedis() *redis.Client {
	host := os.Getenv("REDIS_HOST")
	if host == "" {
		return nil
	}

	redisDB := 0
	if raw := os.Getenv("REDIS_DB"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			log.Printf("[Redis] invalid REDIS_DB %q, using 0: %v", raw, err)
		} else {
			redisDB = parsed
		}
	}

	return redis.NewClient(&redis.Options{
		Addr:     host,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       redisDB,
		OnConnect: func(ctx context.Context, cn *redis.Conn) error {
			log.Printf("[Redis] connected to host[%v] db[%v]", host, redisDB)
			return nil
		},
	})
}
