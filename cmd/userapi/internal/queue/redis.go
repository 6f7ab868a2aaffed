package queue

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// ConsumerGroup is the group created on every user stream.
const ConsumerGroup = "workers"

// RedisProvisioner backs each user queue with a Redis stream and creates
// the worker consumer group on it.
type RedisProvisioner struct {
	client *redis.Client
}

// NewRedisProvisioner wraps an existing client.
func NewRedisProvisioner(client *redis.Client) *RedisProvisioner {
	return &RedisProvisioner{client: client}
}

// NewRedisFromURL connects using a redis:// URL.
func NewRedisFromURL(url string) (*RedisProvisioner, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewRedisProvisioner(redis.NewClient(opts)), nil
}

// Provision implements Provisioner.
func (p *RedisProvisioner) Provision(ctx context.Context, name string) error {
	err := p.client.XGroupCreateMkStream(ctx, name, ConsumerGroup, "$").Err()
	if err != nil {
		// BUSYGROUP: the stream and group already exist
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return fmt.Errorf("create redis stream %s: %w", name, err)
	}
	return nil
}

// Close closes the Redis connection.
func (p *RedisProvisioner) Close() error {
	return p.client.Close()
}
