// Package queue provisions the per-user job queue that generation workers
// consume. Provisioning is idempotent: creating a queue that already exists
// succeeds.
package queue

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/dreamup-ai/user-service/cmd/userapi/internal/config"
)

// Provisioner creates a named queue.
type Provisioner interface {
	Provision(ctx context.Context, name string) error
}

// Closer is implemented by provisioners holding connections.
type Closer interface {
	Close() error
}

// Nop provisions nothing. Used when QUEUE_BACKEND=none.
type Nop struct{}

// Provision implements Provisioner.
func (Nop) Provision(context.Context, string) error { return nil }

// New builds the provisioner selected by cfg.Queue.Backend.
func New(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) (Provisioner, error) {
	switch cfg.Queue.Backend {
	case "sqs":
		p, err := NewSQSFromConfig(ctx, cfg.AWS.Region, cfg.Queue.SQSEndpoint)
		if err != nil {
			return nil, err
		}
		logger.Infow("queue provisioner ready", "backend", "sqs", "region", cfg.AWS.Region)
		return p, nil
	case "redis":
		p, err := NewRedisFromURL(cfg.Queue.RedisURL)
		if err != nil {
			return nil, err
		}
		logger.Infow("queue provisioner ready", "backend", "redis")
		return p, nil
	case "none":
		logger.Warnw("queue provisioning disabled", "backend", "none")
		return Nop{}, nil
	default:
		return nil, fmt.Errorf("unsupported queue backend %q", cfg.Queue.Backend)
	}
}
