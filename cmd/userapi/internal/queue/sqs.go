package queue

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// SQSAPI is the part of the SQS client the provisioner uses.
type SQSAPI interface {
	CreateQueue(ctx context.Context, params *sqs.CreateQueueInput, optFns ...func(*sqs.Options)) (*sqs.CreateQueueOutput, error)
}

// SQSProvisioner creates standard SQS queues. CreateQueue returns the
// existing queue URL when the name is taken with identical attributes.
type SQSProvisioner struct {
	client SQSAPI
}

// NewSQSProvisioner wraps an SQS client.
func NewSQSProvisioner(client SQSAPI) *SQSProvisioner {
	return &SQSProvisioner{client: client}
}

// NewSQSFromConfig loads the default AWS credential chain for region. A
// non-empty endpoint overrides the service endpoint (SQS_ENDPOINT, for
// local emulators).
func NewSQSFromConfig(ctx context.Context, region, endpoint string) (*SQSProvisioner, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	client := sqs.NewFromConfig(cfg, func(o *sqs.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return NewSQSProvisioner(client), nil
}

// Provision implements Provisioner.
func (p *SQSProvisioner) Provision(ctx context.Context, name string) error {
	_, err := p.client.CreateQueue(ctx, &sqs.CreateQueueInput{
		QueueName: aws.String(name),
	})
	if err != nil {
		return fmt.Errorf("create sqs queue %s: %w", name, err)
	}
	return nil
}
