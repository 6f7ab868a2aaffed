// Package idpsync writes the canonical user id back into the identity
// provider so tokens minted by the provider carry it.
package idpsync

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	cip "github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider"
	"github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider/types"

	"github.com/dreamup-ai/user-service/cmd/userapi/internal/config"
	"github.com/dreamup-ai/user-service/cmd/userapi/internal/db/models"
)

// CognitoAPI is the part of the Cognito client the syncer uses.
type CognitoAPI interface {
	AdminUpdateUserAttributes(ctx context.Context, params *cip.AdminUpdateUserAttributesInput, optFns ...func(*cip.Options)) (*cip.AdminUpdateUserAttributesOutput, error)
}

// CognitoSyncer sets a custom attribute on the Cognito user to the
// canonical user id. The update is idempotent.
type CognitoSyncer struct {
	client    CognitoAPI
	poolID    string
	attribute string
}

// NewCognitoSyncer wraps a Cognito client.
func NewCognitoSyncer(client CognitoAPI, poolID, attribute string) *CognitoSyncer {
	return &CognitoSyncer{client: client, poolID: poolID, attribute: attribute}
}

// NewCognitoFromConfig loads the default AWS credential chain. The IdP
// endpoint can be overridden for local emulators (COGNITO_IDP_ENDPOINT).
func NewCognitoFromConfig(ctx context.Context, cfg *config.Config) (*CognitoSyncer, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	client := cip.NewFromConfig(awsCfg, func(o *cip.Options) {
		if cfg.Cognito.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Cognito.Endpoint)
		}
	})
	return NewCognitoSyncer(client, cfg.Cognito.UserPoolID, cfg.Cognito.IDAttribute), nil
}

// Provider returns the provider whose subjects this syncer understands.
func (s *CognitoSyncer) Provider() string {
	return models.ProviderCognito
}

// SyncUserID sets the id attribute of the Cognito user named subject.
func (s *CognitoSyncer) SyncUserID(ctx context.Context, subject, userID string) error {
	_, err := s.client.AdminUpdateUserAttributes(ctx, &cip.AdminUpdateUserAttributesInput{
		UserPoolId: aws.String(s.poolID),
		Username:   aws.String(subject),
		UserAttributes: []types.AttributeType{
			{Name: aws.String(s.attribute), Value: aws.String(userID)},
		},
	})
	if err != nil {
		return fmt.Errorf("update cognito user %s: %w", subject, err)
	}
	return nil
}
