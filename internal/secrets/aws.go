package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/rds/auth"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	smtypes "github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"

	"github.com/pilot-net/repl-mon/pkg/types"
)

// rdsSecretPayload is the JSON shape RDS-managed secrets use.
type rdsSecretPayload struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	DBName   string `json:"dbname"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// AWSResolver resolves credential references as Secrets Manager secret IDs.
type AWSResolver struct {
	client *secretsmanager.Client
	logger *slog.Logger
}

// NewAWSResolver creates a Secrets Manager-backed resolver using the default
// AWS credential chain.
func NewAWSResolver(ctx context.Context, region string, logger *slog.Logger) (*AWSResolver, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	return &AWSResolver{
		client: secretsmanager.NewFromConfig(cfg),
		logger: logger,
	}, nil
}

// GetDatabaseCredentials fetches and parses the secret.
func (r *AWSResolver) GetDatabaseCredentials(ctx context.Context, reference string) (*types.DatabaseCredentials, error) {
	out, err := r.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(reference),
	})
	if err != nil {
		var notFound *smtypes.ResourceNotFoundException
		if errors.As(err, &notFound) {
			return nil, types.NewNotFoundError("secret %s not found", reference)
		}
		return nil, types.NewConnectionError("fetching secret "+reference, err)
	}
	if out.SecretString == nil {
		return nil, types.NewConfigurationError("secret %s has no string payload", reference)
	}

	var payload rdsSecretPayload
	if err := json.Unmarshal([]byte(*out.SecretString), &payload); err != nil {
		return nil, types.NewConfigurationError("secret %s is not valid JSON: %v", reference, err)
	}
	if payload.Host == "" || payload.Username == "" {
		return nil, types.NewConfigurationError("secret %s missing host or username", reference)
	}
	if payload.Port == 0 {
		payload.Port = 5432
	}

	r.logger.Debug("resolved database credentials",
		"reference", reference,
		"host", payload.Host,
		"username", payload.Username)

	return &types.DatabaseCredentials{
		Host:     payload.Host,
		Port:     payload.Port,
		Database: payload.DBName,
		Username: payload.Username,
		Password: payload.Password,
	}, nil
}

// Close implements CredentialResolver. The SDK client holds no resources.
func (r *AWSResolver) Close() error { return nil }

// RDSTokenGenerator builds short-lived IAM auth tokens for RDS endpoints.
type RDSTokenGenerator struct {
	region      string
	credentials aws.CredentialsProvider
	logger      *slog.Logger
}

// NewRDSTokenGenerator creates a token generator using the default AWS
// credential chain.
func NewRDSTokenGenerator(ctx context.Context, region string, logger *slog.Logger) (*RDSTokenGenerator, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	return &RDSTokenGenerator{
		region:      region,
		credentials: cfg.Credentials,
		logger:      logger,
	}, nil
}

// GenerateAuthToken returns a token usable as the connection password for
// roughly 15 minutes.
func (g *RDSTokenGenerator) GenerateAuthToken(ctx context.Context, host string, port int, username string) (string, error) {
	endpoint := fmt.Sprintf("%s:%d", host, port)
	token, err := auth.BuildAuthToken(ctx, endpoint, g.region, username, g.credentials)
	if err != nil {
		return "", types.NewConnectionError("building IAM auth token for "+endpoint, err)
	}
	g.logger.Debug("generated IAM auth token", "endpoint", endpoint, "username", username)
	return token, nil
}
