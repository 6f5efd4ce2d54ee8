package secrets

import (
	"context"
	"fmt"
	"strings"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"
)

// Source resolves named secrets. A missing secret yields the default.
type Source interface {
	GetSecretWithDefault(ctx context.Context, secretName, defaultValue string) string
}

type GCPSecretManager struct {
	client    *secretmanager.Client
	projectID string
	logger    *logrus.Logger
}

// NewGCPSecretManager uses application default credentials unless
// credentialsFile is set.
func NewGCPSecretManager(ctx context.Context, projectID, credentialsFile string, logger *logrus.Logger) (*GCPSecretManager, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	client, err := secretmanager.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create secretmanager client: %w", err)
	}

	return &GCPSecretManager{
		client:    client,
		projectID: projectID,
		logger:    logger,
	}, nil
}

func (g *GCPSecretManager) GetSecret(ctx context.Context, secretName string) (string, error) {
	name := fmt.Sprintf("projects/%s/secrets/%s/versions/latest", g.projectID, secretName)

	result, err := g.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: name})
	if err != nil {
		return "", fmt.Errorf("failed to access secret %s: %w", secretName, err)
	}
	return string(result.Payload.Data), nil
}

func (g *GCPSecretManager) GetSecretWithDefault(ctx context.Context, secretName, defaultValue string) string {
	if secretName == "" {
		return defaultValue
	}
	value, err := g.GetSecret(ctx, secretName)
	if err != nil {
		g.logger.WithError(err).WithField("secret", secretName).Debug("Failed to get secret, using default")
		return defaultValue
	}
	return strings.TrimSpace(value)
}

func (g *GCPSecretManager) Close() error {
	return g.client.Close()
}

type SecretNames struct {
	BinanceAPIKey    string `mapstructure:"binance_api_key"`
	BinanceAPISecret string `mapstructure:"binance_api_secret"`
	BybitAPIKey      string `mapstructure:"bybit_api_key"`
	BybitAPISecret   string `mapstructure:"bybit_api_secret"`
	JWTSecret        string `mapstructure:"jwt_secret"`
	JournalDSN       string `mapstructure:"journal_dsn"`
}

func DefaultSecretNames() SecretNames {
	return SecretNames{
		BinanceAPIKey:    "frarb-binance-api-key",
		BinanceAPISecret: "frarb-binance-api-secret",
		BybitAPIKey:      "frarb-bybit-api-key",
		BybitAPISecret:   "frarb-bybit-api-secret",
		JWTSecret:        "frarb-jwt-secret",
		JournalDSN:       "frarb-journal-dsn",
	}
}
