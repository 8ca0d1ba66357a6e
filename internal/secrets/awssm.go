package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"

	"github.com/jack-michaud/ephemeral-environments/internal/driver"
)

// Store resolves JSON secrets from AWS Secrets Manager.
type Store struct {
	client *secretsmanager.Client
}

var _ driver.SecretStore = (*Store)(nil)

// New constructs a Secrets Manager backed store.
func New(client *secretsmanager.Client) (*Store, error) {
	if client == nil {
		return nil, errors.New("nil secretsmanager client")
	}
	return &Store{client: client}, nil
}

// Get fetches a secret and decodes its JSON payload into a string map.
// Missing secrets report driver.ErrSecretNotFound.
func (s *Store) Get(ctx context.Context, name string) (map[string]string, error) {
	out, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(name),
	})
	if err != nil {
		var notFound *types.ResourceNotFoundException
		if errors.As(err, &notFound) {
			return nil, driver.ErrSecretNotFound
		}
		return nil, fmt.Errorf("get secret %s: %w", name, err)
	}

	values := make(map[string]string)
	if err := json.Unmarshal([]byte(aws.ToString(out.SecretString)), &values); err != nil {
		return nil, fmt.Errorf("decode secret %s: %w", name, err)
	}
	return values, nil
}
