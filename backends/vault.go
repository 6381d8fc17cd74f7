package backends

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/edgesec-org/trustplane/interfaces"
	"github.com/hashicorp/vault/api"
)

const vaultBackend = "vault"

// VaultSecretStore implements the secret store capability over HashiCorp
// Vault's KV v2 engine.
type VaultSecretStore struct {
	client    *api.Client
	mountPath string
	log       *slog.Logger
}

// NewVaultSecretStore creates a Vault secret store adapter with token
// authentication.
func NewVaultSecretStore(address, token, mountPath string, log *slog.Logger) (*VaultSecretStore, error) {
	config := api.DefaultConfig()
	config.Address = address
	config.Timeout = 30 * time.Second

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	client.SetToken(token)

	return &VaultSecretStore{
		client:    client,
		mountPath: strings.Trim(mountPath, "/"),
		log:       log,
	}, nil
}

// PutSecret writes data under the path.
func (s *VaultSecretStore) PutSecret(ctx context.Context, path string, data map[string]any) error {
	payload := map[string]interface{}{"data": data}
	if _, err := s.client.Logical().WriteWithContext(ctx, s.dataPath(path), payload); err != nil {
		return classifyVaultErr(err)
	}
	s.log.Debug("Stored secret", slog.String("path", path))
	return nil
}

// GetSecret reads data stored under the path. Returns ErrNotFound when the
// path has no secret.
func (s *VaultSecretStore) GetSecret(ctx context.Context, path string) (map[string]any, error) {
	secret, err := s.client.Logical().ReadWithContext(ctx, s.dataPath(path))
	if err != nil {
		return nil, classifyVaultErr(err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("%w: no secret at %s", interfaces.ErrNotFound, path)
	}
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: no secret at %s", interfaces.ErrNotFound, path)
	}
	return data, nil
}

// DeleteSecret removes the secret's versions under the path.
func (s *VaultSecretStore) DeleteSecret(ctx context.Context, path string) error {
	metaPath := fmt.Sprintf("%s/metadata/%s", s.mountPath, strings.TrimPrefix(path, "/"))
	if _, err := s.client.Logical().DeleteWithContext(ctx, metaPath); err != nil {
		return classifyVaultErr(err)
	}
	return nil
}

func (s *VaultSecretStore) dataPath(path string) string {
	return fmt.Sprintf("%s/data/%s", s.mountPath, strings.TrimPrefix(path, "/"))
}

// classifyVaultErr maps Vault API errors onto the backend error taxonomy.
// Permission and request errors are terminal; everything else (sealed
// vault, network failure) is worth retrying.
func classifyVaultErr(err error) error {
	var respErr *api.ResponseError
	if errors.As(err, &respErr) {
		if respErr.StatusCode >= 500 || respErr.StatusCode == 429 {
			return interfaces.RetryableError(vaultBackend, err)
		}
		return interfaces.PermanentError(vaultBackend, err)
	}
	return interfaces.RetryableError(vaultBackend, err)
}
