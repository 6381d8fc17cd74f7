package storage

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/edgesec-org/trustplane/interfaces"
	"github.com/hashicorp/vault/api"
)

// VaultStore persists records in HashiCorp Vault's KV v2 engine. Enrollment
// records reference issued credentials, so deployments that already trust
// Vault with secrets can keep the saga state next to them.
type VaultStore struct {
	client      *api.Client
	mountPath   string
	dataPath    string
	log         *slog.Logger
	locationURI string
}

// NewVaultStore creates a Vault-backed record store using token
// authentication.
//
// Parameters:
//   - address: Vault server address (e.g. https://vault.example.com:8200)
//   - token: Vault token with read/write on the mount
//   - mountPath: KV v2 mount path (e.g. "secret")
//   - dataPath: path prefix within the mount (e.g. "trustplane")
func NewVaultStore(address, token, mountPath, dataPath string, log *slog.Logger) (*VaultStore, error) {
	config := api.DefaultConfig()
	config.Address = address
	config.Timeout = 30 * time.Second

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	client.SetToken(token)

	mountPath = strings.Trim(mountPath, "/")
	dataPath = strings.Trim(dataPath, "/")

	return &VaultStore{
		client:      client,
		mountPath:   mountPath,
		dataPath:    dataPath,
		log:         log,
		locationURI: fmt.Sprintf("vault://%s/%s/%s", address, mountPath, dataPath),
	}, nil
}

// FetchRecord reads the record stored under (kind, key) from the KV v2
// data path.
func (s *VaultStore) FetchRecord(ctx context.Context, kind interfaces.RecordKind, key string) ([]byte, error) {
	path := s.secretPath(kind, key)

	secret, err := s.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		s.log.Error("Failed to read from Vault",
			slog.String("path", path), "err", err)
		return nil, fmt.Errorf("%w: %v", interfaces.ErrStoreUnavailable, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, interfaces.ErrRecordNotFound
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, interfaces.ErrRecordNotFound
	}
	record, ok := data["record"].(string)
	if !ok {
		return nil, fmt.Errorf("malformed record at %s", path)
	}
	return []byte(record), nil
}

// StoreRecord writes the record under (kind, key).
func (s *VaultStore) StoreRecord(ctx context.Context, kind interfaces.RecordKind, key string, data []byte) error {
	path := s.secretPath(kind, key)

	payload := map[string]interface{}{
		"data": map[string]interface{}{
			"record": string(data),
		},
	}
	if _, err := s.client.Logical().WriteWithContext(ctx, path, payload); err != nil {
		s.log.Error("Failed to write to Vault",
			slog.String("path", path), "err", err)
		return fmt.Errorf("%w: %v", interfaces.ErrStoreUnavailable, err)
	}

	s.log.Debug("Stored record in Vault", slog.String("path", path))
	return nil
}

// DeleteRecord removes the record's data versions.
func (s *VaultStore) DeleteRecord(ctx context.Context, kind interfaces.RecordKind, key string) error {
	path := fmt.Sprintf("%s/metadata/%s/%s/%s", s.mountPath, s.dataPath, kind, key)
	if _, err := s.client.Logical().DeleteWithContext(ctx, path); err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrStoreUnavailable, err)
	}
	return nil
}

// Available checks the Vault health endpoint.
func (s *VaultStore) Available(ctx context.Context) bool {
	health, err := s.client.Sys().HealthWithContext(ctx)
	if err != nil {
		s.log.Debug("Vault store unavailable", "err", err)
		return false
	}
	return health.Initialized && !health.Sealed
}

// Name returns an identifier for logging.
func (s *VaultStore) Name() string {
	return fmt.Sprintf("vault-%s", s.mountPath)
}

// LocationURI returns the URI identifying this backend.
func (s *VaultStore) LocationURI() string {
	return s.locationURI
}

func (s *VaultStore) secretPath(kind interfaces.RecordKind, key string) string {
	// KV v2 data path structure.
	return fmt.Sprintf("%s/data/%s/%s/%s", s.mountPath, s.dataPath, kind, key)
}
