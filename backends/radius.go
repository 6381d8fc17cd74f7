package backends

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/edgesec-org/trustplane/interfaces"
)

const nacBackend = "nac"

// NetworkAccessClient provisions network-access credentials on a
// FreeRADIUS-style network access control server through its management
// REST API. The generated shared secret never travels back to the caller;
// it is stashed in the secret store for the device to collect.
type NetworkAccessClient struct {
	baseURL string
	token   string
	secrets interfaces.SecretStore
	client  *http.Client
	log     *slog.Logger
}

// NewNetworkAccessClient creates a network access control adapter.
func NewNetworkAccessClient(baseURL, token string, timeout time.Duration, secrets interfaces.SecretStore, log *slog.Logger) *NetworkAccessClient {
	return &NetworkAccessClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		secrets: secrets,
		client:  newHTTPClient(timeout),
		log:     log,
	}
}

type nacCredential struct {
	ID       string `json:"id,omitempty"`
	DeviceID string `json:"device_id"`
	Secret   string `json:"secret,omitempty"`
	Group    string `json:"group,omitempty"`
}

// ProvisionAccess creates a RADIUS credential for the device, grouped by
// scope, and returns an opaque reference to it.
func (c *NetworkAccessClient) ProvisionAccess(ctx context.Context, deviceID string, scope interfaces.Scope) (interfaces.ArtifactRef, error) {
	secret, err := generateSharedSecret()
	if err != nil {
		return "", interfaces.PermanentError(nacBackend, err)
	}

	payload := nacCredential{
		DeviceID: deviceID,
		Secret:   secret,
		Group:    scope.String(),
	}

	var created nacCredential
	err = doJSON(ctx, c.client, nacBackend, http.MethodPost,
		c.baseURL+"/api/v1/credentials", "Bearer "+c.token, payload, &created,
		http.StatusCreated, http.StatusOK)
	if err != nil {
		return "", err
	}
	if created.ID == "" {
		return "", interfaces.PermanentError(nacBackend, fmt.Errorf("NAC response missing credential id"))
	}

	if c.secrets != nil {
		stash := map[string]any{
			"credential_id": created.ID,
			"secret":        secret,
			"group":         scope.String(),
		}
		if err := c.secrets.PutSecret(ctx, deviceSecretPath(deviceID, "radius"), stash); err != nil {
			return "", err
		}
	}

	c.log.Info("Provisioned network access credential",
		slog.String("device_id", deviceID),
		slog.String("credential_id", created.ID))
	return interfaces.ArtifactRef("nac:credential:" + created.ID), nil
}

// DeprovisionAccess deletes the credential referenced at issuance.
func (c *NetworkAccessClient) DeprovisionAccess(ctx context.Context, deviceID string, ref interfaces.ArtifactRef) error {
	id, ok := strings.CutPrefix(string(ref), "nac:credential:")
	if !ok {
		return interfaces.PermanentError(nacBackend, fmt.Errorf("malformed artifact ref %q", ref))
	}

	err := doJSON(ctx, c.client, nacBackend, http.MethodDelete,
		c.baseURL+"/api/v1/credentials/"+id, "Bearer "+c.token, nil, nil,
		http.StatusNoContent, http.StatusNotFound)
	if err != nil {
		return err
	}

	if c.secrets != nil {
		if err := c.secrets.DeleteSecret(ctx, deviceSecretPath(deviceID, "radius")); err != nil {
			c.log.Warn("Failed to drop network credential from secret store",
				slog.String("device_id", deviceID), "err", err)
		}
	}

	c.log.Info("Deprovisioned network access credential",
		slog.String("device_id", deviceID),
		slog.String("credential_id", id))
	return nil
}

func generateSharedSecret() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate shared secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}
