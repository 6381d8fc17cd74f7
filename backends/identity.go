package backends

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/edgesec-org/trustplane/interfaces"
)

const identityBackend = "identity"

// IdentityClient registers device identities with an Authentik-style
// identity provider over its REST API.
type IdentityClient struct {
	baseURL string
	token   string
	client  *http.Client
	log     *slog.Logger
}

// NewIdentityClient creates an identity provider adapter.
func NewIdentityClient(baseURL, token string, timeout time.Duration, log *slog.Logger) *IdentityClient {
	return &IdentityClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		client:  newHTTPClient(timeout),
		log:     log,
	}
}

type identityUser struct {
	PK         int            `json:"pk"`
	Username   string         `json:"username"`
	Name       string         `json:"name"`
	Type       string         `json:"type,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// RegisterIdentity creates a service-account user for the device and
// returns an opaque reference to it.
func (c *IdentityClient) RegisterIdentity(ctx context.Context, deviceID string, metadata map[string]any) (interfaces.ArtifactRef, error) {
	payload := identityUser{
		Username:   deviceID,
		Name:       "device " + deviceID,
		Type:       "service_account",
		Attributes: metadata,
	}

	var created identityUser
	err := doJSON(ctx, c.client, identityBackend, http.MethodPost,
		c.baseURL+"/api/v3/core/users/", "Bearer "+c.token, payload, &created,
		http.StatusCreated, http.StatusOK)
	if err != nil {
		return "", err
	}

	c.log.Info("Registered device identity",
		slog.String("device_id", deviceID),
		slog.Int("user_pk", created.PK))
	return interfaces.ArtifactRef(fmt.Sprintf("idp:user:%d", created.PK)), nil
}

// RevokeIdentity deletes the identity record referenced at issuance.
func (c *IdentityClient) RevokeIdentity(ctx context.Context, deviceID string, ref interfaces.ArtifactRef) error {
	pk, ok := strings.CutPrefix(string(ref), "idp:user:")
	if !ok {
		return interfaces.PermanentError(identityBackend, fmt.Errorf("malformed artifact ref %q", ref))
	}

	err := doJSON(ctx, c.client, identityBackend, http.MethodDelete,
		fmt.Sprintf("%s/api/v3/core/users/%s/", c.baseURL, pk), "Bearer "+c.token, nil, nil,
		http.StatusNoContent, http.StatusNotFound)
	if err != nil {
		return err
	}

	c.log.Info("Revoked device identity",
		slog.String("device_id", deviceID),
		slog.String("ref", string(ref)))
	return nil
}
