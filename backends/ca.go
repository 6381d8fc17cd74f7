package backends

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/edgesec-org/trustplane/interfaces"
)

const caBackend = "ca"

// CAClient issues short-lived device certificates from a step-ca style
// certificate authority. The adapter generates the device keypair, submits
// a CSR, and stashes the resulting bundle in the secret store so the device
// can collect it out of band.
type CAClient struct {
	baseURL  string
	token    string
	lifetime time.Duration
	secrets  interfaces.SecretStore
	client   *http.Client
	log      *slog.Logger
}

// NewCAClient creates a certificate authority adapter. secrets may be nil,
// in which case issued bundles are not stashed.
func NewCAClient(baseURL, token string, lifetime, timeout time.Duration, secrets interfaces.SecretStore, log *slog.Logger) *CAClient {
	if lifetime <= 0 {
		lifetime = 24 * time.Hour
	}
	return &CAClient{
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		token:    token,
		lifetime: lifetime,
		secrets:  secrets,
		client:   newHTTPClient(timeout),
		log:      log,
	}
}

type signRequest struct {
	CSR       string `json:"csr"`
	OTT       string `json:"ott,omitempty"`
	NotAfter  string `json:"notAfter,omitempty"`
	NotBefore string `json:"notBefore,omitempty"`
}

type signResponse struct {
	Crt    string `json:"crt"`
	CA     string `json:"ca"`
	Serial string `json:"serial"`
}

// IssueCertificate generates a keypair, has the CA sign a CSR for the
// device, and returns the certificate serial as the artifact reference.
func (c *CAClient) IssueCertificate(ctx context.Context, deviceID string, scope interfaces.Scope) (interfaces.ArtifactRef, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return "", interfaces.PermanentError(caBackend, fmt.Errorf("generate key: %w", err))
	}

	csrDER, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject: pkix.Name{
			CommonName:         deviceID,
			Organization:       []string{scope.TenantID},
			OrganizationalUnit: []string{scope.Site + "/" + scope.Purpose},
		},
		DNSNames: []string{deviceID + "." + scope.TenantID + ".device"},
	}, key)
	if err != nil {
		return "", interfaces.PermanentError(caBackend, fmt.Errorf("create CSR: %w", err))
	}
	csrPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: csrDER})

	payload := signRequest{
		CSR:      string(csrPEM),
		OTT:      c.token,
		NotAfter: time.Now().Add(c.lifetime).UTC().Format(time.RFC3339),
	}

	var signed signResponse
	err = doJSON(ctx, c.client, caBackend, http.MethodPost,
		c.baseURL+"/1.0/sign", "", payload, &signed,
		http.StatusCreated, http.StatusOK)
	if err != nil {
		return "", err
	}
	if signed.Serial == "" {
		return "", interfaces.PermanentError(caBackend, fmt.Errorf("CA response missing serial"))
	}

	if c.secrets != nil {
		keyDER, err := x509.MarshalECPrivateKey(key)
		if err != nil {
			return "", interfaces.PermanentError(caBackend, fmt.Errorf("encode key: %w", err))
		}
		bundle := map[string]any{
			"certificate": signed.Crt,
			"ca":          signed.CA,
			"private_key": string(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})),
			"serial":      signed.Serial,
		}
		if err := c.secrets.PutSecret(ctx, deviceSecretPath(deviceID, "tls"), bundle); err != nil {
			return "", err
		}
	}

	c.log.Info("Issued device certificate",
		slog.String("device_id", deviceID),
		slog.String("serial", signed.Serial))
	return interfaces.ArtifactRef("ca:serial:" + signed.Serial), nil
}

type revokeRequest struct {
	Serial     string `json:"serial"`
	ReasonCode int    `json:"reasonCode"`
	Passive    bool   `json:"passive"`
}

// RevokeCertificate revokes the certificate by serial and drops the
// stashed bundle.
func (c *CAClient) RevokeCertificate(ctx context.Context, deviceID string, ref interfaces.ArtifactRef) error {
	serial, ok := strings.CutPrefix(string(ref), "ca:serial:")
	if !ok {
		return interfaces.PermanentError(caBackend, fmt.Errorf("malformed artifact ref %q", ref))
	}

	payload := revokeRequest{Serial: serial, ReasonCode: 9, Passive: true} // 9 = privilegeWithdrawn
	err := doJSON(ctx, c.client, caBackend, http.MethodPost,
		c.baseURL+"/1.0/revoke", "", payload, nil,
		http.StatusCreated, http.StatusOK)
	if err != nil {
		return err
	}

	if c.secrets != nil {
		if err := c.secrets.DeleteSecret(ctx, deviceSecretPath(deviceID, "tls")); err != nil {
			c.log.Warn("Failed to drop certificate bundle from secret store",
				slog.String("device_id", deviceID), "err", err)
		}
	}

	c.log.Info("Revoked device certificate",
		slog.String("device_id", deviceID),
		slog.String("serial", serial))
	return nil
}

func deviceSecretPath(deviceID, leaf string) string {
	return "devices/" + deviceID + "/" + leaf
}
