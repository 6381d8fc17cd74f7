package storage

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/edgesec-org/trustplane/interfaces"
)

// Factory creates record stores from location URIs and aggregates
// multi-store configurations for redundant persistence.
type Factory struct {
	log *slog.Logger
}

// NewFactory creates a record store factory.
func NewFactory(log *slog.Logger) *Factory {
	return &Factory{log: log}
}

// RecordStoreFor creates a record store from a location URI.
//
// Supported schemes:
//   - file:///var/lib/trustplane
//   - s3://bucket/prefix?region=eu-west-1&endpoint=...&access_key=...&secret_key=...
//   - vault://vault.example.com:8200/mount/path?token=...&tls=true
func (f *Factory) RecordStoreFor(loc interfaces.RecordStoreLocation) (interfaces.RecordStore, error) {
	switch strings.ToLower(loc.Scheme) {
	case "file":
		return f.createFileStore(loc)
	case "s3":
		return f.createS3Store(loc)
	case "vault":
		return f.createVaultStore(loc)
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", interfaces.ErrInvalidLocationURI, loc.Scheme)
	}
}

// CreateMultiStore creates a multi-store from a list of location URIs. It
// aggregates all backends that could be created, writing to every reachable
// one and reading from the first that has the record. Returns an error if
// none could be created.
func (f *Factory) CreateMultiStore(locs []interfaces.RecordStoreLocation) (interfaces.RecordStore, error) {
	stores := make([]interfaces.RecordStore, 0, len(locs))
	for _, loc := range locs {
		store, err := f.RecordStoreFor(loc)
		if err != nil {
			f.log.Warn("Failed to create record store",
				slog.String("location", loc.String()),
				"err", err)
			continue
		}
		stores = append(stores, store)
	}

	if len(stores) == 0 {
		return nil, fmt.Errorf("no valid record stores created")
	}
	return NewMultiStore(stores, f.log), nil
}

func (f *Factory) createFileStore(loc interfaces.RecordStoreLocation) (interfaces.RecordStore, error) {
	// file://relative/path puts the first segment in the host part.
	baseDir := loc.Path
	if loc.Host != "" {
		baseDir = loc.Host + loc.Path
	}
	if baseDir == "" {
		return nil, fmt.Errorf("%w: file URI has no path", interfaces.ErrInvalidLocationURI)
	}
	return NewFileStore(baseDir, f.log)
}

func (f *Factory) createS3Store(loc interfaces.RecordStoreLocation) (interfaces.RecordStore, error) {
	if loc.Host == "" {
		return nil, fmt.Errorf("%w: s3 URI has no bucket", interfaces.ErrInvalidLocationURI)
	}
	region := loc.GetParam("region")
	if region == "" {
		region = "us-east-1"
	}
	return NewS3Store(
		loc.Host,
		strings.TrimPrefix(loc.Path, "/"),
		region,
		loc.GetParam("endpoint"),
		loc.GetParam("access_key"),
		loc.GetParam("secret_key"),
		f.log,
	)
}

func (f *Factory) createVaultStore(loc interfaces.RecordStoreLocation) (interfaces.RecordStore, error) {
	if loc.Host == "" {
		return nil, fmt.Errorf("%w: vault URI has no host", interfaces.ErrInvalidLocationURI)
	}

	scheme := "https"
	if loc.GetParam("tls") == "false" {
		scheme = "http"
	}
	address := fmt.Sprintf("%s://%s", scheme, loc.Host)

	parts := strings.SplitN(strings.Trim(loc.Path, "/"), "/", 2)
	mountPath := "secret"
	dataPath := "trustplane"
	if len(parts) > 0 && parts[0] != "" {
		mountPath = parts[0]
	}
	if len(parts) > 1 {
		dataPath = parts[1]
	}

	return NewVaultStore(address, loc.GetParam("token"), mountPath, dataPath, f.log)
}
