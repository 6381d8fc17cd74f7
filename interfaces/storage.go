package interfaces

import (
	"context"
	"errors"
	"fmt"
	"net/url"
)

// RecordKind indicates the storage namespace for persisted records.
type RecordKind int

const (
	// EnrollmentRecords for per-device saga state.
	EnrollmentRecords RecordKind = iota
	// LedgerEntries for idempotency ledger snapshots.
	LedgerEntries
)

// String returns the namespace name.
func (k RecordKind) String() string {
	switch k {
	case EnrollmentRecords:
		return "enrollments"
	case LedgerEntries:
		return "ledger"
	default:
		return "unknown"
	}
}

// RecordStoreLocation represents a URI selecting a record store backend.
type RecordStoreLocation struct {
	Raw    string
	Scheme string
	Host   string
	Path   string
	Query  url.Values
}

// NewRecordStoreLocation parses and validates a record store URI.
// Supported schemes: file://, s3://, vault://.
func NewRecordStoreLocation(uri string) (RecordStoreLocation, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return RecordStoreLocation{}, fmt.Errorf("%w: %v", ErrInvalidLocationURI, err)
	}

	switch parsed.Scheme {
	case "file", "s3", "vault":
	default:
		return RecordStoreLocation{}, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidLocationURI, parsed.Scheme)
	}

	return RecordStoreLocation{
		Raw:    uri,
		Scheme: parsed.Scheme,
		Host:   parsed.Host,
		Path:   parsed.Path,
		Query:  parsed.Query(),
	}, nil
}

// String returns the original URI.
func (loc RecordStoreLocation) String() string { return loc.Raw }

// GetParam returns a query parameter value.
func (loc RecordStoreLocation) GetParam(name string) string {
	return loc.Query.Get(name)
}

var (
	// ErrRecordNotFound is returned when no record exists under a key.
	ErrRecordNotFound = errors.New("record not found")

	// ErrStoreUnavailable is returned when a record store backend is not
	// accessible, due to network issues, authentication failures, or outages.
	ErrStoreUnavailable = errors.New("record store unavailable")

	// ErrInvalidLocationURI is returned for malformed or unsupported
	// record store URIs.
	ErrInvalidLocationURI = errors.New("invalid record store URI")
)

// RecordStore provides keyed persistence for enrollment state.
type RecordStore interface {
	// FetchRecord retrieves the record stored under (kind, key).
	FetchRecord(ctx context.Context, kind RecordKind, key string) ([]byte, error)

	// StoreRecord saves data under (kind, key), replacing any prior value.
	StoreRecord(ctx context.Context, kind RecordKind, key string, data []byte) error

	// DeleteRecord removes the record under (kind, key). Deleting an absent
	// record is not an error.
	DeleteRecord(ctx context.Context, kind RecordKind, key string) error

	// Available checks if the backend is accessible.
	Available(ctx context.Context) bool

	// Name returns an identifier for logging.
	Name() string

	// LocationURI returns the URI identifying this backend.
	LocationURI() string
}

// RecordStoreFactory creates record stores from URIs.
type RecordStoreFactory interface {
	// RecordStoreFor creates a backend from a URI.
	RecordStoreFor(loc RecordStoreLocation) (RecordStore, error)

	// CreateMultiStore creates an aggregated store that writes to all
	// reachable backends and reads from the first that has the record.
	CreateMultiStore(locs []RecordStoreLocation) (RecordStore, error)
}
