package storage

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/ruteri/did-credential-ledger/interfaces"
)

// StorageBackendFactory creates storage backends from URI strings and manages
// multi-backend configurations for redundant storage.
type StorageBackendFactory struct {
	log *slog.Logger
}

// NewStorageBackendFactory creates a new factory instance.
func NewStorageBackendFactory(logger *slog.Logger) *StorageBackendFactory {
	return &StorageBackendFactory{
		log: logger,
	}
}

var _ interfaces.StorageBackendFactory = (*StorageBackendFactory)(nil)

// StorageBackendFor creates a storage backend from a location URI.
// The URI format should be [scheme]://[auth@]host[:port][/path][?params]
//
// Supported schemes:
//   - file:// - Local filesystem storage
//   - s3:// - Amazon S3 or compatible object storage
//   - ipfs:// - IPFS node, objects kept in MFS
//   - vault:// - HashiCorp Vault KV v2
//   - github:// - Read-only mirror in a GitHub repository
func (sf *StorageBackendFactory) StorageBackendFor(locationURI interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	if err := locationURI.Validate(); err != nil {
		return nil, err
	}
	u, err := url.Parse(string(locationURI))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrInvalidLocationURI, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "github":
		return sf.createGitHubBackend(u)
	case "ipfs":
		return sf.createIPFSBackend(u)
	case "s3":
		return sf.createS3Backend(u)
	case "vault":
		return sf.createVaultBackend(u)
	case "file":
		return sf.createFileBackend(u)
	default:
		return nil, fmt.Errorf("%w: unsupported backend scheme %s", interfaces.ErrInvalidLocationURI, u.Scheme)
	}
}

// CreateMultiBackend creates a multi-storage backend from a list of location URIs.
// Invalid URIs are logged and skipped. Returns an error if no valid backends
// could be created.
func (sf *StorageBackendFactory) CreateMultiBackend(locationURIs []interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	backends := make([]interfaces.StorageBackend, 0, len(locationURIs))

	for _, uri := range locationURIs {
		backend, err := sf.StorageBackendFor(uri)
		if err != nil {
			sf.log.Warn("Failed to create storage backend",
				"err", err,
				slog.String("locationURI", string(uri)))
			continue
		}
		backends = append(backends, backend)
	}

	if len(backends) == 0 {
		return nil, fmt.Errorf("no valid storage backends created")
	}

	return NewMultiStorageBackend(backends, sf.log), nil
}

// createGitHubBackend handles github://owner/repo[/dir][?ref=main&api=https://...]
func (sf *StorageBackendFactory) createGitHubBackend(u *url.URL) (interfaces.StorageBackend, error) {
	sf.log.Debug("Creating GitHub backend", slog.String("uri", u.String()))

	parts := strings.SplitN(strings.Trim(u.Path, "/"), "/", 2)
	if u.Host == "" || parts[0] == "" {
		return nil, fmt.Errorf("%w: expected github://owner/repo[/dir]", interfaces.ErrInvalidLocationURI)
	}
	owner, repo := u.Host, parts[0]
	dir := ""
	if len(parts) == 2 {
		dir = parts[1]
	}

	query := u.Query()
	return NewGitHubBackend(query.Get("api"), owner, repo, dir, query.Get("ref"), sf.log), nil
}

// createIPFSBackend handles ipfs://host:port/root?timeout=30s
func (sf *StorageBackendFactory) createIPFSBackend(u *url.URL) (interfaces.StorageBackend, error) {
	sf.log.Debug("Creating IPFS backend", slog.String("uri", u.String()))

	timeout := 30 * time.Second
	if raw := u.Query().Get("timeout"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid timeout %q", interfaces.ErrInvalidLocationURI, raw)
		}
		timeout = parsed
	}

	rootDir := u.Path
	if strings.Trim(rootDir, "/") == "" {
		rootDir = "/did-ledger"
	}

	return NewIPFSBackend(u.Hostname(), u.Port(), rootDir, timeout, sf.log)
}

// createS3Backend handles s3://[ACCESS_KEY:SECRET_KEY@]bucket/prefix?region=us-west-2&endpoint=http://minio:9000
// Without embedded credentials AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY
// are consulted.
func (sf *StorageBackendFactory) createS3Backend(u *url.URL) (interfaces.StorageBackend, error) {
	sf.log.Debug("Creating S3 backend", slog.String("bucket", u.Host))

	query := u.Query()
	cfg := S3Config{
		Bucket:   u.Host,
		Prefix:   strings.TrimPrefix(u.Path, "/"),
		Region:   query.Get("region"),
		Endpoint: query.Get("endpoint"),
	}

	if u.User != nil {
		cfg.AccessKey = u.User.Username()
		cfg.SecretKey, _ = u.User.Password()
	} else {
		cfg.AccessKey = os.Getenv("AWS_ACCESS_KEY_ID")
		cfg.SecretKey = os.Getenv("AWS_SECRET_ACCESS_KEY")
	}

	return NewS3Backend(cfg, sf.log)
}

// createVaultBackend handles vault://host:port/mount/path?token_env=VAULT_TOKEN&insecure_http=true
func (sf *StorageBackendFactory) createVaultBackend(u *url.URL) (interfaces.StorageBackend, error) {
	sf.log.Debug("Creating Vault backend", slog.String("host", u.Host))

	parts := strings.SplitN(strings.Trim(u.Path, "/"), "/", 2)
	if u.Host == "" || parts[0] == "" {
		return nil, fmt.Errorf("%w: expected vault://host:port/mount[/path]", interfaces.ErrInvalidLocationURI)
	}

	query := u.Query()
	scheme := "https"
	if query.Get("insecure_http") == "true" {
		scheme = "http"
	}
	tokenEnv := query.Get("token_env")
	if tokenEnv == "" {
		tokenEnv = "VAULT_TOKEN"
	}

	cfg := VaultConfig{
		Address:   fmt.Sprintf("%s://%s", scheme, u.Host),
		MountPath: parts[0],
		Token:     os.Getenv(tokenEnv),
	}
	if len(parts) == 2 {
		cfg.DataPath = parts[1]
	}

	return NewVaultBackend(cfg, sf.log)
}

// createFileBackend handles file:///absolute/path or file://./relative/path
func (sf *StorageBackendFactory) createFileBackend(u *url.URL) (interfaces.StorageBackend, error) {
	sf.log.Debug("Creating file backend", slog.String("uri", u.String()))

	path := u.Path
	if u.Host != "" {
		path = u.Host + "/" + strings.TrimPrefix(path, "/")
	}

	if path == "" {
		return nil, fmt.Errorf("%w: empty path in file URI %s", interfaces.ErrInvalidLocationURI, u.String())
	}

	return NewFileBackend(path, sf.log)
}
