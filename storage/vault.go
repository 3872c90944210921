package storage

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"
	"github.com/ruteri/did-credential-ledger/interfaces"
)

// VaultBackend implements a storage backend using a HashiCorp Vault KV v2
// secrets engine. Each object is one secret with a single "content" field.
type VaultBackend struct {
	client      *api.Client
	kv          *api.KVv2
	mountPath   string
	dataPath    string
	log         *slog.Logger
	locationURI string
}

// VaultConfig holds connection parameters for a Vault backend.
type VaultConfig struct {
	// Address is the Vault server address (e.g. https://vault.example.com:8200).
	Address string
	// MountPath is the KV v2 mount (e.g. "secret").
	MountPath string
	// DataPath is the path within the mount (e.g. "did-ledger").
	DataPath string
	Token    string
	// ClientCert, when set, is presented for TLS certificate auth.
	ClientCert *tls.Certificate
}

// NewVaultBackend creates a new Vault storage backend.
func NewVaultBackend(cfg VaultConfig, log *slog.Logger) (*VaultBackend, error) {
	config := api.DefaultConfig()
	config.Address = cfg.Address
	if cfg.ClientCert != nil {
		config.HttpClient = &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					Certificates: []tls.Certificate{*cfg.ClientCert},
				},
			},
			Timeout: 30 * time.Second,
		}
	}

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	if cfg.Token != "" {
		client.SetToken(cfg.Token)
	}

	mountPath := strings.Trim(cfg.MountPath, "/")
	if mountPath == "" {
		mountPath = "secret"
	}
	dataPath := strings.Trim(cfg.DataPath, "/")

	return &VaultBackend{
		client:      client,
		kv:          client.KVv2(mountPath),
		mountPath:   mountPath,
		dataPath:    dataPath,
		log:         log,
		locationURI: fmt.Sprintf("vault://%s/%s/%s", strings.TrimPrefix(strings.TrimPrefix(cfg.Address, "https://"), "http://"), mountPath, dataPath),
	}, nil
}

// Fetch returns ErrContentNotFound if no secret exists at the object path.
func (b *VaultBackend) Fetch(ctx context.Context, id interfaces.ContentID, contentType interfaces.ContentType) ([]byte, error) {
	start := time.Now()
	secretPath := objectPath(b.dataPath, id, contentType)

	secret, err := b.kv.Get(ctx, secretPath)
	if errors.Is(err, api.ErrSecretNotFound) {
		b.log.Debug("Content not found in Vault",
			slog.String("path", secretPath))
		return nil, interfaces.ErrContentNotFound
	}
	if err != nil {
		b.log.Error("Failed to read from Vault",
			slog.String("path", secretPath),
			"err", err)
		return nil, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}

	content, ok := secret.Data["content"].(string)
	if !ok {
		return nil, fmt.Errorf("content key not found in Vault data at %s", secretPath)
	}

	b.log.Debug("Fetched content from Vault",
		slog.String("path", secretPath),
		slog.Duration("duration", time.Since(start)))

	return []byte(content), nil
}

// Store writes data as a new secret version.
func (b *VaultBackend) Store(ctx context.Context, data []byte, contentType interfaces.ContentType) (interfaces.ContentID, error) {
	start := time.Now()
	id := interfaces.ComputeID(data)
	secretPath := objectPath(b.dataPath, id, contentType)

	_, err := b.kv.Put(ctx, secretPath, map[string]interface{}{
		"content": string(data),
	})
	if err != nil {
		b.log.Error("Failed to write to Vault",
			slog.String("path", secretPath),
			"err", err)
		return id, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}

	b.log.Debug("Stored content in Vault",
		slog.String("path", secretPath),
		slog.Duration("duration", time.Since(start)))

	return id, nil
}

// Available checks that Vault is initialized and unsealed.
func (b *VaultBackend) Available(ctx context.Context) bool {
	healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	health, err := b.client.Sys().HealthWithContext(healthCtx)
	if err != nil {
		b.log.Debug("Vault health check failed", "err", err)
		return false
	}

	if !health.Initialized || health.Sealed {
		b.log.Debug("Vault is not available",
			slog.Bool("initialized", health.Initialized),
			slog.Bool("sealed", health.Sealed))
		return false
	}

	return true
}

func (b *VaultBackend) Name() string {
	return fmt.Sprintf("vault-%s-%s", b.mountPath, b.dataPath)
}

func (b *VaultBackend) LocationURI() string {
	return b.locationURI
}
