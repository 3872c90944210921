package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	shell "github.com/ipfs/go-ipfs-api"
	"github.com/ruteri/did-credential-ledger/interfaces"
)

// IPFSBackend implements a storage backend on top of an IPFS node's mutable
// file system (MFS). Objects are written under rootDir so they stay pinned by
// the node and can be addressed by content ID without tracking IPFS CIDs.
type IPFSBackend struct {
	shell       *shell.Shell
	host        string
	port        string
	rootDir     string
	log         *slog.Logger
	locationURI string
}

// NewIPFSBackend creates a new IPFS storage backend connected to the node API
// at host:port.
func NewIPFSBackend(host, port, rootDir string, timeout time.Duration, log *slog.Logger) (*IPFSBackend, error) {
	if host == "" {
		return nil, fmt.Errorf("%w: missing IPFS host", interfaces.ErrInvalidLocationURI)
	}
	if port == "" {
		port = "5001"
	}
	rootDir = "/" + strings.Trim(rootDir, "/")

	apiURL := fmt.Sprintf("%s:%s", host, port)
	sh := shell.NewShell(apiURL)
	if timeout > 0 {
		sh.SetTimeout(timeout)
	}

	return &IPFSBackend{
		shell:       sh,
		host:        host,
		port:        port,
		rootDir:     rootDir,
		log:         log,
		locationURI: fmt.Sprintf("ipfs://%s%s?timeout=%s", apiURL, rootDir, timeout),
	}, nil
}

// Fetch returns ErrContentNotFound if the MFS path doesn't exist, or
// ErrBackendUnavailable if the node is down.
func (b *IPFSBackend) Fetch(ctx context.Context, id interfaces.ContentID, contentType interfaces.ContentType) ([]byte, error) {
	start := time.Now()
	mfsPath := objectPath(b.rootDir, id, contentType)

	if !b.shell.IsUp() {
		b.log.Warn("IPFS node unavailable",
			slog.String("host", b.host),
			slog.String("port", b.port))
		return nil, interfaces.ErrBackendUnavailable
	}

	reader, err := b.shell.FilesRead(ctx, mfsPath)
	if err != nil {
		if strings.Contains(err.Error(), "does not exist") || strings.Contains(err.Error(), "no link named") {
			b.log.Debug("Content not found in IPFS",
				slog.String("path", mfsPath),
				slog.Duration("duration", time.Since(start)))
			return nil, interfaces.ErrContentNotFound
		}
		return nil, fmt.Errorf("failed to fetch data from IPFS: %w", err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read data from IPFS: %w", err)
	}

	b.log.Debug("Fetched content from IPFS",
		slog.String("path", mfsPath),
		slog.Int("size", len(data)),
		slog.Duration("duration", time.Since(start)))

	return data, nil
}

// Store writes data into MFS under its content ID.
func (b *IPFSBackend) Store(ctx context.Context, data []byte, contentType interfaces.ContentType) (interfaces.ContentID, error) {
	id := interfaces.ComputeID(data)
	mfsPath := objectPath(b.rootDir, id, contentType)

	if !b.shell.IsUp() {
		return id, interfaces.ErrBackendUnavailable
	}

	err := b.shell.FilesWrite(ctx, mfsPath, bytes.NewReader(data),
		shell.FilesWrite.Create(true),
		shell.FilesWrite.Parents(true),
		shell.FilesWrite.Truncate(true))
	if err != nil {
		return id, fmt.Errorf("failed to write data to IPFS: %w", err)
	}

	b.log.Debug("Stored content in IPFS",
		slog.String("path", mfsPath),
		slog.String("contentID", id.String()),
		slog.String("dir", path.Dir(mfsPath)))

	return id, nil
}

// Available checks if the IPFS node is accessible.
func (b *IPFSBackend) Available(ctx context.Context) bool {
	return b.shell.IsUp()
}

func (b *IPFSBackend) Name() string {
	return fmt.Sprintf("ipfs-%s-%s", b.host, b.port)
}

func (b *IPFSBackend) LocationURI() string {
	return b.locationURI
}
