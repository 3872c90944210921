package storage

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ruteri/did-credential-ledger/interfaces"
)

// DefaultGitHubAPI is the public GitHub REST endpoint.
const DefaultGitHubAPI = "https://api.github.com"

// GitHubBackend implements a read-only storage backend over an archive that
// has been committed to a GitHub repository, using the contents API.
type GitHubBackend struct {
	apiBase     string
	owner       string
	repo        string
	dir         string
	ref         string
	client      *http.Client
	log         *slog.Logger
	locationURI string
}

// GitHubContent is the subset of the contents API response the backend reads.
type GitHubContent struct {
	Type     string `json:"type"`
	Content  string `json:"content"`
	Encoding string `json:"encoding"`
	SHA      string `json:"sha"`
	Size     int    `json:"size"`
}

// NewGitHubBackend creates a backend reading <dir>/<type>s/<id> at ref from
// owner/repo. An empty apiBase selects DefaultGitHubAPI.
func NewGitHubBackend(apiBase, owner, repo, dir, ref string, log *slog.Logger) *GitHubBackend {
	if apiBase == "" {
		apiBase = DefaultGitHubAPI
	}
	uri := fmt.Sprintf("github://%s/%s", owner, repo)
	if dir = strings.Trim(dir, "/"); dir != "" {
		uri += "/" + dir
	}
	if ref != "" {
		uri += "?ref=" + url.QueryEscape(ref)
	}

	return &GitHubBackend{
		apiBase:     strings.TrimSuffix(apiBase, "/"),
		owner:       owner,
		repo:        repo,
		dir:         dir,
		ref:         ref,
		client:      &http.Client{Timeout: 30 * time.Second},
		log:         log,
		locationURI: uri,
	}
}

// Fetch downloads the object and checks it hashes to id, since the mirror is
// not trusted to serve what was archived.
func (b *GitHubBackend) Fetch(ctx context.Context, id interfaces.ContentID, contentType interfaces.ContentType) ([]byte, error) {
	filePath := objectPath(b.dir, id, contentType)

	file, err := b.fetchContent(ctx, filePath)
	if err != nil {
		return nil, err
	}

	if file.Encoding != "base64" {
		return nil, fmt.Errorf("unexpected content encoding: %s", file.Encoding)
	}

	data, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(file.Content, "\n", ""))
	if err != nil {
		return nil, fmt.Errorf("failed to decode content: %w", err)
	}

	if actual := interfaces.ComputeID(data); actual != id {
		b.log.Warn("Content hash mismatch",
			slog.String("expected", id.String()),
			slog.String("actual", actual.String()))
		return nil, fmt.Errorf("content hash mismatch for %s", filePath)
	}

	b.log.Debug("Fetched content from GitHub",
		slog.String("path", filePath),
		slog.Int("size", len(data)))

	return data, nil
}

// Store is not supported; the mirror is populated out of band.
func (b *GitHubBackend) Store(ctx context.Context, data []byte, contentType interfaces.ContentType) (interfaces.ContentID, error) {
	return interfaces.ComputeID(data), fmt.Errorf("GitHub backend is read-only")
}

// Available checks if the repository is accessible.
func (b *GitHubBackend) Available(ctx context.Context) bool {
	reqURL := fmt.Sprintf("%s/repos/%s/%s", b.apiBase, b.owner, b.repo)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		b.log.Debug("Failed to create request", "err", err)
		return false
	}
	req.Header.Set("Accept", "application/vnd.github.v3+json")

	resp, err := b.client.Do(req)
	if err != nil {
		b.log.Debug("GitHub backend unavailable", "err", err)
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b.log.Debug("GitHub backend unavailable",
			slog.String("status", resp.Status))
		return false
	}

	return true
}

func (b *GitHubBackend) Name() string {
	return fmt.Sprintf("github-%s-%s", b.owner, b.repo)
}

func (b *GitHubBackend) LocationURI() string {
	return b.locationURI
}

func (b *GitHubBackend) fetchContent(ctx context.Context, filePath string) (*GitHubContent, error) {
	reqURL := fmt.Sprintf("%s/repos/%s/%s/contents/%s", b.apiBase, b.owner, b.repo, filePath)
	if b.ref != "" {
		reqURL += "?ref=" + url.QueryEscape(b.ref)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github.v3+json")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, interfaces.ErrContentNotFound
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("GitHub API error: %s, %s", resp.Status, string(body))
	}

	var content GitHubContent
	if err := json.NewDecoder(resp.Body).Decode(&content); err != nil {
		return nil, fmt.Errorf("failed to decode content: %w", err)
	}
	if content.Type != "" && content.Type != "file" {
		return nil, fmt.Errorf("%s is a %s, not a file", filePath, content.Type)
	}

	return &content, nil
}
