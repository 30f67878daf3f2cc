// Package proxy mirrors files from an upstream HTTP server. Fetched files are
// kept in storage so they can be served while the upstream is unreachable and
// aged out by the proxy cache cleaner.
package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/lgulliver/cairn/internal/registry"
	"github.com/lgulliver/cairn/internal/storage"
	"github.com/lgulliver/cairn/pkg/config"
	"github.com/lgulliver/cairn/pkg/types"
	"github.com/lgulliver/cairn/pkg/utils"
	"github.com/rs/zerolog/log"
)

// maxBuffered is the largest upstream body held in memory. Larger bodies are
// streamed to the caller and are not cached.
const maxBuffered = 32 << 20

// Registry implements the generic-proxy plugin
type Registry struct {
	storage     storage.Adapter
	client      *http.Client
	pingTimeout time.Duration
}

// New creates a proxy plugin with the configured upstream timeouts
func New(store storage.Adapter, cfg config.ProxyCacheConfig) *Registry {
	fetch := cfg.FetchTimeout
	if fetch <= 0 {
		fetch = 30 * time.Second
	}
	ping := cfg.PingTimeout
	if ping <= 0 {
		ping = 3 * time.Second
	}
	return &Registry{
		storage:     store,
		client:      &http.Client{Timeout: fetch},
		pingTimeout: ping,
	}
}

func (r *Registry) Metadata() registry.Metadata {
	return registry.Metadata{
		Key:         types.ManagerGenericProxy,
		DisplayName: "Generic proxy",
		ConfigSchema: map[string]interface{}{
			"type":     "object",
			"required": []string{"upstreamUrl"},
			"properties": map[string]interface{}{
				"upstreamUrl":       map[string]interface{}{"type": "string"},
				"cacheTtlSeconds":   map[string]interface{}{"type": "integer"},
				"proxyCacheEnabled": map[string]interface{}{"type": "boolean"},
				"maxAgeDays":        map[string]interface{}{"type": "integer"},
			},
		},
	}
}

// resolve turns target into an absolute upstream URL and the path relative to
// the upstream base. Absolute targets must lie under the upstream base.
func resolve(repo *types.Repository, target string) (string, string, error) {
	base := strings.TrimRight(repo.Config.UpstreamURL, "/")
	if base == "" {
		return "", "", fmt.Errorf("%w: repository %s has no upstream URL", registry.ErrInvalidRequest, repo.Name)
	}
	if _, err := url.Parse(base); err != nil {
		return "", "", fmt.Errorf("%w: upstream URL of %s: %v", registry.ErrInvalidRequest, repo.Name, err)
	}

	var rel string
	if strings.Contains(target, "://") {
		rest, ok := strings.CutPrefix(target, base)
		if !ok || (rest != "" && !strings.HasPrefix(rest, "/")) {
			return "", "", fmt.Errorf("%w: %s is outside the upstream of %s", registry.ErrInvalidRequest, target, repo.Name)
		}
		rel = rest
	} else {
		rel = "/" + strings.TrimLeft(target, "/")
	}

	segments := utils.SplitKey(strings.SplitN(rel, "?", 2)[0])
	for _, s := range segments {
		if s == ".." || s == "." {
			return "", "", fmt.Errorf("%w: path %q", registry.ErrInvalidRequest, target)
		}
	}
	if len(segments) == 0 {
		return "", "", fmt.Errorf("%w: empty path", registry.ErrInvalidRequest)
	}
	return base + rel, strings.Join(segments, "/"), nil
}

func cacheKey(repo *types.Repository, path string) string {
	return utils.BuildKey(types.ManagerGenericProxy, repo.Name, path)
}

// metadataFor describes paths of the form <package...>/<version>/<filename>
func metadataFor(path, key, contentType string, size int64) types.JSONMap {
	segments := strings.Split(path, "/")
	md := types.JSONMap{"storageKey": key, "contentType": contentType, "size": size, "path": path}
	if n := len(segments); n >= 3 {
		md["name"] = strings.Join(segments[:n-2], "/")
		md["version"] = segments[n-2]
	}
	return md
}

// ProxyFetch fetches target from the upstream. Buffered responses are also
// written to storage; when the upstream fails the stored copy is served.
func (r *Registry) ProxyFetch(ctx context.Context, repo *types.Repository, target string) (*registry.ProxyResponse, error) {
	upstream, path, err := resolve(repo, target)
	if err != nil {
		return nil, err
	}
	key := cacheKey(repo, path)

	resp, err := r.get(ctx, upstream)
	if err != nil {
		if stored, serr := r.fromStorage(ctx, key, path); serr == nil {
			log.Warn().Err(err).Str("repository", repo.Name).Str("url", upstream).Msg("upstream unavailable, serving stored copy")
			return stored, nil
		}
		return nil, err
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	if resp.ContentLength > maxBuffered {
		log.Debug().Str("url", upstream).Int64("size", resp.ContentLength).Msg("streaming large upstream response")
		return &registry.ProxyResponse{Stream: resp.Body, ContentType: contentType, NoCache: true}, nil
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxBuffered+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read upstream response from %s: %w", upstream, err)
	}
	if len(payload) > maxBuffered {
		return nil, fmt.Errorf("upstream response from %s exceeds %d bytes", upstream, maxBuffered)
	}

	if err := r.storage.Store(ctx, key, bytes.NewReader(payload), contentType); err != nil {
		log.Warn().Err(err).Str("storage_key", key).Msg("failed to keep proxied file")
	}

	return &registry.ProxyResponse{
		Payload:     payload,
		ContentType: contentType,
		NoCache:     strings.Contains(resp.Header.Get("Cache-Control"), "no-store"),
		Metadata:    metadataFor(path, key, contentType, int64(len(payload))),
	}, nil
}

func (r *Registry) get(ctx context.Context, upstream string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, upstream, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", registry.ErrInvalidRequest, err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream request %s failed: %w", upstream, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		resp.Body.Close()
		return nil, fmt.Errorf("%s: %w", upstream, registry.ErrNotFound)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		resp.Body.Close()
		return nil, fmt.Errorf("upstream %s returned %d", upstream, resp.StatusCode)
	}
	return resp, nil
}

func (r *Registry) fromStorage(ctx context.Context, key, path string) (*registry.ProxyResponse, error) {
	rc, err := r.storage.Retrieve(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	payload, err := io.ReadAll(rc)
	if err != nil {
		return nil, err
	}
	contentType := "application/octet-stream"
	return &registry.ProxyResponse{
		Payload:     payload,
		ContentType: contentType,
		// a stale copy is served, not cached
		NoCache:  true,
		Metadata: metadataFor(path, key, contentType, int64(len(payload))),
	}, nil
}

// Download serves a previously proxied file from storage. The package and
// version are joined with the first stored file name below them.
func (r *Registry) Download(ctx context.Context, repo *types.Repository, req *registry.DownloadRequest) (*registry.Download, error) {
	prefix := utils.BuildKey(types.ManagerGenericProxy, repo.Name, req.Package, req.Version) + "/"
	keys, err := r.storage.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("%s@%s: %w", req.Package, req.Version, storage.ErrNotFound)
	}

	obj, err := r.storage.RetrieveRange(ctx, keys[0], req.Range)
	if err != nil {
		return nil, err
	}
	return &registry.Download{
		Body:        obj.Body,
		Size:        obj.Size,
		TotalSize:   obj.TotalSize,
		ContentType: obj.ContentType,
		StorageKey:  keys[0],
		Range:       obj.Range,
	}, nil
}

// Ping checks that the upstream answers within the ping timeout
func (r *Registry) Ping(ctx context.Context, repo *types.Repository) error {
	base := strings.TrimRight(repo.Config.UpstreamURL, "/")
	if base == "" {
		return fmt.Errorf("%w: repository %s has no upstream URL", registry.ErrInvalidRequest, repo.Name)
	}
	ctx, cancel := context.WithTimeout(ctx, r.pingTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, base+"/", nil)
	if err != nil {
		return fmt.Errorf("%w: %v", registry.ErrInvalidRequest, err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("upstream %s unreachable: %w", base, err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("upstream %s returned %d", base, resp.StatusCode)
	}
	return nil
}
