// Package generic is a hosted repository for arbitrary files addressed by
// package, version and file name.
package generic

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"sort"
	"strings"

	"github.com/lgulliver/cairn/internal/registry"
	"github.com/lgulliver/cairn/internal/storage"
	"github.com/lgulliver/cairn/pkg/types"
	"github.com/lgulliver/cairn/pkg/utils"
	"github.com/rs/zerolog/log"
)

// Registry implements the generic hosted plugin. Files live at
// generic/<repository>/<package>/<version>/<filename>.
type Registry struct {
	storage storage.Adapter
}

// New creates a new generic registry plugin
func New(store storage.Adapter) *Registry {
	return &Registry{storage: store}
}

func (r *Registry) Metadata() registry.Metadata {
	return registry.Metadata{
		Key:         types.ManagerGeneric,
		DisplayName: "Generic",
		ConfigSchema: map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{},
		},
	}
}

func versionPrefix(repo *types.Repository, pkg, version string) string {
	return utils.BuildKey(types.ManagerGeneric, repo.Name, pkg, version) + "/"
}

func validate(pkg, version, filename string) error {
	if utils.SanitizePackageName(pkg) == "" {
		return fmt.Errorf("%w: package name is required", registry.ErrInvalidRequest)
	}
	for _, part := range strings.Split(pkg, "/") {
		if part == "." || part == ".." {
			return fmt.Errorf("%w: package name %q", registry.ErrInvalidRequest, pkg)
		}
	}
	if !utils.ValidateVersion(version) {
		return fmt.Errorf("%w: version %q", registry.ErrInvalidRequest, version)
	}
	if filename != "" && !utils.ValidateVersion(filename) {
		return fmt.Errorf("%w: file name %q", registry.ErrInvalidRequest, filename)
	}
	return nil
}

// hashingReader counts and hashes what passes through it
type hashingReader struct {
	r    io.Reader
	size int64
	sum  hash.Hash
}

func (h *hashingReader) Read(p []byte) (int, error) {
	n, err := h.r.Read(p)
	if n > 0 {
		h.size += int64(n)
		h.sum.Write(p[:n])
	}
	return n, err
}

func (r *Registry) store(ctx context.Context, key, contentType string, body io.Reader) (int64, string, error) {
	hr := &hashingReader{r: body, sum: sha256.New()}
	if err := r.storage.Store(ctx, key, hr, contentType); err != nil {
		return 0, "", err
	}
	return hr.size, hex.EncodeToString(hr.sum.Sum(nil)), nil
}

// Upload stores one file of a package version
func (r *Registry) Upload(ctx context.Context, repo *types.Repository, req *registry.UploadRequest) (interface{}, error) {
	filename := req.Filename
	if filename == "" {
		filename = req.Package
		if i := strings.LastIndex(filename, "/"); i >= 0 {
			filename = filename[i+1:]
		}
	}
	if err := validate(req.Package, req.Version, filename); err != nil {
		return nil, err
	}
	contentType := req.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	key := utils.BuildKey(types.ManagerGeneric, repo.Name, req.Package, req.Version, filename)
	size, sum, err := r.store(ctx, key, contentType, req.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to store %s@%s: %w", req.Package, req.Version, err)
	}

	log.Debug().Str("storage_key", key).Int64("size", size).Msg("generic file stored")
	return registry.ArtifactInfo{
		PackageName: req.Package,
		Version:     req.Version,
		Size:        size,
		Hash:        sum,
		StorageKey:  key,
		Path:        filename,
		Metadata:    types.JSONMap{"contentType": contentType, "filename": filename},
	}, nil
}

// HandlePut stores content at a raw path. Paths of the form
// <package...>/<version>/<filename> are reported as that package version.
func (r *Registry) HandlePut(ctx context.Context, repo *types.Repository, req *registry.PutRequest) (interface{}, error) {
	segments := utils.SplitKey(req.Path)
	if len(segments) == 0 {
		return nil, fmt.Errorf("%w: empty path", registry.ErrInvalidRequest)
	}
	for _, s := range segments {
		if s == "." || s == ".." {
			return nil, fmt.Errorf("%w: path %q", registry.ErrInvalidRequest, req.Path)
		}
	}

	contentType := req.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	key := utils.BuildKey(append([]string{types.ManagerGeneric, repo.Name}, segments...)...)
	size, sum, err := r.store(ctx, key, contentType, req.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to store %s: %w", req.Path, err)
	}

	info := registry.ArtifactInfo{Size: size, Hash: sum, StorageKey: key, Path: req.Path, Metadata: types.JSONMap{"contentType": contentType}}
	if n := len(segments); n >= 3 {
		info.PackageName = strings.Join(segments[:n-2], "/")
		info.Version = segments[n-2]
	}
	return info, nil
}

func (r *Registry) files(ctx context.Context, repo *types.Repository, pkg, version string) ([]string, error) {
	keys, err := r.storage.List(ctx, versionPrefix(repo, pkg, version))
	if err != nil {
		return nil, err
	}
	want := len(utils.SplitKey(versionPrefix(repo, pkg, version))) + 1
	var files []string
	for _, key := range keys {
		if len(utils.SplitKey(key)) == want {
			files = append(files, key)
		}
	}
	sort.Strings(files)
	return files, nil
}

// Download reads the first file of a package version, honouring req.Range
func (r *Registry) Download(ctx context.Context, repo *types.Repository, req *registry.DownloadRequest) (*registry.Download, error) {
	if err := validate(req.Package, req.Version, ""); err != nil {
		return nil, err
	}
	files, err := r.files(ctx, repo, req.Package, req.Version)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%s@%s: %w", req.Package, req.Version, storage.ErrNotFound)
	}

	obj, err := r.storage.RetrieveRange(ctx, files[0], req.Range)
	if err != nil {
		return nil, err
	}
	return &registry.Download{
		Body:        obj.Body,
		Size:        obj.Size,
		TotalSize:   obj.TotalSize,
		ContentType: obj.ContentType,
		StorageKey:  files[0],
		Range:       obj.Range,
	}, nil
}

// childSegments lists the distinct segments directly below prefix
func (r *Registry) childSegments(ctx context.Context, prefix string) ([]string, error) {
	keys, err := r.storage.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	depth := len(utils.SplitKey(prefix))
	seen := make(map[string]bool)
	var out []string
	for _, key := range keys {
		segments := utils.SplitKey(key)
		if len(segments) <= depth+1 {
			continue
		}
		if s := segments[depth]; !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out, nil
}

// ListVersions lists the versions stored for pkg. Nested package names are
// not distinguished from versions, so use the index for those.
func (r *Registry) ListVersions(ctx context.Context, repo *types.Repository, pkg string) ([]string, error) {
	return r.childSegments(ctx, utils.BuildKey(types.ManagerGeneric, repo.Name, pkg)+"/")
}

// ListPackages lists the top-level package names in storage
func (r *Registry) ListPackages(ctx context.Context, repo *types.Repository) ([]string, error) {
	packages, err := r.childSegments(ctx, utils.BuildKey(types.ManagerGeneric, repo.Name)+"/")
	if err != nil {
		return nil, err
	}
	sort.Strings(packages)
	return packages, nil
}

// DeleteVersion removes every file of a package version
func (r *Registry) DeleteVersion(ctx context.Context, repo *types.Repository, pkg, version string) error {
	if err := validate(pkg, version, ""); err != nil {
		return err
	}
	files, err := r.files(ctx, repo, pkg, version)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("%s@%s: %w", pkg, version, storage.ErrNotFound)
	}
	for _, key := range files {
		if err := r.storage.Delete(ctx, key); err != nil && !storage.IsNotFound(err) {
			return fmt.Errorf("failed to delete %s: %w", key, err)
		}
	}
	log.Info().Str("repository", repo.Name).Str("package", pkg).Str("version", version).Int("files", len(files)).Msg("generic version deleted")
	return nil
}
