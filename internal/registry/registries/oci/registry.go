// Package oci stores container images: chunked blob uploads, manifests by tag
// or digest, and content-addressed blobs.
package oci

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/lgulliver/cairn/internal/registry"
	"github.com/lgulliver/cairn/internal/storage"
	"github.com/lgulliver/cairn/pkg/types"
	"github.com/lgulliver/cairn/pkg/utils"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/rs/zerolog/log"
)

// Registry implements the OCI/Docker container registry plugin
type Registry struct {
	storage  storage.Adapter
	sessions SessionStore
	now      func() time.Time
}

// New creates a new OCI registry plugin
func New(store storage.Adapter, sessions SessionStore) *Registry {
	if sessions == nil {
		sessions = NewMemorySessionStore()
	}
	return &Registry{storage: store, sessions: sessions, now: time.Now}
}

func (r *Registry) Metadata() registry.Metadata {
	return registry.Metadata{Key: types.ManagerDocker, DisplayName: "OCI / Docker"}
}

func blobKey(repo *types.Repository, image string, dgst digest.Digest) string {
	return utils.BuildKey(types.ManagerDocker, repo.Name, image, "blobs", dgst.String())
}

func manifestKey(repo *types.Repository, image, reference string) string {
	return utils.BuildKey(types.ManagerDocker, repo.Name, image, "manifests", reference)
}

func (r *Registry) session(ctx context.Context, repo *types.Repository, id string) (*Session, error) {
	s, err := r.sessions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.RepositoryID != repo.ID.String() {
		return nil, unknownSession(id)
	}
	return s, nil
}

func (r *Registry) InitiateUpload(ctx context.Context, repo *types.Repository, image string) (*registry.UploadSession, error) {
	now := r.now()
	s := &Session{
		ID:           uuid.NewString(),
		RepositoryID: repo.ID.String(),
		Repository:   repo.Name,
		Image:        image,
		StartedAt:    now,
		UpdatedAt:    now,
	}
	if err := r.sessions.Save(ctx, s); err != nil {
		return nil, err
	}

	log.Info().
		Str("session_id", s.ID).
		Str("repository", repo.Name).
		Str("image", image).
		Msg("started blob upload session")
	return s.View(), nil
}

func (r *Registry) AppendUpload(ctx context.Context, repo *types.Repository, sessionID string, chunk io.Reader) (*registry.UploadSession, error) {
	s, err := r.session(ctx, repo, sessionID)
	if err != nil {
		return nil, err
	}
	data, err := io.ReadAll(chunk)
	if err != nil {
		return nil, fmt.Errorf("failed to read chunk data: %w", err)
	}

	s.Buffer = append(s.Buffer, data...)
	s.UpdatedAt = r.now()
	if err := r.sessions.Save(ctx, s); err != nil {
		return nil, err
	}

	log.Debug().
		Str("session_id", sessionID).
		Int("chunk_size", len(data)).
		Int("total_size", len(s.Buffer)).
		Msg("appended chunk to upload session")
	return s.View(), nil
}

// FinalizeUpload verifies the buffered bytes plus last against expected and
// stores the blob. An empty sessionID stores last as the whole blob.
func (r *Registry) FinalizeUpload(ctx context.Context, repo *types.Repository, image, sessionID string, expected digest.Digest, last io.Reader) (ocispec.Descriptor, error) {
	if err := expected.Validate(); err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("%w: %v", registry.ErrInvalidDigest, err)
	}

	var data []byte
	if sessionID != "" {
		s, err := r.session(ctx, repo, sessionID)
		if err != nil {
			return ocispec.Descriptor{}, err
		}
		data = s.Buffer
	}
	if last != nil {
		tail, err := io.ReadAll(last)
		if err != nil {
			return ocispec.Descriptor{}, fmt.Errorf("failed to read upload body: %w", err)
		}
		data = append(data, tail...)
	}

	actual := expected.Algorithm().FromBytes(data)
	if actual != expected {
		return ocispec.Descriptor{}, fmt.Errorf("%w: expected %s, got %s", registry.ErrInvalidDigest, expected, actual)
	}

	if err := r.storage.Store(ctx, blobKey(repo, image, actual), bytes.NewReader(data), MediaTypeOctetStream); err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("failed to store blob %s: %w", actual, err)
	}
	if sessionID != "" {
		if err := r.sessions.Delete(ctx, sessionID); err != nil {
			log.Warn().Err(err).Str("session_id", sessionID).Msg("failed to drop finished upload session")
		}
	}

	log.Info().
		Str("session_id", sessionID).
		Str("digest", actual.String()).
		Str("repository", repo.Name).
		Int("size", len(data)).
		Msg("completed blob upload")
	return ocispec.Descriptor{MediaType: MediaTypeOctetStream, Digest: actual, Size: int64(len(data))}, nil
}

func (r *Registry) CancelUpload(ctx context.Context, repo *types.Repository, sessionID string) error {
	if _, err := r.session(ctx, repo, sessionID); err != nil {
		return err
	}
	log.Info().Str("session_id", sessionID).Str("repository", repo.Name).Msg("cancelled blob upload session")
	return r.sessions.Delete(ctx, sessionID)
}

func (r *Registry) UploadStatus(ctx context.Context, repo *types.Repository, sessionID string) (*registry.UploadSession, error) {
	s, err := r.session(ctx, repo, sessionID)
	if err != nil {
		return nil, err
	}
	return s.View(), nil
}

// PutManifest stores payload under reference. A manifest pushed by tag is
// also stored under its digest so it can be pulled either way.
func (r *Registry) PutManifest(ctx context.Context, repo *types.Repository, image, reference, mediaType string, payload []byte) (ocispec.Descriptor, error) {
	mediaType, err := validateManifest(mediaType, payload)
	if err != nil {
		return ocispec.Descriptor{}, err
	}

	dgst := digest.FromBytes(payload)
	refDigest, byDigest := parseDigest(reference)
	if byDigest && refDigest != dgst {
		return ocispec.Descriptor{}, fmt.Errorf("%w: manifest digest %s does not match reference %s", registry.ErrInvalidDigest, dgst, reference)
	}

	keys := []string{manifestKey(repo, image, dgst.String())}
	if !byDigest {
		keys = append(keys, manifestKey(repo, image, reference))
	}
	for _, key := range keys {
		if err := r.storage.Store(ctx, key, bytes.NewReader(payload), mediaType); err != nil {
			return ocispec.Descriptor{}, fmt.Errorf("failed to store manifest %s:%s: %w", image, reference, err)
		}
	}

	log.Info().
		Str("repository", repo.Name).
		Str("image", image).
		Str("reference", reference).
		Str("digest", dgst.String()).
		Msg("manifest stored")
	return ocispec.Descriptor{MediaType: mediaType, Digest: dgst, Size: int64(len(payload))}, nil
}

func (r *Registry) GetManifest(ctx context.Context, repo *types.Repository, image, reference string) (*registry.Manifest, error) {
	rc, err := r.storage.Retrieve(ctx, manifestKey(repo, image, reference))
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	payload, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest %s:%s: %w", image, reference, err)
	}
	return &registry.Manifest{
		Descriptor: ocispec.Descriptor{
			MediaType: sniffMediaType(payload),
			Digest:    digest.FromBytes(payload),
			Size:      int64(len(payload)),
		},
		Payload: payload,
	}, nil
}

func (r *Registry) DeleteManifest(ctx context.Context, repo *types.Repository, image, reference string) error {
	key := manifestKey(repo, image, reference)
	exists, err := r.storage.Exists(ctx, key)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("manifest %s:%s: %w", image, reference, storage.ErrNotFound)
	}
	return r.storage.Delete(ctx, key)
}

func (r *Registry) ListTags(ctx context.Context, repo *types.Repository, image string) ([]string, error) {
	keys, err := r.storage.List(ctx, utils.BuildKey(types.ManagerDocker, repo.Name, image, "manifests")+"/")
	if err != nil {
		return nil, err
	}
	tags := []string{}
	for _, key := range keys {
		segments := utils.SplitKey(key)
		if len(segments) == 0 {
			continue
		}
		ref := segments[len(segments)-1]
		if _, isDigest := parseDigest(ref); isDigest {
			continue
		}
		tags = append(tags, ref)
	}
	sort.Strings(tags)
	return tags, nil
}

// GetBlob streams a blob, limited to rng when set
func (r *Registry) GetBlob(ctx context.Context, repo *types.Repository, image string, dgst digest.Digest, rng *storage.ByteRange) (*registry.Download, error) {
	key := blobKey(repo, image, dgst)
	obj, err := r.storage.RetrieveRange(ctx, key, rng)
	if err != nil {
		return nil, err
	}
	return &registry.Download{
		Body:        obj.Body,
		Size:        obj.Size,
		TotalSize:   obj.TotalSize,
		ContentType: MediaTypeOctetStream,
		Digest:      dgst.String(),
		StorageKey:  key,
		Range:       obj.Range,
	}, nil
}

func (r *Registry) StatBlob(ctx context.Context, repo *types.Repository, image string, dgst digest.Digest) (ocispec.Descriptor, error) {
	info, err := r.storage.Stat(ctx, blobKey(repo, image, dgst))
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	return ocispec.Descriptor{MediaType: MediaTypeOctetStream, Digest: dgst, Size: info.Size}, nil
}

func (r *Registry) DeleteBlob(ctx context.Context, repo *types.Repository, image string, dgst digest.Digest) error {
	key := blobKey(repo, image, dgst)
	exists, err := r.storage.Exists(ctx, key)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("blob %s: %w", dgst, storage.ErrNotFound)
	}
	return r.storage.Delete(ctx, key)
}

// Download serves a manifest by tag through the generic surface. Digest
// versions are routed to GetBlob by the dispatch layer.
func (r *Registry) Download(ctx context.Context, repo *types.Repository, req *registry.DownloadRequest) (*registry.Download, error) {
	m, err := r.GetManifest(ctx, repo, req.Package, req.Version)
	if err != nil {
		return nil, err
	}
	return &registry.Download{
		Body:        io.NopCloser(bytes.NewReader(m.Payload)),
		Size:        m.Descriptor.Size,
		TotalSize:   m.Descriptor.Size,
		ContentType: m.Descriptor.MediaType,
		Digest:      m.Descriptor.Digest.String(),
		StorageKey:  manifestKey(repo, req.Package, req.Version),
	}, nil
}

// ListVersions reports the tags of an image
func (r *Registry) ListVersions(ctx context.Context, repo *types.Repository, pkg string) ([]string, error) {
	return r.ListTags(ctx, repo, pkg)
}

// DeleteVersion removes a tag
func (r *Registry) DeleteVersion(ctx context.Context, repo *types.Repository, pkg, version string) error {
	return r.DeleteManifest(ctx, repo, pkg, version)
}

func parseDigest(v string) (digest.Digest, bool) {
	d, err := digest.Parse(v)
	return d, err == nil
}
