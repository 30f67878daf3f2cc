package registry

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/lgulliver/cairn/internal/coord"
	"github.com/lgulliver/cairn/pkg/types"
	"github.com/lgulliver/cairn/pkg/utils"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/rs/zerolog/log"
)

// Container-registry operations. Unlike the generic surface these return
// errors for every failure so the wire adapter can map them to distribution
// error codes.

func (s *Service) ociRepo(ctx context.Context, repoName string, write bool) (*types.Repository, *Registered, error) {
	repo, err := s.Repository(ctx, repoName)
	if err != nil {
		return nil, nil, err
	}
	if write {
		target, res, err := s.writeTarget(ctx, repo)
		if err != nil {
			return nil, nil, err
		}
		if res != nil {
			return nil, nil, fmt.Errorf("%s: %w", res.Message, res.Reason)
		}
		repo = target
	}
	p, res, err := s.plugin(ctx, repo)
	if err != nil {
		return nil, nil, err
	}
	if res != nil {
		return nil, nil, fmt.Errorf("%s: %w", res.Message, res.Reason)
	}
	return repo, p, nil
}

func (s *Service) blobUploader(ctx context.Context, repoName string) (*types.Repository, BlobUploader, error) {
	repo, p, err := s.ociRepo(ctx, repoName, true)
	if err != nil {
		return nil, nil, err
	}
	if !p.Capabilities.BlobUpload {
		return nil, nil, fmt.Errorf("%s plugin: blob upload: %w", p.Metadata.Key, ErrUnsupported)
	}
	return repo, p.Plugin.(BlobUploader), nil
}

func sessionLock(id string) string { return "oci-upload:" + id }

// InitiateUpload opens a chunked blob upload session
func (s *Service) InitiateUpload(ctx context.Context, repoName, image string) (*UploadSession, error) {
	repo, uploader, err := s.blobUploader(ctx, repoName)
	if err != nil {
		return nil, err
	}
	return uploader.InitiateUpload(ctx, repo, image)
}

// AppendUpload adds a chunk to a session. Appends to one session are serialised.
func (s *Service) AppendUpload(ctx context.Context, repoName, sessionID string, chunk io.Reader) (*UploadSession, error) {
	repo, uploader, err := s.blobUploader(ctx, repoName)
	if err != nil {
		return nil, err
	}
	return coord.WithLock(ctx, s.locker, sessionLock(sessionID), writeLockTTL, func(ctx context.Context) (*UploadSession, error) {
		return uploader.AppendUpload(ctx, repo, sessionID, chunk)
	})
}

// FinalizeUpload completes a session, or stores a whole blob in one step when
// sessionID is empty.
func (s *Service) FinalizeUpload(ctx context.Context, repoName, image, sessionID string, expected digest.Digest, last io.Reader) (ocispec.Descriptor, error) {
	repo, uploader, err := s.blobUploader(ctx, repoName)
	if err != nil {
		return ocispec.Descriptor{}, err
	}

	resource := sessionLock(sessionID)
	if sessionID == "" {
		resource = fmt.Sprintf("upload:%s:%s:%s", repo.ID, image, expected)
	}
	desc, err := coord.WithLock(ctx, s.locker, resource, writeLockTTL, func(ctx context.Context) (ocispec.Descriptor, error) {
		return uploader.FinalizeUpload(ctx, repo, image, sessionID, expected, last)
	})
	if err != nil {
		return ocispec.Descriptor{}, err
	}

	log.Info().
		Str("repository", repo.Name).
		Str("image", image).
		Str("digest", desc.Digest.String()).
		Int64("size", desc.Size).
		Msg("blob upload finalized")
	return desc, nil
}

// CancelUpload discards a session
func (s *Service) CancelUpload(ctx context.Context, repoName, sessionID string) error {
	repo, uploader, err := s.blobUploader(ctx, repoName)
	if err != nil {
		return err
	}
	return s.locker.RunWithLock(ctx, sessionLock(sessionID), writeLockTTL, func(ctx context.Context) error {
		return uploader.CancelUpload(ctx, repo, sessionID)
	})
}

// UploadStatus reports the progress of a session
func (s *Service) UploadStatus(ctx context.Context, repoName, sessionID string) (*UploadSession, error) {
	repo, uploader, err := s.blobUploader(ctx, repoName)
	if err != nil {
		return nil, err
	}
	return uploader.UploadStatus(ctx, repo, sessionID)
}

// PutManifest stores a manifest under a tag or digest and indexes it
func (s *Service) PutManifest(ctx context.Context, repoName, image, reference, mediaType string, payload []byte) (ocispec.Descriptor, error) {
	repo, p, err := s.ociRepo(ctx, repoName, true)
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	if !p.Capabilities.Manifests {
		return ocispec.Descriptor{}, fmt.Errorf("%s plugin: manifests: %w", p.Metadata.Key, ErrUnsupported)
	}

	resource := fmt.Sprintf("put:%s:%s/manifests/%s", repo.ID, image, reference)
	desc, err := coord.WithLock(ctx, s.locker, resource, writeLockTTL, func(ctx context.Context) (ocispec.Descriptor, error) {
		return p.Plugin.(ManifestStore).PutManifest(ctx, repo, image, reference, mediaType, payload)
	})
	details := map[string]interface{}{"repository": repo.Name, "image": image, "reference": reference}
	if err != nil {
		s.audit.LogFailure(ctx, "manifest_push", "image", image, err, details)
		return ocispec.Descriptor{}, err
	}

	s.indexer.Index(ctx, repo.ID, ArtifactInfo{
		PackageName: image,
		Version:     reference,
		Size:        desc.Size,
		Hash:        desc.Digest.String(),
		StorageKey:  utils.BuildKey(repo.Manager, repo.Name, image, "manifests", reference),
		Metadata:    types.JSONMap{"mediaType": desc.MediaType, "digest": desc.Digest.String(), "contentType": desc.MediaType},
	})
	s.audit.LogSuccess(ctx, "manifest_push", "image", image, details)
	return desc, nil
}

// GetManifest reads a manifest. Groups return the first member holding it.
func (s *Service) GetManifest(ctx context.Context, repoName, image, reference string) (*Manifest, string, error) {
	repo, err := s.Repository(ctx, repoName)
	if err != nil {
		return nil, "", err
	}
	leaves, err := s.leaves(ctx, repo, nil)
	if err != nil {
		return nil, "", err
	}

	for _, leaf := range leaves {
		p, ok, err := s.GetPluginForRepo(ctx, leaf)
		if err != nil {
			if repo.Type != types.RepositoryGroup {
				return nil, "", err
			}
			continue
		}
		if !ok || !p.Capabilities.Manifests {
			continue
		}
		m, err := p.Plugin.(ManifestStore).GetManifest(ctx, leaf, image, reference)
		if isNotFound(err) {
			continue
		}
		if err != nil {
			if repo.Type != types.RepositoryGroup {
				return nil, "", err
			}
			log.Warn().Err(err).Str("member", leaf.Name).Msg("group member manifest read failed")
			continue
		}
		s.recordDownload(ctx, leaf.ID, image, reference)
		return m, leaf.Name, nil
	}
	return nil, "", fmt.Errorf("manifest %s:%s in %s: %w", image, reference, repo.Name, ErrNotFound)
}

// DeleteManifest removes a manifest and its index row. Without a manifest
// capability the storage key is removed directly.
func (s *Service) DeleteManifest(ctx context.Context, repoName, image, reference string) error {
	repo, p, err := s.ociRepo(ctx, repoName, false)
	if err != nil {
		return err
	}
	if repo.Type == types.RepositoryGroup {
		return fmt.Errorf("delete from group %s: %w", repo.Name, ErrWrongRepositoryType)
	}

	resource := fmt.Sprintf("put:%s:%s/manifests/%s", repo.ID, image, reference)
	err = s.locker.RunWithLock(ctx, resource, writeLockTTL, func(ctx context.Context) error {
		if p.Capabilities.Manifests {
			return p.Plugin.(ManifestStore).DeleteManifest(ctx, repo, image, reference)
		}
		key := utils.BuildKey(repo.Manager, repo.Name, image, "manifests", reference)
		exists, err := s.storage.Exists(ctx, key)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("manifest %s:%s: %w", image, reference, ErrNotFound)
		}
		return s.storage.Delete(ctx, key)
	})
	if err != nil {
		return err
	}

	if err := s.db.WithContext(ctx).
		Where("repository_id = ? AND name = ? AND version = ?", repo.ID, image, reference).
		Delete(&types.Artifact{}).Error; err != nil {
		log.Warn().Err(err).Str("image", image).Str("reference", reference).Msg("failed to remove manifest from index")
	}
	s.audit.LogSuccess(ctx, "manifest_delete", "image", image, map[string]interface{}{"repository": repo.Name, "reference": reference})
	return nil
}

// ListTags returns the tags of an image, falling back to the manifest keys in
// storage when the plugin cannot list them.
func (s *Service) ListTags(ctx context.Context, repoName, image string) ([]string, error) {
	repo, err := s.Repository(ctx, repoName)
	if err != nil {
		return nil, err
	}
	leaves, err := s.leaves(ctx, repo, nil)
	if err != nil {
		return nil, err
	}

	var lists [][]string
	for _, leaf := range leaves {
		p, ok, err := s.GetPluginForRepo(ctx, leaf)
		if err != nil {
			if repo.Type != types.RepositoryGroup {
				return nil, err
			}
			continue
		}
		if ok && p.Capabilities.Manifests {
			tags, err := p.Plugin.(ManifestStore).ListTags(ctx, leaf, image)
			if err != nil && !isNotFound(err) {
				return nil, err
			}
			lists = append(lists, tags)
			continue
		}
		tags, err := s.tagsFromStorage(ctx, leaf, image)
		if err != nil {
			return nil, err
		}
		lists = append(lists, tags)
	}

	tags := union(lists...)
	sort.Strings(tags)
	return tags, nil
}

func (s *Service) tagsFromStorage(ctx context.Context, repo *types.Repository, image string) ([]string, error) {
	keys, err := s.storage.List(ctx, utils.BuildKey(repo.Manager, repo.Name, image, "manifests")+"/")
	if err != nil {
		return nil, err
	}
	var tags []string
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
	return tags, nil
}

// StatBlob describes a blob without reading it. Groups return the first
// member holding it.
func (s *Service) StatBlob(ctx context.Context, repoName, image string, dgst digest.Digest) (ocispec.Descriptor, error) {
	repo, err := s.Repository(ctx, repoName)
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	leaves, err := s.leaves(ctx, repo, nil)
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	for _, leaf := range leaves {
		p, ok, err := s.GetPluginForRepo(ctx, leaf)
		if err != nil || !ok || !p.Capabilities.Blobs {
			continue
		}
		desc, err := p.Plugin.(BlobStore).StatBlob(ctx, leaf, image, dgst)
		if err == nil {
			return desc, nil
		}
		if !isNotFound(err) && repo.Type != types.RepositoryGroup {
			return ocispec.Descriptor{}, err
		}
	}
	return ocispec.Descriptor{}, fmt.Errorf("blob %s in %s: %w", dgst, repo.Name, ErrNotFound)
}

// DeleteBlob removes a blob from a hosted repository
func (s *Service) DeleteBlob(ctx context.Context, repoName, image string, dgst digest.Digest) error {
	repo, p, err := s.ociRepo(ctx, repoName, false)
	if err != nil {
		return err
	}
	if repo.Type == types.RepositoryGroup {
		return fmt.Errorf("delete from group %s: %w", repo.Name, ErrWrongRepositoryType)
	}
	if !p.Capabilities.Blobs {
		return fmt.Errorf("%s plugin: blobs: %w", p.Metadata.Key, ErrUnsupported)
	}
	resource := fmt.Sprintf("upload:%s:%s:%s", repo.ID, image, dgst)
	return s.locker.RunWithLock(ctx, resource, writeLockTTL, func(ctx context.Context) error {
		return p.Plugin.(BlobStore).DeleteBlob(ctx, repo, image, dgst)
	})
}
