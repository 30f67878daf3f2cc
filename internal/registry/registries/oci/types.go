package oci

import (
	"encoding/json"
	"fmt"

	"github.com/lgulliver/cairn/internal/registry"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// Docker schema 2 media types accepted alongside the OCI ones
const (
	MediaTypeDockerManifest     = "application/vnd.docker.distribution.manifest.v2+json"
	MediaTypeDockerManifestList = "application/vnd.docker.distribution.manifest.list.v2+json"
)

// MediaTypeOctetStream is served for blobs
const MediaTypeOctetStream = "application/octet-stream"

// manifestHead holds the fields shared by every manifest format
type manifestHead struct {
	SchemaVersion int    `json:"schemaVersion"`
	MediaType     string `json:"mediaType"`
}

// validateManifest checks that payload parses as mediaType and returns the
// effective media type. An empty mediaType is taken from the payload.
func validateManifest(mediaType string, payload []byte) (string, error) {
	var head manifestHead
	if err := json.Unmarshal(payload, &head); err != nil {
		return "", fmt.Errorf("%w: %v", registry.ErrManifestInvalid, err)
	}
	if mediaType == "" {
		mediaType = head.MediaType
	}
	if mediaType == "" {
		mediaType = ocispec.MediaTypeImageManifest
	}
	if head.SchemaVersion != 2 {
		return "", fmt.Errorf("%w: unsupported schemaVersion %d", registry.ErrManifestInvalid, head.SchemaVersion)
	}

	switch mediaType {
	case ocispec.MediaTypeImageManifest, MediaTypeDockerManifest:
		var m ocispec.Manifest
		if err := json.Unmarshal(payload, &m); err != nil {
			return "", fmt.Errorf("%w: %v", registry.ErrManifestInvalid, err)
		}
		if m.Config.Digest == "" {
			return "", fmt.Errorf("%w: manifest has no config descriptor", registry.ErrManifestInvalid)
		}
		for _, layer := range m.Layers {
			if err := layer.Digest.Validate(); err != nil {
				return "", fmt.Errorf("%w: layer digest: %v", registry.ErrManifestInvalid, err)
			}
		}
	case ocispec.MediaTypeImageIndex, MediaTypeDockerManifestList:
		var idx ocispec.Index
		if err := json.Unmarshal(payload, &idx); err != nil {
			return "", fmt.Errorf("%w: %v", registry.ErrManifestInvalid, err)
		}
		for _, m := range idx.Manifests {
			if err := m.Digest.Validate(); err != nil {
				return "", fmt.Errorf("%w: manifest digest: %v", registry.ErrManifestInvalid, err)
			}
		}
	default:
		return "", fmt.Errorf("%w: unsupported media type %q", registry.ErrManifestInvalid, mediaType)
	}
	return mediaType, nil
}

// sniffMediaType reads the media type of a stored manifest
func sniffMediaType(payload []byte) string {
	var head manifestHead
	if err := json.Unmarshal(payload, &head); err == nil && head.MediaType != "" {
		return head.MediaType
	}
	return ocispec.MediaTypeImageManifest
}
