package registry

import (
	"context"
	"io"
	"time"

	"github.com/lgulliver/cairn/internal/storage"
	"github.com/lgulliver/cairn/pkg/types"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// Metadata describes a plugin
type Metadata struct {
	// Key is the ecosystem key matched against Repository.Manager
	Key          string                 `json:"key"`
	DisplayName  string                 `json:"displayName"`
	ConfigSchema map[string]interface{} `json:"configSchema,omitempty"`
}

// Plugin is one ecosystem implementation. Behavior comes from the capability
// interfaces below; a plugin must implement at least one.
type Plugin interface {
	Metadata() Metadata
}

// UploadRequest carries one artifact write
type UploadRequest struct {
	Package     string
	Version     string
	Filename    string
	ContentType string
	Body        io.Reader
}

// Uploader stores artifacts in hosted repositories. The returned value
// describes the stored artifact in any shape NormalizeResult understands.
type Uploader interface {
	Upload(ctx context.Context, repo *types.Repository, req *UploadRequest) (interface{}, error)
}

// PutRequest is a raw write of content to a path inside a repository
type PutRequest struct {
	Path        string
	ContentType string
	Body        io.Reader
}

// Putter accepts raw path writes
type Putter interface {
	HandlePut(ctx context.Context, repo *types.Repository, req *PutRequest) (interface{}, error)
}

// DownloadRequest identifies the content to read
type DownloadRequest struct {
	Package string
	Version string
	Range   *storage.ByteRange
}

// Download is a readable artifact. Body must be closed by the caller.
type Download struct {
	Body        io.ReadCloser
	Size        int64
	TotalSize   int64
	ContentType string
	Digest      string
	StorageKey  string
	Range       *storage.ByteRange
}

// Downloader reads artifacts. Missing content is reported as storage.ErrNotFound
// or ErrNotFound.
type Downloader interface {
	Download(ctx context.Context, repo *types.Repository, req *DownloadRequest) (*Download, error)
}

// VersionLister reports the versions a plugin knows for a package
type VersionLister interface {
	ListVersions(ctx context.Context, repo *types.Repository, pkg string) ([]string, error)
}

// ProxyResponse is an upstream response relayed by a proxy plugin
type ProxyResponse struct {
	Payload     []byte
	ContentType string
	// Stream is set instead of Payload for bodies too large to buffer.
	// Streamed responses are never cached.
	Stream io.ReadCloser
	// NoCache disables caching of this response
	NoCache bool
	// Metadata, when it names a package and version, is indexed
	Metadata types.JSONMap
}

// ProxyFetcher fetches upstream content for proxy repositories
type ProxyFetcher interface {
	ProxyFetch(ctx context.Context, repo *types.Repository, url string) (*ProxyResponse, error)
}

// Credentials are presented to an Authenticator
type Credentials struct {
	Username string
	Password string
	Token    string
}

// Authenticator validates ecosystem-specific credentials
type Authenticator interface {
	Authenticate(ctx context.Context, repo *types.Repository, creds Credentials) (bool, error)
}

// PackageLister enumerates package names
type PackageLister interface {
	ListPackages(ctx context.Context, repo *types.Repository) ([]string, error)
}

// Deleter removes one package version with its stored bytes
type Deleter interface {
	DeleteVersion(ctx context.Context, repo *types.Repository, pkg, version string) error
}

// Pinger checks that a proxy repository's upstream answers
type Pinger interface {
	Ping(ctx context.Context, repo *types.Repository) error
}

// UploadSession is the state of a chunked blob upload
type UploadSession struct {
	ID         string    `json:"id"`
	Repository string    `json:"repository"`
	Image      string    `json:"image"`
	Offset     int64     `json:"offset"`
	StartedAt  time.Time `json:"startedAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// BlobUploader implements the container-registry chunked upload state machine.
// FinalizeUpload with an empty session id stores the whole blob in one step.
type BlobUploader interface {
	InitiateUpload(ctx context.Context, repo *types.Repository, image string) (*UploadSession, error)
	AppendUpload(ctx context.Context, repo *types.Repository, sessionID string, chunk io.Reader) (*UploadSession, error)
	FinalizeUpload(ctx context.Context, repo *types.Repository, image, sessionID string, expected digest.Digest, last io.Reader) (ocispec.Descriptor, error)
	CancelUpload(ctx context.Context, repo *types.Repository, sessionID string) error
	UploadStatus(ctx context.Context, repo *types.Repository, sessionID string) (*UploadSession, error)
}

// Manifest is a stored image manifest
type Manifest struct {
	Descriptor ocispec.Descriptor
	Payload    []byte
}

// ManifestStore stores manifests by tag or digest
type ManifestStore interface {
	PutManifest(ctx context.Context, repo *types.Repository, image, reference, mediaType string, payload []byte) (ocispec.Descriptor, error)
	GetManifest(ctx context.Context, repo *types.Repository, image, reference string) (*Manifest, error)
	DeleteManifest(ctx context.Context, repo *types.Repository, image, reference string) error
	ListTags(ctx context.Context, repo *types.Repository, image string) ([]string, error)
}

// BlobStore reads and removes content-addressed blobs
type BlobStore interface {
	GetBlob(ctx context.Context, repo *types.Repository, image string, dgst digest.Digest, rng *storage.ByteRange) (*Download, error)
	StatBlob(ctx context.Context, repo *types.Repository, image string, dgst digest.Digest) (ocispec.Descriptor, error)
	DeleteBlob(ctx context.Context, repo *types.Repository, image string, dgst digest.Digest) error
}

// Capabilities records which capability interfaces a plugin implements
type Capabilities struct {
	Upload       bool `json:"upload"`
	Put          bool `json:"put"`
	Download     bool `json:"download"`
	ListVersions bool `json:"listVersions"`
	ProxyFetch   bool `json:"proxyFetch"`
	Authenticate bool `json:"authenticate"`
	ListPackages bool `json:"listPackages"`
	Delete       bool `json:"delete"`
	BlobUpload   bool `json:"blobUpload"`
	Manifests    bool `json:"manifests"`
	Blobs        bool `json:"blobs"`
	Ping         bool `json:"ping"`
}

// CapabilitiesOf inspects p once
func CapabilitiesOf(p Plugin) Capabilities {
	var c Capabilities
	_, c.Upload = p.(Uploader)
	_, c.Put = p.(Putter)
	_, c.Download = p.(Downloader)
	_, c.ListVersions = p.(VersionLister)
	_, c.ProxyFetch = p.(ProxyFetcher)
	_, c.Authenticate = p.(Authenticator)
	_, c.ListPackages = p.(PackageLister)
	_, c.Delete = p.(Deleter)
	_, c.BlobUpload = p.(BlobUploader)
	_, c.Manifests = p.(ManifestStore)
	_, c.Blobs = p.(BlobStore)
	_, c.Ping = p.(Pinger)
	return c
}

// Any reports whether at least one capability is present
func (c Capabilities) Any() bool {
	return c != Capabilities{}
}
