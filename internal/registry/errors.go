package registry

import "errors"

var (
	// ErrNotFound is returned when a repository, package or version does not exist
	ErrNotFound = errors.New("not found")

	// ErrFeatureNotEnabled means the license does not entitle the repository's ecosystem
	ErrFeatureNotEnabled = errors.New("feature not enabled: upgrade required")

	// ErrUnauthorized means no usable credentials were presented
	ErrUnauthorized = errors.New("authentication required")

	// ErrForbidden means the credentials do not grant the requested access
	ErrForbidden = errors.New("access denied")

	// ErrUnsupported means the plugin lacks the capability for an operation
	ErrUnsupported = errors.New("operation not supported")

	// ErrWrongRepositoryType means the repository type does not allow the operation
	ErrWrongRepositoryType = errors.New("operation not allowed for repository type")

	// ErrStoreNotReady is returned while the relational store is unavailable
	ErrStoreNotReady = errors.New("store not ready")

	// ErrNotConformant rejects a plugin that implements no capability
	ErrNotConformant = errors.New("plugin implements no capability")

	// ErrInvalidDigest is returned when uploaded content does not match its digest
	ErrInvalidDigest = errors.New("digest invalid")

	// ErrUploadUnknown is returned for unknown or expired upload sessions
	ErrUploadUnknown = errors.New("upload session unknown")
)

// ErrManifestInvalid rejects a manifest that does not parse as its media type
var ErrManifestInvalid = errors.New("manifest invalid")

// ErrInvalidRequest rejects malformed package coordinates or paths
var ErrInvalidRequest = errors.New("invalid request")
