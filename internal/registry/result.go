package registry

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/lgulliver/cairn/pkg/types"
)

// Result is the outcome of a dispatch operation. Expected failures such as a
// missing capability or a wrong repository type come back as OK false with a
// Reason instead of an error.
type Result struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
	// Reason is one of the package sentinel errors for failed results
	Reason error `json:"-"`
}

func succeeded() Result { return Result{OK: true} }

func failed(reason error, format string, args ...interface{}) Result {
	return Result{Message: fmt.Sprintf(format, args...), Reason: reason}
}

// UploadResult reports a write
type UploadResult struct {
	Result
	Repository string        `json:"repository,omitempty"`
	Artifact   *ArtifactInfo `json:"artifact,omitempty"`
}

// DownloadResult carries a readable artifact. The caller closes Download.Body.
type DownloadResult struct {
	Result
	Repository string    `json:"repository,omitempty"`
	Download   *Download `json:"-"`
}

// VersionsResult lists package versions in ascending order
type VersionsResult struct {
	Result
	Versions []string `json:"versions"`
}

// ProxyResult is a proxied upstream response. Exactly one of Payload and
// Stream is set on success.
type ProxyResult struct {
	Result
	Payload     []byte        `json:"-"`
	Stream      io.ReadCloser `json:"-"`
	ContentType string        `json:"contentType,omitempty"`
	Cached      bool          `json:"cached"`
	Artifact    *ArtifactInfo `json:"artifact,omitempty"`
}

// AuthResult reports whether credentials were accepted and by which repository
type AuthResult struct {
	Result
	Repository string `json:"repository,omitempty"`
}

// PackagesResult lists package names
type PackagesResult struct {
	Result
	Packages []string `json:"packages"`
}

// VersionDetail is one indexed version of a package
type VersionDetail struct {
	Version        string        `json:"version"`
	Size           int64         `json:"size"`
	SHA256         string        `json:"sha256,omitempty"`
	Downloads      int64         `json:"downloads"`
	Metadata       types.JSONMap `json:"metadata,omitempty"`
	CreatedAt      string        `json:"createdAt"`
	LastAccessedAt string        `json:"lastAccessedAt,omitempty"`
}

// DetailsResult describes a package and its indexed versions
type DetailsResult struct {
	Result
	Package   string          `json:"package"`
	Latest    string          `json:"latest,omitempty"`
	Downloads int64           `json:"downloads"`
	Versions  []VersionDetail `json:"versions"`
}

// ArtifactInfo is the normalized description of a stored artifact
type ArtifactInfo struct {
	PackageName string        `json:"packageName"`
	Version     string        `json:"version"`
	Size        int64         `json:"size"`
	Hash        string        `json:"hash,omitempty"`
	StorageKey  string        `json:"storageKey,omitempty"`
	Path        string        `json:"path,omitempty"`
	Metadata    types.JSONMap `json:"metadata,omitempty"`
}

// Indexable reports whether the info names a package version
func (a ArtifactInfo) Indexable() bool {
	return a.PackageName != "" && a.Version != ""
}

// WithDefaults fills empty identity fields from the request that produced a result
func (a ArtifactInfo) WithDefaults(pkg, version string) ArtifactInfo {
	if a.PackageName == "" {
		a.PackageName = pkg
	}
	if a.Version == "" {
		a.Version = version
	}
	return a
}

var (
	nameFields    = []string{"packageName", "package", "name", "id"}
	versionFields = []string{"version", "tag"}
	sizeFields    = []string{"size", "length"}
	hashFields    = []string{"hash", "sha256", "digest", "checksum"}
	keyFields     = []string{"storageKey", "key"}
	pathFields    = []string{"path", "filename"}

	knownFields = func() map[string]bool {
		known := make(map[string]bool)
		for _, names := range [][]string{nameFields, versionFields, sizeFields, hashFields, keyFields, pathFields} {
			for _, name := range names {
				known[name] = true
			}
		}
		return known
	}()
)

// NormalizeResult reduces the shapes plugins return to an ArtifactInfo. It
// accepts ArtifactInfo values, maps (optionally nesting the interesting fields
// under "metadata"; unrecognised keys land in Metadata), JSON-encoded strings of those maps, and bare identifiers
// such as "name@1.0.0", "@scope/name@1.0.0" or "name:1.0.0". Fields that cannot
// be found are left empty.
func NormalizeResult(raw interface{}) ArtifactInfo {
	switch v := raw.(type) {
	case nil:
		return ArtifactInfo{}
	case ArtifactInfo:
		return v
	case *ArtifactInfo:
		if v == nil {
			return ArtifactInfo{}
		}
		return *v
	case types.JSONMap:
		return fromMap(v)
	case map[string]interface{}:
		return fromMap(v)
	case []byte:
		return NormalizeResult(string(v))
	case string:
		return fromString(v)
	case fmt.Stringer:
		return fromString(v.String())
	default:
		return ArtifactInfo{}
	}
}

func fromString(s string) ArtifactInfo {
	s = strings.TrimSpace(s)
	if s == "" {
		return ArtifactInfo{}
	}

	if strings.HasPrefix(s, "{") {
		var m map[string]interface{}
		if err := json.Unmarshal([]byte(s), &m); err == nil {
			return fromMap(m)
		}
		return ArtifactInfo{}
	}
	if strings.HasPrefix(s, `"`) {
		var inner string
		if err := json.Unmarshal([]byte(s), &inner); err == nil {
			return fromString(inner)
		}
	}

	// the first character may be the "@" of a scoped name
	if i := strings.LastIndex(s, "@"); i > 0 {
		return ArtifactInfo{PackageName: s[:i], Version: s[i+1:]}
	}
	if i := strings.LastIndex(s, ":"); i > 0 {
		return ArtifactInfo{PackageName: s[:i], Version: s[i+1:]}
	}
	return ArtifactInfo{PackageName: s}
}

func fromMap(m map[string]interface{}) ArtifactInfo {
	info := ArtifactInfo{
		PackageName: stringField(m, nameFields),
		Version:     stringField(m, versionFields),
		Size:        intField(m, sizeFields),
		Hash:        stringField(m, hashFields),
		StorageKey:  stringField(m, keyFields),
		Path:        stringField(m, pathFields),
	}

	var nested map[string]interface{}
	switch md := m["metadata"].(type) {
	case map[string]interface{}:
		nested = md
	case types.JSONMap:
		nested = md
	case string:
		_ = json.Unmarshal([]byte(md), &nested)
	}
	if nested != nil {
		inner := fromMap(nested)
		if info.PackageName == "" {
			info.PackageName = inner.PackageName
		}
		if info.Version == "" {
			info.Version = inner.Version
		}
		if info.Size == 0 {
			info.Size = inner.Size
		}
		if info.Hash == "" {
			info.Hash = inner.Hash
		}
		if info.StorageKey == "" {
			info.StorageKey = inner.StorageKey
		}
		if info.Path == "" {
			info.Path = inner.Path
		}
	}
	info.Metadata = extraFields(m, nested)
	return info
}

// extraFields merges nested with the keys of m that are no known field.
// Top-level keys win. Returns nil when nothing is left.
func extraFields(m, nested map[string]interface{}) types.JSONMap {
	out := make(types.JSONMap, len(nested))
	for k, v := range nested {
		out[k] = v
	}
	for k, v := range m {
		if k == "metadata" || knownFields[k] {
			continue
		}
		out[k] = v
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func stringField(m map[string]interface{}, names []string) string {
	for _, name := range names {
		if s, ok := m[name].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func intField(m map[string]interface{}, names []string) int64 {
	for _, name := range names {
		switch v := m[name].(type) {
		case int:
			return int64(v)
		case int64:
			return v
		case float64:
			return int64(v)
		case json.Number:
			if n, err := v.Int64(); err == nil {
				return n
			}
		case string:
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				return n
			}
		}
	}
	return 0
}
