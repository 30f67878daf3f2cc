package registry

import (
	"testing"

	"github.com/lgulliver/cairn/pkg/types"
	"github.com/stretchr/testify/assert"
)

type stringer string

func (s stringer) String() string { return string(s) }

func TestNormalizeResult(t *testing.T) {
	tests := []struct {
		name string
		raw  interface{}
		want ArtifactInfo
	}{
		{"nil", nil, ArtifactInfo{}},
		{"name at version", "lodash@4.17.21", ArtifactInfo{PackageName: "lodash", Version: "4.17.21"}},
		{"scoped name", "@types/node@20.1.0", ArtifactInfo{PackageName: "@types/node", Version: "20.1.0"}},
		{"scoped name without version", "@types/node", ArtifactInfo{PackageName: "@types/node"}},
		{"colon separated", "alpine:3.19", ArtifactInfo{PackageName: "alpine", Version: "3.19"}},
		{"bare name", "tool", ArtifactInfo{PackageName: "tool"}},
		{"quoted json string", `"left-pad@1.3.0"`, ArtifactInfo{PackageName: "left-pad", Version: "1.3.0"}},
		{"bytes", []byte("pkg@1.0.0"), ArtifactInfo{PackageName: "pkg", Version: "1.0.0"}},
		{"stringer", stringer("pkg@2.0.0"), ArtifactInfo{PackageName: "pkg", Version: "2.0.0"}},
		{
			"flat map with aliases",
			map[string]interface{}{"id": "Newtonsoft.Json", "version": "13.0.3", "length": float64(512), "checksum": "abc", "key": "nuget/x"},
			ArtifactInfo{PackageName: "Newtonsoft.Json", Version: "13.0.3", Size: 512, Hash: "abc", StorageKey: "nuget/x"},
		},
		{
			"json map",
			types.JSONMap{"name": "pkg", "tag": "latest", "size": "77", "filename": "pkg.tgz"},
			ArtifactInfo{PackageName: "pkg", Version: "latest", Size: 77, Path: "pkg.tgz"},
		},
		{
			"nested metadata fills gaps",
			map[string]interface{}{"name": "outer", "metadata": map[string]interface{}{"name": "inner", "version": "1.0.0", "sha256": "ff"}},
			ArtifactInfo{
				PackageName: "outer",
				Version:     "1.0.0",
				Hash:        "ff",
				Metadata:    types.JSONMap{"name": "inner", "version": "1.0.0", "sha256": "ff"},
			},
		},
		{
			"nested metadata as json text",
			`{"metadata":"{\"packageName\":\"pkg\",\"version\":\"0.1.0\",\"size\":9}"}`,
			ArtifactInfo{
				PackageName: "pkg",
				Version:     "0.1.0",
				Size:        9,
				Metadata:    types.JSONMap{"packageName": "pkg", "version": "0.1.0", "size": float64(9)},
			},
		},
		{
			"flat map keeps extra fields",
			map[string]interface{}{"name": "cli", "version": "1.0.0", "hash": "aa", "license": "MIT", "downloads": float64(3)},
			ArtifactInfo{
				PackageName: "cli",
				Version:     "1.0.0",
				Hash:        "aa",
				Metadata:    types.JSONMap{"license": "MIT", "downloads": float64(3)},
			},
		},
		{
			"extra fields merged over nested metadata",
			map[string]interface{}{"name": "cli", "license": "MIT", "metadata": map[string]interface{}{"license": "BSD", "arch": "amd64"}},
			ArtifactInfo{
				PackageName: "cli",
				Metadata:    types.JSONMap{"license": "MIT", "arch": "amd64"},
			},
		},
		{"malformed json", `{"name":`, ArtifactInfo{}},
		{"unsupported type", 42, ArtifactInfo{}},
		{"artifact info pointer", &ArtifactInfo{PackageName: "p", Version: "v"}, ArtifactInfo{PackageName: "p", Version: "v"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeResult(tt.raw))
		})
	}
}

func TestArtifactInfo_WithDefaults(t *testing.T) {
	info := ArtifactInfo{Size: 10}.WithDefaults("pkg", "1.0.0")
	assert.True(t, info.Indexable())
	assert.Equal(t, "pkg", info.PackageName)

	kept := ArtifactInfo{PackageName: "real", Version: "2.0.0"}.WithDefaults("pkg", "1.0.0")
	assert.Equal(t, "real", kept.PackageName)
	assert.Equal(t, "2.0.0", kept.Version)
}

func TestCapabilitiesOf(t *testing.T) {
	caps := CapabilitiesOf(&mockBlobPlugin{mockPlugin{key: "docker"}})
	assert.True(t, caps.Blobs)
	assert.True(t, caps.Download)
	assert.False(t, caps.Manifests)
	assert.False(t, CapabilitiesOf(metadataOnly{}).Any())
}
