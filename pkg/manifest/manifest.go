package manifest

import (
	"encoding/json"
	"io"
	"strings"

	"permagate/pkg/types"
)

const (
	manifestName = "arweave/paths"

	// MaxSize bounds how much of a body is read as a manifest.
	MaxSize = 10 * 1024 * 1024
)

// IsManifest reports whether a content type marks a path manifest.
func IsManifest(contentType string) bool {
	mediaType, _, _ := strings.Cut(contentType, ";")
	return strings.EqualFold(strings.TrimSpace(mediaType), types.ManifestContentType)
}

// Parse decodes a path manifest. Anything that is not a JSON object with a
// paths map, or that names a different manifest kind, is a validation error.
func Parse(r io.Reader) (*types.PathManifest, error) {
	var m types.PathManifest
	dec := json.NewDecoder(io.LimitReader(r, MaxSize))
	if err := dec.Decode(&m); err != nil {
		return nil, types.Validationf("malformed manifest: %v", err)
	}
	if m.Manifest != "" && m.Manifest != manifestName {
		return nil, types.Validationf("unsupported manifest kind %q", m.Manifest)
	}
	if m.Paths == nil {
		return nil, types.Validationf("manifest has no paths")
	}
	for path, entry := range m.Paths {
		if entry.ID == "" {
			return nil, types.Validationf("manifest path %q has no id", path)
		}
	}
	return &m, nil
}

// ResolvePath maps subpath to a content id. An empty subpath falls back to
// the index path. Matching is exact after trimming surrounding slashes.
func ResolvePath(m *types.PathManifest, subpath string) (string, error) {
	subpath = strings.Trim(subpath, "/")

	if subpath == "" {
		if m.Index == nil || m.Index.Path == "" {
			return "", types.NotFoundf("manifest has no index")
		}
		subpath = strings.Trim(m.Index.Path, "/")
	}

	entry, ok := m.Paths[subpath]
	if !ok {
		return "", types.NotFoundf("path %q not in manifest", subpath)
	}
	return entry.ID, nil
}
