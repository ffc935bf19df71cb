package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// IDLength is the length of a base64url encoded 32-byte content address.
const IDLength = 43

const (
	DefaultContentType  = "application/octet-stream"
	ManifestContentType = "application/x.arweave-manifest+json"
)

// OriginNode is one entry of the origin registry's ranked list.
type OriginNode struct {
	Host         string        `json:"host"`
	Online       bool          `json:"online"`
	ResponseTime time.Duration `json:"response_time"`
	Height       int64         `json:"height"`
	LastInfo     *NodeInfo     `json:"last_info,omitempty"`
	LastChecked  time.Time     `json:"last_checked"`
}

// NodeInfo is the subset of an origin's /info document the registry ranks on.
type NodeInfo struct {
	Network string `json:"network"`
	Version int64  `json:"version"`
	Height  int64  `json:"height"`
	Blocks  int64  `json:"blocks"`
	Peers   int64  `json:"peers"`
}

// ChunkLocation describes one physical piece of a larger logical object.
type ChunkLocation struct {
	DataRoot  string `json:"data_root"`
	DataSize  int64  `json:"data_size"`
	Offset    int64  `json:"offset"`
	ChunkSize int64  `json:"chunk_size"`
}

// Key returns the cache key the piece is stored under.
func (c ChunkLocation) Key() string {
	return ChunkKey(c.DataRoot, c.Offset)
}

// ChunkKey builds the cache key for the piece of root starting at offset.
func ChunkKey(root string, offset int64) string {
	return fmt.Sprintf("%s/%d", root, offset)
}

// ContentHeader is the metadata needed to pick a retrieval path for an id.
type ContentHeader struct {
	ID          string `json:"id"`
	DataRoot    string `json:"data_root,omitempty"`
	DataSize    int64  `json:"data_size"`
	ContentType string `json:"content_type,omitempty"`
	Parent      string `json:"parent,omitempty"`
	Tags        Tags   `json:"tags,omitempty"`
}

// Chunked reports whether the content is stored as merkle-rooted chunks.
func (h *ContentHeader) Chunked() bool {
	return h != nil && h.DataRoot != "" && h.DataSize > 0
}

// Tag is a decoded name/value pair attached to a transaction or bundle item.
type Tag struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Tags is an ordered tag list; names compare case-insensitively.
type Tags []Tag

// Get returns the first value for name, case-insensitively.
func (t Tags) Get(name string) (string, bool) {
	for _, tag := range t {
		if strings.EqualFold(tag.Name, name) {
			return tag.Value, true
		}
	}
	return "", false
}

// ContentType returns the Content-Type tag or the default binary type.
func (t Tags) ContentType() string {
	if v, ok := t.Get("Content-Type"); ok && v != "" {
		return v
	}
	return DefaultContentType
}

// CacheMeta is stored alongside every cached object.
type CacheMeta struct {
	ContentType   string `json:"content_type" cbor:"1,keyasint"`
	ContentLength int64  `json:"content_length" cbor:"2,keyasint"`
}

// PathManifest maps sub-paths to other content ids.
type PathManifest struct {
	Manifest string                  `json:"manifest"`
	Version  string                  `json:"version"`
	Index    *ManifestIndex          `json:"index,omitempty"`
	Paths    map[string]ManifestPath `json:"paths"`
}

type ManifestIndex struct {
	Path string `json:"path"`
}

type ManifestPath struct {
	ID string `json:"id"`
}

// BundleItem is one logical entry inside a bundle container. Tags and Data
// are kept in their encoded form until the item is resolved.
type BundleItem struct {
	ID        string       `json:"id"`
	Owner     string       `json:"owner"`
	Target    string       `json:"target"`
	Nonce     string       `json:"nonce"`
	Tags      []EncodedTag `json:"tags"`
	Data      string       `json:"data"`
	Signature string       `json:"signature"`
}

// EncodedTag is a tag with base64url encoded name and value.
type EncodedTag struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Job types carried by queue envelopes.
const (
	JobDispatch     = "dispatch"
	JobImport       = "import"
	JobExportChunk  = "export-chunk"
	JobImportBundle = "import-bundle"
)

// Bundle import statuses recorded in the index.
const (
	BundleStatusPending  = "pending"
	BundleStatusComplete = "complete"
	BundleStatusFailed   = "failed"
)

// ChunkExport is the payload of an export-chunk job: enough to re-post an
// accepted piece to origins once its bytes are read back from the cache.
type ChunkExport struct {
	DataRoot  string `json:"data_root"`
	DataSize  int64  `json:"data_size"`
	DataPath  string `json:"data_path"`
	Offset    int64  `json:"offset"`
	ChunkSize int64  `json:"chunk_size"`
}

// ImportJob is the payload of import and import-bundle jobs.
type ImportJob struct {
	ID string `json:"id"`
}

// SubmittedTx is the subset of a client-submitted transaction the gateway
// inspects before relaying the raw document to origins.
type SubmittedTx struct {
	ID       string       `json:"id"`
	DataRoot string       `json:"data_root"`
	DataSize string       `json:"data_size"`
	Tags     []EncodedTag `json:"tags"`
}

// DispatchJob is the payload of a dispatch job: the raw transaction
// document to relay.
type DispatchJob struct {
	ID  string          `json:"id"`
	Raw json.RawMessage `json:"raw"`
}
