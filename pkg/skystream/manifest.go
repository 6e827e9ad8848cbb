package skystream

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/marmos91/skystream/pkg/skynet"
)

// manifestVersion is bumped when the manifest layout changes.
const manifestVersion = 1

// BlockRecord names one uploaded block and its byte extent within the
// stream. Records are ordered and contiguous: each block starts where the
// previous one ended.
type BlockRecord struct {
	Skylink skynet.Skylink `json:"skylink"`
	Offset  uint64         `json:"offset"`
	Length  uint64         `json:"length"`
}

// End returns the exclusive end offset of the block.
func (b BlockRecord) End() uint64 { return b.Offset + b.Length }

// Manifest is the stream's identity and tip: the full ordered list of
// block records plus the highest offset durably persisted. It is the JSON
// value callers persist to resume a stream.
type Manifest struct {
	Version int           `json:"version"`
	Name    string        `json:"name,omitempty"`
	Blocks  []BlockRecord `json:"blocks"`
	Tip     uint64        `json:"tip"`
}

// NewManifest creates an empty manifest for a fresh stream.
func NewManifest(name string) Manifest {
	return Manifest{Version: manifestVersion, Name: name}
}

// ParseManifest decodes a manifest from its JSON form. An empty or null
// document yields a fresh manifest, mirroring how a missing manifest file
// starts a new stream.
func ParseManifest(raw json.RawMessage) (Manifest, error) {
	if len(raw) == 0 {
		return NewManifest(""), nil
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return Manifest{}, fmt.Errorf("parse manifest: %w", err)
	}
	if m.Version == 0 && len(m.Blocks) == 0 {
		return NewManifest(m.Name), nil
	}
	if m.Version != manifestVersion {
		return Manifest{}, fmt.Errorf("unsupported manifest version %d", m.Version)
	}
	if err := m.validate(); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

// validate checks block contiguity and tip consistency.
func (m Manifest) validate() error {
	var offset uint64
	for i, b := range m.Blocks {
		if b.Offset != offset {
			return fmt.Errorf("manifest block %d starts at %d, expected %d", i, b.Offset, offset)
		}
		if b.Length == 0 {
			return fmt.Errorf("manifest block %d has zero length", i)
		}
		offset = b.End()
	}
	if m.Tip != offset {
		return fmt.Errorf("manifest tip %d does not match block extent %d", m.Tip, offset)
	}
	return nil
}

// Encode returns the manifest's canonical JSON form.
func (m Manifest) Encode() json.RawMessage {
	raw, err := json.Marshal(m)
	if err != nil {
		// Manifest contains only marshallable fields.
		panic(fmt.Sprintf("encode manifest: %v", err))
	}
	return raw
}

// LoadManifestFile reads a manifest from disk. A missing or empty file
// yields a fresh manifest so new streams need no setup step.
func LoadManifestFile(path string) (Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewManifest(""), nil
		}
		return Manifest{}, fmt.Errorf("read manifest %s: %w", path, err)
	}
	return ParseManifest(raw)
}

// SaveManifestFile atomically replaces the manifest file: the JSON is
// written to a temp file in the same directory and renamed over path.
func SaveManifestFile(m Manifest, path string) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("create temp manifest: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(m.Encode()); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp manifest: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace manifest %s: %w", path, err)
	}
	return nil
}
