package core

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// ManifestFile describes one published file.
type ManifestFile struct {
	Prefix string `json:"prefix"`
	Name   string `json:"name,omitempty"`
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size"`
}

// Manifest carries the expected digests from the publishing side to the
// reconstructing side.
type Manifest struct {
	GeneratedAt time.Time      `json:"generatedAt"`
	ChunkCount  int            `json:"chunkCount"`
	Files       []ManifestFile `json:"files"`
}

// NewManifest builds a manifest from successful split reports.
func NewManifest(chunkCount int, reports []*Report) *Manifest {
	m := &Manifest{
		GeneratedAt: time.Now().UTC(),
		ChunkCount:  chunkCount,
	}
	for _, rep := range reports {
		if rep == nil || !rep.Success {
			continue
		}
		m.Files = append(m.Files, ManifestFile{
			Prefix: rep.Prefix,
			Name:   rep.Name,
			SHA256: rep.OriginalHash,
			Size:   rep.OriginalSize,
		})
	}
	return m
}

// Expected returns the expectation recorded for prefix.
func (m *Manifest) Expected(prefix string) (Expected, bool) {
	if m == nil {
		return Expected{}, false
	}
	for _, f := range m.Files {
		if f.Prefix == prefix {
			return Expected{Hash: f.SHA256, Size: f.Size}, true
		}
	}
	return Expected{}, false
}

// Marshal encodes the manifest as compact JSON.
func (m *Manifest) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// ParseManifest decodes a manifest and checks its chunk count.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if m.ChunkCount < 0 {
		return nil, fmt.Errorf("parse manifest: negative chunk count %d", m.ChunkCount)
	}
	return &m, nil
}

// ReadManifest loads a manifest from a file.
func ReadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return ParseManifest(data)
}
