package cache

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/opencontainers/go-digest"
)

const (
	manifestName = "entry.json"
	blobsDir     = "blobs"
)

// manifest 是条目目录下 entry.json 的内容，最后写入，作为条目完整的标志。
// entry.json 的 ModTime 即条目的 LastAccessTime。
type manifest struct {
	Handle  string         `json:"handle"`
	Created time.Time      `json:"created"`
	Files   []manifestFile `json:"files"`
}

type manifestFile struct {
	Name   string        `json:"name"`
	Blob   string        `json:"blob"`
	Size   int64         `json:"size"`
	Mode   fs.FileMode   `json:"mode"`
	Digest digest.Digest `json:"digest"`
}

func (m *manifest) totalSize() int64 {
	var total int64
	for _, f := range m.Files {
		total += f.Size
	}
	return total
}

func manifestPath(entryDir string) string {
	return filepath.Join(entryDir, manifestName)
}

func readManifest(entryDir string) (*manifest, error) {
	raw, err := os.ReadFile(manifestPath(entryDir))
	if err != nil {
		return nil, err
	}
	var m manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrCorrupt, manifestName, err)
	}
	if m.Handle == "" || len(m.Files) == 0 {
		return nil, fmt.Errorf("%w: incomplete %s", ErrCorrupt, manifestName)
	}
	return &m, nil
}

func writeManifest(entryDir string, m *manifest, accessed time.Time) error {
	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	p := manifestPath(entryDir)
	if err := os.WriteFile(p, raw, 0o644); err != nil {
		return err
	}
	return os.Chtimes(p, accessed, accessed)
}
