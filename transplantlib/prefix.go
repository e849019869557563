package transplantlib

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/opencontainers/go-digest"
)

// InstallationPrefix is the builder stage's only output: a host directory
// holding the installed tree, sealed with a digest when it was copied out of
// the builder. It's never modified afterwards; Verify catches anyone who tries.
type InstallationPrefix struct {
	Dir AbsPath `json:"dir"`
	// Where the tree lived inside the builder
	ContainerPath string        `json:"container_path"`
	Digest        digest.Digest `json:"digest"`
	Entries       int           `json:"entries"`
	Size          int64         `json:"size"`
}

type treeEntry struct {
	// d, f or l
	kind    byte
	name    string
	mode    int64
	size    int64
	content string
	link    string
}

// treeHasher produces the same digest for a directory on disk and for the
// same tree read back out of a tar layer.
type treeHasher struct {
	entries []treeEntry
}

func (h *treeHasher) add(e treeEntry) {
	h.entries = append(h.entries, e)
}

func (h *treeHasher) size() int64 {
	var total int64
	for _, e := range h.entries {
		total += e.size
	}
	return total
}

func (h *treeHasher) digest() digest.Digest {
	sort.Slice(h.entries, func(i, j int) bool {
		return h.entries[i].name < h.entries[j].name
	})
	d := sha256.New()
	for _, e := range h.entries {
		switch e.kind {
		case 'f':
			fmt.Fprintf(d, "f %q %04o %d %s\n", e.name, e.mode, e.size, e.content)
		case 'l':
			fmt.Fprintf(d, "l %q %q\n", e.name, e.link)
		default:
			fmt.Fprintf(d, "d %q %04o\n", e.name, e.mode)
		}
	}
	return digest.NewDigest(digest.SHA256, d)
}

func hashReader(r io.Reader) (string, int64, error) {
	d := sha256.New()
	n, err := io.Copy(d, r)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(d.Sum(nil)), n, nil
}

func hashTree(root AbsPath) (*treeHasher, error) {
	h := &treeHasher{}
	err := filepath.WalkDir(root.Raw(), func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root.Raw(), p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)
		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("error looking up metadata for %s: %w", p, err)
		}
		mode := modeBits(info.Mode())
		switch {
		case info.Mode()&fs.ModeSymlink != 0:
			target, err := os.Readlink(p)
			if err != nil {
				return fmt.Errorf("error reading link %s: %w", p, err)
			}
			h.add(treeEntry{kind: 'l', name: rel, link: target})
		case info.IsDir():
			h.add(treeEntry{kind: 'd', name: rel, mode: mode})
		case info.Mode().IsRegular():
			f, err := os.Open(p)
			if err != nil {
				return fmt.Errorf("error opening %s for hashing: %w", p, err)
			}
			defer f.Close()
			content, size, err := hashReader(f)
			if err != nil {
				return fmt.Errorf("error hashing %s: %w", p, err)
			}
			h.add(treeEntry{kind: 'f', name: rel, mode: mode, size: size, content: content})
		default:
			return fmt.Errorf("unsupported file type %s at %s", info.Mode().Type(), p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return h, nil
}

// SealPrefix records the digest of a freshly copied prefix. A missing or
// empty directory means the builder never produced anything.
func SealPrefix(dir AbsPath, containerPath string) (*InstallationPrefix, error) {
	if err := checkPrefixDir(dir); err != nil {
		return nil, err
	}
	h, err := hashTree(dir)
	if err != nil {
		return nil, fmt.Errorf("error hashing installation prefix %s: %w", dir, err)
	}
	return &InstallationPrefix{
		Dir:           dir,
		ContainerPath: containerPath,
		Digest:        h.digest(),
		Entries:       len(h.entries),
		Size:          h.size(),
	}, nil
}

func checkPrefixDir(dir AbsPath) error {
	stat, err := os.Stat(dir.Raw())
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s does not exist", ErrPrefixMissing, dir)
		}
		return fmt.Errorf("error looking up installation prefix %s: %w", dir, err)
	}
	if !stat.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrPrefixMissing, dir)
	}
	entries, err := os.ReadDir(dir.Raw())
	if err != nil {
		return fmt.Errorf("error listing installation prefix %s: %w", dir, err)
	}
	if len(entries) == 0 {
		return fmt.Errorf("%w: %s is empty", ErrPrefixMissing, dir)
	}
	return nil
}

// Verify checks the prefix still matches the digest taken when it was sealed.
func (p *InstallationPrefix) Verify() error {
	if p == nil || p.Dir == "" {
		return fmt.Errorf("%w: no prefix provided", ErrPrefixMissing)
	}
	if err := checkPrefixDir(p.Dir); err != nil {
		return err
	}
	h, err := hashTree(p.Dir)
	if err != nil {
		return fmt.Errorf("error hashing installation prefix %s: %w", p.Dir, err)
	}
	if got := h.digest(); got != p.Digest {
		return fmt.Errorf("%w: %s digest is %s, sealed as %s", ErrPrefixModified, p.Dir, got, p.Digest)
	}
	return nil
}

func (p *InstallationPrefix) Save(recordPath AbsPath) error {
	if err := os.WriteFile(recordPath.Raw(), canonicalJsonMarshal(p), 0o644); err != nil {
		return fmt.Errorf("error writing prefix record %s: %w", recordPath, err)
	}
	return nil
}

func LoadPrefixRecord(recordPath AbsPath) (*InstallationPrefix, error) {
	contents, err := os.ReadFile(recordPath.Raw())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: no prefix record at %s", ErrPrefixMissing, recordPath)
		}
		return nil, fmt.Errorf("error reading prefix record %s: %w", recordPath, err)
	}
	var out InstallationPrefix
	if err := json.Unmarshal(contents, &out); err != nil {
		return nil, fmt.Errorf("error unmarshaling prefix record %s as json: %w", recordPath, err)
	}
	return &out, nil
}
