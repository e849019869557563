package transplantlib

import (
	"archive/tar"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

var layerEpoch = time.Unix(0, 0).UTC()

// modeBits is m as unix mode bits, special bits included.
func modeBits(m fs.FileMode) int64 {
	out := int64(m.Perm())
	if m&fs.ModeSetuid != 0 {
		out |= 0o4000
	}
	if m&fs.ModeSetgid != 0 {
		out |= 0o2000
	}
	if m&fs.ModeSticky != 0 {
		out |= 0o1000
	}
	return out
}

func writeLayerDir(destTar *tar.Writer, name string, mode int64) error {
	if err := destTar.WriteHeader(&tar.Header{
		Typeflag: tar.TypeDir,
		Name:     name + "/",
		Mode:     mode,
		ModTime:  layerEpoch,
		Format:   tar.FormatPAX,
	}); err != nil {
		return fmt.Errorf("error writing tar header for %s: %w", name, err)
	}
	return nil
}

// writeTransplantLayer writes the prefix tree into destTar re-rooted at
// installPath. Contents, modes and link targets are copied as-is; ownership
// and timestamps are normalized so the same prefix always makes the same layer.
// Every entry below installPath is also fed to hasher.
func writeTransplantLayer(destTar *tar.Writer, prefixDir AbsPath, installPath string, hasher *treeHasher) error {
	root := tarName(installPath)
	if root == "" {
		return fmt.Errorf("install path %q is the image root", installPath)
	}

	// Parents of the install location
	parts := strings.Split(root, "/")
	for i := range parts {
		if err := writeLayerDir(destTar, strings.Join(parts[:i+1], "/"), 0o755); err != nil {
			return err
		}
	}

	return filepath.WalkDir(prefixDir.Raw(), func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(prefixDir.Raw(), p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)
		destPath := path.Join(root, rel)
		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("error looking up metadata for layer file %s: %w", p, err)
		}
		mode := modeBits(info.Mode())

		switch {
		case info.Mode()&fs.ModeSymlink != 0:
			target, err := os.Readlink(p)
			if err != nil {
				return fmt.Errorf("error reading link %s: %w", p, err)
			}
			if err := destTar.WriteHeader(&tar.Header{
				Typeflag: tar.TypeSymlink,
				Name:     destPath,
				Linkname: target,
				Mode:     0o777,
				ModTime:  layerEpoch,
				Format:   tar.FormatPAX,
			}); err != nil {
				return fmt.Errorf("error writing tar header for %s: %w", p, err)
			}
			hasher.add(treeEntry{kind: 'l', name: rel, link: target})
		case info.IsDir():
			if err := writeLayerDir(destTar, destPath, mode); err != nil {
				return err
			}
			hasher.add(treeEntry{kind: 'd', name: rel, mode: mode})
		case info.Mode().IsRegular():
			if err := destTar.WriteHeader(&tar.Header{
				Typeflag: tar.TypeReg,
				Name:     destPath,
				Mode:     mode,
				Size:     info.Size(),
				ModTime:  layerEpoch,
				Format:   tar.FormatPAX,
			}); err != nil {
				return fmt.Errorf("error writing tar header for %s: %w", p, err)
			}
			fSource, err := os.Open(p)
			if err != nil {
				return fmt.Errorf("error opening source file %s for adding to layer: %w", p, err)
			}
			defer fSource.Close()
			content, size, err := hashReader(io.TeeReader(fSource, destTar))
			if err != nil {
				return fmt.Errorf("error copying data from %s: %w", p, err)
			}
			if size != info.Size() {
				return fmt.Errorf("%s changed size while being copied", p)
			}
			hasher.add(treeEntry{kind: 'f', name: rel, mode: mode, size: size, content: content})
		default:
			return fmt.Errorf("unsupported file type %s at %s", info.Mode().Type(), p)
		}
		return nil
	})
}

// hashLayerTree recomputes the prefix digest from an uncompressed layer
// stream, considering only entries below installPath.
func hashLayerTree(r io.Reader, installPath string) (*treeHasher, error) {
	root := tarName(installPath) + "/"
	h := &treeHasher{}
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error reading layer tar: %w", err)
		}
		name := strings.TrimSuffix(strings.TrimPrefix(hdr.Name, "./"), "/")
		if !strings.HasPrefix(name, root) {
			continue
		}
		rel := strings.TrimPrefix(name, root)
		switch hdr.Typeflag {
		case tar.TypeDir:
			h.add(treeEntry{kind: 'd', name: rel, mode: hdr.Mode & 0o7777})
		case tar.TypeSymlink:
			h.add(treeEntry{kind: 'l', name: rel, link: hdr.Linkname})
		case tar.TypeReg:
			content, size, err := hashReader(tr)
			if err != nil {
				return nil, fmt.Errorf("error reading %s from layer: %w", hdr.Name, err)
			}
			h.add(treeEntry{kind: 'f', name: rel, mode: hdr.Mode & 0o7777, size: size, content: content})
		default:
			return nil, fmt.Errorf("unexpected entry type %c for %s in transplant layer", hdr.Typeflag, hdr.Name)
		}
	}
	return h, nil
}
