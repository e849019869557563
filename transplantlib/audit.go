package transplantlib

import (
	"archive/tar"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/containerd/platforms"
	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/opencontainers/go-digest"
	imagespec "github.com/opencontainers/image-spec/specs-go/v1"
)

const (
	whiteoutPrefix = ".wh."
	whiteoutOpaque = ".wh..wh..opq"
)

// LayoutImage is an image read back out of an OCI layout directory.
type LayoutImage struct {
	Dir            AbsPath
	fsys           fs.FS
	ManifestDigest digest.Digest
	Manifest       imagespec.Manifest
	Config         imagespec.Image
}

func OpenLayout(dir AbsPath) (*LayoutImage, error) {
	fsys := os.DirFS(dir.Raw())
	index, err := readTarFsJson[imagespec.Index](fsys, "index.json")
	if err != nil {
		return nil, fmt.Errorf("error reading image layout %s: %w", dir, err)
	}
	for _, m := range index.Manifests {
		if m.MediaType != imagespec.MediaTypeImageManifest {
			continue
		}
		manifest, err := readTarFsJson[imagespec.Manifest](fsys, blobPath(m.Digest))
		if err != nil {
			return nil, fmt.Errorf("unable to find manifest %s referenced in layout index: %w", m.Digest, err)
		}
		config, err := readTarFsJson[imagespec.Image](fsys, blobPath(manifest.Config.Digest))
		if err != nil {
			return nil, fmt.Errorf("unable to find config %s referenced in image manifest: %w", manifest.Config.Digest, err)
		}
		return &LayoutImage{
			Dir:            dir,
			fsys:           fsys,
			ManifestDigest: m.Digest,
			Manifest:       manifest,
			Config:         config,
		}, nil
	}
	return nil, fmt.Errorf("no image manifest in layout %s", dir)
}

// openLayer returns the uncompressed tar stream of a layer.
func (img *LayoutImage) openLayer(layer imagespec.Descriptor) (io.ReadCloser, error) {
	f, err := img.fsys.Open(blobPath(layer.Digest))
	if err != nil {
		return nil, fmt.Errorf("error opening layer %s: %w", layer.Digest, err)
	}
	switch {
	case strings.HasSuffix(layer.MediaType, "gzip"):
		gz, err := pgzip.NewReader(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("error opening layer %s as gzip: %w", layer.Digest, err)
		}
		return readCloser{Reader: gz, close: func() error { gz.Close(); return f.Close() }}, nil
	case strings.HasSuffix(layer.MediaType, "zstd"):
		zr, err := zstd.NewReader(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("error opening layer %s as zstd: %w", layer.Digest, err)
		}
		return readCloser{Reader: zr, close: func() error { zr.Close(); return f.Close() }}, nil
	case strings.HasSuffix(layer.MediaType, "tar"):
		return f, nil
	default:
		f.Close()
		return nil, fmt.Errorf("unsupported layer media type %s", layer.MediaType)
	}
}

type readCloser struct {
	io.Reader
	close func() error
}

func (r readCloser) Close() error {
	return r.close()
}

// Paths returns every path in the flattened image filesystem. Whiteouts in a
// layer hide entries of the layers below it, never entries of its own layer.
func (img *LayoutImage) Paths() ([]string, error) {
	present := map[string]struct{}{}
	removeUnder := func(dir string) {
		for p := range present {
			if dir == "" || strings.HasPrefix(p, dir+"/") {
				delete(present, p)
			}
		}
	}
	for _, layer := range img.Manifest.Layers {
		added := map[string]struct{}{}
		opaque := []string{}
		removed := []string{}
		if err := func() error {
			r, err := img.openLayer(layer)
			if err != nil {
				return err
			}
			defer r.Close()
			tr := tar.NewReader(r)
			for {
				hdr, err := tr.Next()
				if err == io.EOF {
					return nil
				}
				if err != nil {
					return fmt.Errorf("error reading layer %s: %w", layer.Digest, err)
				}
				name := strings.TrimSuffix(path.Clean("/"+hdr.Name), "/")
				name = strings.TrimPrefix(name, "/")
				if name == "" {
					continue
				}
				dir, base := path.Split(name)
				dir = strings.TrimSuffix(dir, "/")
				switch {
				case base == whiteoutOpaque:
					opaque = append(opaque, dir)
				case strings.HasPrefix(base, whiteoutPrefix):
					removed = append(removed, path.Join(dir, strings.TrimPrefix(base, whiteoutPrefix)))
				default:
					added[name] = struct{}{}
				}
			}
		}(); err != nil {
			return nil, err
		}
		for _, dir := range opaque {
			removeUnder(dir)
		}
		for _, gone := range removed {
			delete(present, gone)
			removeUnder(gone)
		}
		for p := range added {
			present[p] = struct{}{}
		}
	}
	out := make([]string, 0, len(present))
	for p := range present {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

// AuditForbidden fails if any of the forbidden paths, or anything below them,
// exists in the flattened image.
func (img *LayoutImage) AuditForbidden(forbidden []string) error {
	if len(forbidden) == 0 {
		return nil
	}
	paths, err := img.Paths()
	if err != nil {
		return err
	}
	found := []string{}
	for _, f := range forbidden {
		f = tarName(f)
		for _, p := range paths {
			if p == f || strings.HasPrefix(p, f+"/") {
				found = append(found, p)
			}
		}
	}
	if len(found) != 0 {
		sort.Strings(found)
		return &ForbiddenPathError{Paths: found}
	}
	return nil
}

// VerifyTransplant rereads the top layer and checks that what landed under
// the install path is exactly the sealed prefix recorded in the image labels.
func (img *LayoutImage) VerifyTransplant() error {
	want := img.Config.Config.Labels[LabelPrefixDigest]
	installPath := img.Config.Config.Labels[LabelInstallPath]
	if want == "" || installPath == "" {
		return fmt.Errorf("%w: image carries no transplant labels", ErrPrefixMissing)
	}
	if len(img.Manifest.Layers) == 0 {
		return fmt.Errorf("%w: image has no layers", ErrPrefixMissing)
	}
	r, err := img.openLayer(img.Manifest.Layers[len(img.Manifest.Layers)-1])
	if err != nil {
		return err
	}
	defer r.Close()
	h, err := hashLayerTree(r, installPath)
	if err != nil {
		return err
	}
	if got := h.digest(); got.String() != want {
		return fmt.Errorf("%w: transplant layer digest %s, prefix sealed as %s", ErrPrefixModified, got, want)
	}
	return nil
}

type ImageSummary struct {
	Manifest   digest.Digest     `json:"manifest"`
	Platform   string            `json:"platform"`
	Cmd        []string          `json:"cmd"`
	Entrypoint []string          `json:"entrypoint"`
	Env        []string          `json:"env"`
	WorkingDir string            `json:"working_dir"`
	Layers     int               `json:"layers"`
	Size       int64             `json:"size"`
	Labels     map[string]string `json:"labels"`
}

func (img *LayoutImage) Summary() ImageSummary {
	var size int64
	for _, l := range img.Manifest.Layers {
		size += l.Size
	}
	platform := ""
	if img.Config.OS != "" {
		platform = platforms.Format(img.Config.Platform)
	}
	return ImageSummary{
		Manifest:   img.ManifestDigest,
		Platform:   platform,
		Cmd:        img.Config.Config.Cmd,
		Entrypoint: img.Config.Config.Entrypoint,
		Env:        img.Config.Config.Env,
		WorkingDir: img.Config.Config.WorkingDir,
		Layers:     len(img.Manifest.Layers),
		Size:       size,
		Labels:     img.Config.Config.Labels,
	}
}

// AuditImage fails with a ForbiddenPathError if the image in layoutDir
// contains any of the forbidden paths.
func AuditImage(layoutDir AbsPath, forbidden []string) error {
	img, err := OpenLayout(layoutDir)
	if err != nil {
		return err
	}
	return img.AuditForbidden(forbidden)
}

func VerifyTransplant(layoutDir AbsPath) error {
	img, err := OpenLayout(layoutDir)
	if err != nil {
		return err
	}
	return img.VerifyTransplant()
}

func InspectImage(layoutDir AbsPath) (ImageSummary, error) {
	img, err := OpenLayout(layoutDir)
	if err != nil {
		return ImageSummary{}, err
	}
	return img.Summary(), nil
}
