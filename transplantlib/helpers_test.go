package transplantlib

import (
	"archive/tar"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/pgzip"
	"github.com/opencontainers/go-digest"
	"github.com/opencontainers/image-spec/specs-go"
	imagespec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/require"
)

const testRecipe = `
builder {
  image    = "python:3.8.12"
  platform = "linux/amd64"

  toolchain {
    installer_url = "https://sh.rustup.rs"
    version       = "1.58.1"
  }

  manifest {
    path = "requirements.txt"
  }

  extra_package = "rich"
}

runtime {
  image       = "python:3.8-slim"
  working_dir = "/app"
  entrypoint {
    module = "binance_trade_bot"
  }
  forbidden_paths = ["usr/bin/curl", "root/.cargo", "root/.rustup"]
}
`

const testRequirements = `# trading
python-binance==1.0.15
sqlalchemy==1.4.15
cryptography==36.0.1 ; python_version >= "3.6"
`

// writeFiles lays out files (relative name to contents) under a fresh temp dir.
func writeFiles(t *testing.T, files map[string]string) AbsPath {
	t.Helper()
	dir := t.TempDir()
	for name, contents := range files {
		p := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(contents), 0o644))
	}
	return AbsPath(dir)
}

func loadTestRecipe(t *testing.T, recipe string, requirements string) *Recipe {
	t.Helper()
	dir := writeFiles(t, map[string]string{
		"recipe.hcl":       recipe,
		"requirements.txt": requirements,
	})
	r, err := LoadRecipe(dir.Join("recipe.hcl"))
	require.NoError(t, err)
	return r
}

// writePrefixTree creates a small installed tree like the builder would leave.
func writePrefixTree(t *testing.T) AbsPath {
	t.Helper()
	dir := AbsPath(t.TempDir())
	fillPrefixTree(t, dir)
	return dir
}

func fillPrefixTree(t *testing.T, dir AbsPath) {
	t.Helper()
	for name, contents := range map[string]string{
		"lib/python3.8/site-packages/binance_trade_bot/__init__.py": "",
		"lib/python3.8/site-packages/binance_trade_bot/__main__.py": "print('trading')\n",
		"lib/python3.8/site-packages/cryptography/_rust.so":         "\x7fELF compiled",
		"bin/rich":                                                  "#!/usr/bin/env python\n",
	} {
		p := dir.Join(name).Raw()
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(contents), 0o644))
	}
	require.NoError(t, os.Chmod(dir.Join("bin/rich").Raw(), 0o755))
	require.NoError(t, os.Symlink("python3.8", dir.Join("lib/python3").Raw()))
}

type testLayerEntry struct {
	name    string
	content string
	dir     bool
}

// buildTestLayer returns a gzipped layer and its diff id.
func buildTestLayer(t *testing.T, entries []testLayerEntry) ([]byte, digest.Digest) {
	t.Helper()
	var raw bytes.Buffer
	tw := tar.NewWriter(&raw)
	for _, e := range entries {
		if e.dir {
			require.NoError(t, tw.WriteHeader(&tar.Header{Typeflag: tar.TypeDir, Name: e.name + "/", Mode: 0o755}))
			continue
		}
		require.NoError(t, tw.WriteHeader(&tar.Header{Typeflag: tar.TypeReg, Name: e.name, Mode: 0o755, Size: int64(len(e.content))}))
		_, err := tw.Write([]byte(e.content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	var compressed bytes.Buffer
	gz := pgzip.NewWriter(&compressed)
	_, err := gz.Write(raw.Bytes())
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	return compressed.Bytes(), digest.FromBytes(raw.Bytes())
}

// writeBaseArchive writes an oci-archive like PullBase leaves in the cache,
// one layer per entry list.
func writeBaseArchive(t *testing.T, layers ...[]testLayerEntry) AbsPath {
	t.Helper()
	blobs := map[digest.Digest][]byte{}
	descs := []imagespec.Descriptor{}
	diffIDs := []digest.Digest{}
	for _, entries := range layers {
		layer, diffID := buildTestLayer(t, entries)
		d := digest.FromBytes(layer)
		blobs[d] = layer
		descs = append(descs, imagespec.Descriptor{MediaType: imagespec.MediaTypeImageLayerGzip, Digest: d, Size: int64(len(layer))})
		diffIDs = append(diffIDs, diffID)
	}
	config, err := json.Marshal(imagespec.Image{
		Platform: imagespec.Platform{Architecture: "amd64", OS: "linux"},
		Config: imagespec.ImageConfig{
			Env:        []string{"PATH=/usr/local/bin:/usr/bin:/bin", "LANG=C.UTF-8"},
			Entrypoint: []string{"docker-entrypoint.sh"},
			Cmd:        []string{"python3"},
			Labels:     map[string]string{"maintainer": "base"},
		},
		RootFS:  imagespec.RootFS{Type: "layers", DiffIDs: diffIDs},
		History: []imagespec.History{{CreatedBy: "base"}},
	})
	require.NoError(t, err)
	configDigest := digest.FromBytes(config)
	blobs[configDigest] = config
	manifest, err := json.Marshal(imagespec.Manifest{
		Versioned: specs.Versioned{SchemaVersion: 2},
		MediaType: imagespec.MediaTypeImageManifest,
		Config:    imagespec.Descriptor{MediaType: imagespec.MediaTypeImageConfig, Digest: configDigest, Size: int64(len(config))},
		Layers:    descs,
	})
	require.NoError(t, err)
	manifestDigest := digest.FromBytes(manifest)
	blobs[manifestDigest] = manifest
	index, err := json.Marshal(imagespec.Index{
		Versioned: specs.Versioned{SchemaVersion: 2},
		MediaType: imagespec.MediaTypeImageIndex,
		Manifests: []imagespec.Descriptor{{MediaType: imagespec.MediaTypeImageManifest, Digest: manifestDigest, Size: int64(len(manifest))}},
	})
	require.NoError(t, err)

	p := AbsPath(t.TempDir()).Join("base.oci.tar")
	f, err := os.Create(p.Raw())
	require.NoError(t, err)
	defer f.Close()
	tw := tar.NewWriter(f)
	write := func(name string, contents []byte) {
		require.NoError(t, tw.WriteHeader(&tar.Header{Typeflag: tar.TypeReg, Name: name, Mode: 0o644, Size: int64(len(contents))}))
		_, err := tw.Write(contents)
		require.NoError(t, err)
	}
	write("oci-layout", []byte(`{"imageLayoutVersion":"1.0.0"}`))
	for _, dir := range []string{"blobs/", "blobs/sha256/"} {
		require.NoError(t, tw.WriteHeader(&tar.Header{Typeflag: tar.TypeDir, Name: dir, Mode: 0o755}))
	}
	write("index.json", index)
	for d, contents := range blobs {
		write(blobPath(d), contents)
	}
	require.NoError(t, tw.Close())
	return p
}

// slimBase is a stand-in for a slim runtime base: an interpreter and no
// build tooling.
var slimBase = []testLayerEntry{
	{name: "usr", dir: true},
	{name: "usr/bin", dir: true},
	{name: "usr/bin/python3", content: "python"},
	{name: "usr/local", dir: true},
	{name: "usr/local/bin", dir: true},
	{name: "usr/local/bin/python", content: "python"},
}
