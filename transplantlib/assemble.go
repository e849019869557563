package transplantlib

import (
	"archive/tar"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sort"

	"github.com/hashicorp/go-hclog"
	"github.com/klauspost/pgzip"
	tarfs "github.com/nlepage/go-tarfs"
	"github.com/opencontainers/go-digest"
	"github.com/opencontainers/image-spec/specs-go"
	imagespec "github.com/opencontainers/image-spec/specs-go/v1"
)

const (
	LabelPrefixDigest = "io.github.andrewbaxter.transplant.prefix.digest"
	LabelInstallPath  = "io.github.andrewbaxter.transplant.install-path"
)

func readTarFsJson[T any](tfs fs.FS, p string) (out T, err error) {
	f, err := tfs.Open(p)
	if err != nil {
		return out, fmt.Errorf("unable to open file %s in tar: %w", p, err)
	}
	defer f.Close()
	contents, err := io.ReadAll(f)
	if err != nil {
		return out, fmt.Errorf("error reading file %s from tar: %w", p, err)
	}
	err = json.Unmarshal(contents, &out)
	if err != nil {
		return out, fmt.Errorf("error unmarshaling %s as json: %w", p, err)
	}
	return
}

func blobPath(digest digest.Digest) string {
	return fmt.Sprintf("blobs/%s/%s", digest.Algorithm().String(), digest.Hex())
}

type AssembleResult struct {
	// Hash of everything written, stable for identical inputs
	Hash            string
	Manifest        digest.Digest
	TransplantLayer digest.Digest
	TransplantDiff  digest.Digest
}

// Assemble builds the runtime image: the FROM image's layers, then one layer
// holding the sealed prefix at InstallPath, with the entrypoint as the image
// command. The result is written as an OCI layout directory. Nothing is left
// at DestDirPath if assembly fails.
func Assemble(log hclog.Logger, args AssembleArgs) (res *AssembleResult, err error) {
	if err := args.Prefix.Verify(); err != nil {
		return nil, err
	}
	if err := args.Entrypoint.Validate(); err != nil {
		return nil, err
	}
	if args.FromPath != "" && !args.FromPath.Exists() {
		return nil, fmt.Errorf("no FROM image exists at %s", args.FromPath)
	}
	if entries, err := os.ReadDir(args.DestDirPath.Raw()); err == nil && len(entries) != 0 {
		return nil, fmt.Errorf("image output dir %s is not empty", args.DestDirPath)
	}

	hashData := map[string]any{}

	if err := os.MkdirAll(args.DestDirPath.Raw(), 0o755); err != nil {
		return nil, fmt.Errorf("error creating staging dir for image at %s: %w", args.DestDirPath, err)
	}
	defer func() {
		if err != nil {
			if rmErr := os.RemoveAll(args.DestDirPath.Raw()); rmErr != nil {
				log.Warn("failed to remove partial image", "path", args.DestDirPath, "error", rmErr)
			}
		}
	}()

	// Util functions
	writeMemory := func(name string, contents []byte) error {
		p := args.DestDirPath.Join(name)
		hashData[name] = contents
		if err := os.MkdirAll(p.Parent().Raw(), 0o755); err != nil {
			return fmt.Errorf("unable to create parent directories for image file %s: %w", p, err)
		}
		if err := os.WriteFile(p.Raw(), contents, 0o644); err != nil {
			return fmt.Errorf("error writing image file %s: %w", name, err)
		}
		return nil
	}
	writeBlob := func(digest digest.Digest, contents []byte) error {
		return writeMemory(blobPath(digest), contents)
	}
	buildJson := func(contents any) (digest.Digest, []byte) {
		contents1 := canonicalJsonMarshal(contents)
		return digest.FromBytes(contents1), contents1
	}
	writeJson := func(name string, contents any) error {
		return writeMemory(name, canonicalJsonMarshal(contents))
	}
	writeBlobReader := func(digest digest.Digest, reader io.Reader) error {
		p := args.DestDirPath.Join(blobPath(digest))
		if err := os.MkdirAll(p.Parent().Raw(), 0o755); err != nil {
			return fmt.Errorf("unable to create parent directories for image file %s: %w", p, err)
		}
		f, err := os.Create(p.Raw())
		if err != nil {
			return fmt.Errorf("error creating %s: %w", p, err)
		}
		defer func() {
			if err := f.Close(); err != nil {
				log.Warn("error closing blob", "path", p, "error", err)
			}
		}()
		verifier := digest.Verifier()
		blobHash := sha256.New()
		_, err = io.Copy(io.MultiWriter(blobHash, verifier, f), reader)
		if err != nil {
			return fmt.Errorf("error writing blob %s: %w", digest, err)
		}
		if !verifier.Verified() {
			return fmt.Errorf("blob %s content does not match its digest", digest)
		}
		hashData[blobPath(digest)] = hex.EncodeToString(blobHash.Sum([]byte{}))
		return nil
	}

	// Write layout file
	if err := writeJson("oci-layout", imagespec.ImageLayout{
		Version: imagespec.ImageLayoutVersion,
	}); err != nil {
		return nil, err
	}

	layerDiffIds := []digest.Digest{}
	layerMetas := []imagespec.Descriptor{}

	// Write `from` layers, pull `from` info
	var fromConfig imagespec.Image
	if args.FromPath != "" {
		if err := func() error {
			tf, err := os.Open(args.FromPath.Raw())
			if err != nil {
				return fmt.Errorf("unable to open `from` image: %w", err)
			}
			defer tf.Close()

			tfs, err := tarfs.New(tf)
			if err != nil {
				return fmt.Errorf("unable to open `from` image as tar: %w", err)
			}

			index, err := readTarFsJson[imagespec.Index](tfs, "index.json")
			if err != nil {
				return err
			}
			found := false
			for _, m := range index.Manifests {
				if m.MediaType != imagespec.MediaTypeImageManifest {
					continue
				}

				manifest, err := readTarFsJson[imagespec.Manifest](tfs, blobPath(m.Digest))
				if err != nil {
					return fmt.Errorf("unable to find manifest %s referenced in tar index: %w", m.Digest, err)
				}
				layerMetas = append(layerMetas, manifest.Layers...)
				for _, layer := range manifest.Layers {
					source, err := tfs.Open(blobPath(layer.Digest))
					if err != nil {
						return fmt.Errorf("error opening layer %s referenced in image manifest: %w", layer.Digest, err)
					}
					err = writeBlobReader(layer.Digest, source)
					source.Close()
					if err != nil {
						return fmt.Errorf("error copying `from` layer %s to new image: %w", layer.Digest, err)
					}
				}

				fromConfig, err = readTarFsJson[imagespec.Image](tfs, blobPath(manifest.Config.Digest))
				if err != nil {
					return fmt.Errorf("unable to find config %s referenced in image manifest: %w", manifest.Config.Digest, err)
				}
				layerDiffIds = append(layerDiffIds, fromConfig.RootFS.DiffIDs...)
				found = true
				break
			}
			if !found {
				return fmt.Errorf("no image manifest in index")
			}
			return nil
		}(); err != nil {
			return nil, fmt.Errorf("error reading FROM image %s: %w", args.FromPath, err)
		}
	}

	// Write transplant layer
	var transplantLayer, transplantDiff digest.Digest
	{
		// Build layer in temp file
		tmpLayer, err := os.CreateTemp("", ".transplant-layer-*")
		if err != nil {
			return nil, fmt.Errorf("error creating temp file for new layer: %w", err)
		}
		defer func() {
			tmpLayer.Close()
			err := os.Remove(tmpLayer.Name())
			if err != nil {
				log.Warn("failed to remove layer temp file", "path", tmpLayer.Name(), "error", err)
			}
		}()
		uncompressedDigester := digest.SHA256.Digester()
		compressedDigester := digest.SHA256.Digester()
		gzWriter := pgzip.NewWriter(io.MultiWriter(
			compressedDigester.Hash(),
			tmpLayer,
		))
		destTar := tar.NewWriter(io.MultiWriter(
			uncompressedDigester.Hash(),
			gzWriter,
		))
		hasher := &treeHasher{}
		if err := writeTransplantLayer(destTar, args.Prefix.Dir, args.InstallPath, hasher); err != nil {
			return nil, err
		}
		if err := destTar.Close(); err != nil {
			return nil, fmt.Errorf("error closing layer tar: %w", err)
		}
		if err := gzWriter.Close(); err != nil {
			return nil, fmt.Errorf("error closing layer tar gz: %w", err)
		}
		if got := hasher.digest(); got != args.Prefix.Digest {
			return nil, fmt.Errorf("%w: transplanted tree digest %s, sealed as %s", ErrPrefixModified, got, args.Prefix.Digest)
		}
		stat, err := tmpLayer.Stat()
		if err != nil {
			return nil, fmt.Errorf("error reading temp layer file metadata: %w", err)
		}

		transplantLayer = compressedDigester.Digest()
		transplantDiff = uncompressedDigester.Digest()
		layerMetas = append(layerMetas, imagespec.Descriptor{
			MediaType: imagespec.MediaTypeImageLayerGzip,
			Digest:    transplantLayer,
			Size:      stat.Size(),
		})
		layerDiffIds = append(layerDiffIds, transplantDiff)

		if _, err := tmpLayer.Seek(0, io.SeekStart); err != nil {
			return nil, fmt.Errorf("error rewinding temp layer: %w", err)
		}
		if err := writeBlobReader(transplantLayer, tmpLayer); err != nil {
			return nil, err
		}
		log.Info("wrote transplant layer", "digest", transplantLayer, "entries", len(hasher.entries), "install_path", args.InstallPath)
	}

	env := []string{}
	if !args.ClearEnv {
		env = append(env, fromConfig.Config.Env...)
	}
	for k, v := range args.AddEnv {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	sort.Strings(env)
	labels := map[string]string{}
	for k, v := range fromConfig.Config.Labels {
		labels[k] = v
	}
	for k, v := range args.Labels {
		labels[k] = v
	}
	labels[LabelPrefixDigest] = args.Prefix.Digest.String()
	labels[LabelInstallPath] = args.InstallPath
	history := append([]imagespec.History{}, fromConfig.History...)
	history = append(history, imagespec.History{
		CreatedBy: fmt.Sprintf("transplant %s %s", args.Prefix.ContainerPath, args.InstallPath),
		Comment:   args.Prefix.Digest.String(),
	})

	// Write remaining meta files
	imageConfigDigest, imageConfig := buildJson(imagespec.Image{
		Platform: imagespec.Platform{
			Architecture: Def(args.Architecture, fromConfig.Architecture),
			OS:           Def(args.Os, fromConfig.OS),
			Variant:      fromConfig.Variant,
		},
		Config: imagespec.ImageConfig{
			Env:        env,
			WorkingDir: Def(args.WorkingDir, fromConfig.Config.WorkingDir),
			User:       Def(args.User, fromConfig.Config.User),
			// The base's entrypoint would otherwise wrap the command
			Entrypoint: nil,
			Cmd:        args.Entrypoint.Argv(),
			StopSignal: Def(args.StopSignal, fromConfig.Config.StopSignal),
			Labels:     labels,
		},
		RootFS: imagespec.RootFS{
			Type:    "layers",
			DiffIDs: layerDiffIds,
		},
		History: history,
	})
	if err := writeBlob(imageConfigDigest, imageConfig); err != nil {
		return nil, err
	}
	imageManifestDigest, imageManifest := buildJson(imagespec.Manifest{
		Versioned: specs.Versioned{
			SchemaVersion: 2,
		},
		MediaType: imagespec.MediaTypeImageManifest,
		Config: imagespec.Descriptor{
			MediaType: imagespec.MediaTypeImageConfig,
			Digest:    imageConfigDigest,
			Size:      int64(len(imageConfig)),
		},
		Layers: layerMetas,
	})
	if err := writeBlob(imageManifestDigest, imageManifest); err != nil {
		return nil, err
	}
	if err := writeJson("index.json", imagespec.Index{
		Versioned: specs.Versioned{
			SchemaVersion: 2,
		},
		MediaType: imagespec.MediaTypeImageIndex,
		Manifests: []imagespec.Descriptor{
			{
				MediaType: imagespec.MediaTypeImageManifest,
				Digest:    imageManifestDigest,
				Size:      int64(len(imageManifest)),
			},
		},
	}); err != nil {
		return nil, err
	}

	hash1 := sha256.Sum256(canonicalJsonMarshal(hashData))
	return &AssembleResult{
		Hash:            hex.EncodeToString(hash1[:]),
		Manifest:        imageManifestDigest,
		TransplantLayer: transplantLayer,
		TransplantDiff:  transplantDiff,
	}, nil
}

// AssembleRecipe fills AssembleArgs from a recipe.
func AssembleRecipe(log hclog.Logger, recipe *Recipe, fromPath AbsPath, prefix *InstallationPrefix, dest AbsPath) (*AssembleResult, error) {
	rt := recipe.Args.Runtime
	args := AssembleArgs{
		FromPath:    fromPath,
		Prefix:      prefix,
		InstallPath: rt.InstallPath,
		ClearEnv:    rt.ClearEnv,
		AddEnv:      rt.AddEnv,
		WorkingDir:  rt.WorkingDir,
		User:        rt.User,
		Entrypoint:  recipe.Entrypoint,
		StopSignal:  rt.StopSignal,
		Labels:      rt.Labels,
		DestDirPath: dest,
	}
	if recipe.RuntimeBase.Platform != nil {
		args.Architecture = recipe.RuntimeBase.Platform.Architecture
		args.Os = recipe.RuntimeBase.Platform.OS
	}
	return Assemble(log, args)
}
