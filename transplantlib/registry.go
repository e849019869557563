package transplantlib

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"

	imagecopy "github.com/containers/image/v5/copy"
	"github.com/containers/image/v5/docker"
	"github.com/containers/image/v5/docker/daemon"
	"github.com/containers/image/v5/oci/archive"
	"github.com/containers/image/v5/oci/layout"
	"github.com/containers/image/v5/signature"
	"github.com/containers/image/v5/types"
	"github.com/hashicorp/go-hclog"
)

type RegistryAuth struct {
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
}

type TransportOptions struct {
	Auth RegistryAuth
	// Disable tls validation
	InsecureSkipTLSVerify bool
	// Accept images without consulting the signature policy
	InsecurePolicy bool
}

func (o TransportOptions) systemContext(base *BaseImageRef) *types.SystemContext {
	sc := &types.SystemContext{
		DockerInsecureSkipTLSVerify: types.NewOptionalBool(o.InsecureSkipTLSVerify),
	}
	if o.Auth.User != "" || o.Auth.Password != "" {
		sc.DockerAuthConfig = &types.DockerAuthConfig{
			Username: o.Auth.User,
			Password: o.Auth.Password,
		}
	}
	if base != nil && base.Platform != nil {
		sc.ArchitectureChoice = base.Platform.Architecture
		sc.OSChoice = base.Platform.OS
		sc.VariantChoice = base.Platform.Variant
	}
	return sc
}

func newPolicyContext(insecure bool) (*signature.PolicyContext, error) {
	var policy *signature.Policy
	if insecure {
		policy = &signature.Policy{
			Default: []signature.PolicyRequirement{signature.NewPRInsecureAcceptAnything()},
		}
	} else {
		var err error
		policy, err = signature.DefaultPolicy(nil)
		if err != nil {
			return nil, fmt.Errorf("error setting up registry client policy context signature: %w", err)
		}
	}
	policyContext, err := signature.NewPolicyContext(policy)
	if err != nil {
		return nil, fmt.Errorf("error setting up registry client policy context: %w", err)
	}
	return policyContext, nil
}

var unsafeCacheChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// BaseArchivePath is where PullBase caches ref inside cacheDir.
func BaseArchivePath(cacheDir AbsPath, ref BaseImageRef) AbsPath {
	name := ref.String()
	if p := ref.PlatformString(); p != "" {
		name += "@" + p
	}
	return cacheDir.Join(unsafeCacheChars.ReplaceAllString(name, "_") + ".oci.tar")
}

// PullBase copies ref into an OCI archive at dest unless one is already there.
func PullBase(ctx context.Context, log hclog.Logger, ref BaseImageRef, dest AbsPath, opts TransportOptions) error {
	if dest.Exists() {
		log.Debug("using cached base image", "image", ref, "path", dest)
		return nil
	}
	if err := os.MkdirAll(dest.Parent().Raw(), 0o755); err != nil {
		return fmt.Errorf("error creating base image cache dir %s: %w", dest.Parent(), err)
	}
	policyContext, err := newPolicyContext(opts.InsecurePolicy)
	if err != nil {
		return err
	}
	defer policyContext.Destroy()

	sourceRef, err := docker.Transport.ParseReference("//" + ref.String())
	if err != nil {
		return fmt.Errorf("error parsing base image reference %s: %w", ref, err)
	}
	// Pull next to the cache entry, then move it in place, so an interrupted
	// pull is never mistaken for a cached image.
	tmp, err := os.CreateTemp(dest.Parent().Raw(), ".pull-*.oci.tar")
	if err != nil {
		return fmt.Errorf("error creating temp file for pulled image: %w", err)
	}
	tmpPath := tmp.Name()
	tmp.Close()
	os.Remove(tmpPath)
	defer os.Remove(tmpPath)
	destRef, err := archive.Transport.ParseReference(tmpPath)
	if err != nil {
		return fmt.Errorf("error parsing archive destination %s: %w", tmpPath, err)
	}
	log.Info("pulling base image", "image", ref, "platform", ref.PlatformString())
	_, err = imagecopy.Image(
		ctx,
		policyContext,
		destRef,
		sourceRef,
		&imagecopy.Options{
			SourceCtx:             opts.systemContext(&ref),
			DestinationCtx:        &types.SystemContext{},
			ForceManifestMIMEType: "application/vnd.oci.image.manifest.v1+json",
		},
	)
	if err != nil {
		return fmt.Errorf("error pulling base image %s: %w", ref, err)
	}
	if err := os.Rename(tmpPath, dest.Raw()); err != nil {
		return fmt.Errorf("error moving pulled image into cache at %s: %w", dest, err)
	}
	return nil
}

// ParseDestination accepts skopeo-style docker://, docker-daemon:, oci: and
// oci-archive: references.
func ParseDestination(dest string) (types.ImageReference, error) {
	transport, ref, ok := strings.Cut(dest, ":")
	if !ok {
		return nil, fmt.Errorf("destination %q has no transport prefix", dest)
	}
	switch transport {
	case "docker":
		return docker.Transport.ParseReference(ref)
	case "docker-daemon":
		return daemon.Transport.ParseReference(ref)
	case "oci":
		return layout.Transport.ParseReference(ref)
	case "oci-archive":
		return archive.Transport.ParseReference(ref)
	default:
		return nil, fmt.Errorf("unsupported destination transport %q", transport)
	}
}

// Publish copies an assembled OCI layout to dest.
func Publish(ctx context.Context, log hclog.Logger, layoutDir AbsPath, dest string, opts TransportOptions) error {
	destRef, err := ParseDestination(dest)
	if err != nil {
		return err
	}
	sourceRef, err := layout.Transport.ParseReference(layoutDir.Raw())
	if err != nil {
		return fmt.Errorf("error parsing image layout %s: %w", layoutDir, err)
	}
	policyContext, err := newPolicyContext(opts.InsecurePolicy)
	if err != nil {
		return err
	}
	defer policyContext.Destroy()
	log.Info("publishing image", "dest", dest)
	_, err = imagecopy.Image(
		ctx,
		policyContext,
		destRef,
		sourceRef,
		&imagecopy.Options{
			SourceCtx:      &types.SystemContext{},
			DestinationCtx: opts.systemContext(nil),
		},
	)
	if err != nil {
		return fmt.Errorf("error publishing image to %s: %w", dest, err)
	}
	return nil
}
