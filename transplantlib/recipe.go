package transplantlib

import (
	"fmt"
	"net/url"
	"os"
	"path"
	"strings"

	"github.com/containerd/platforms"
	"github.com/distribution/reference"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	imagespec "github.com/opencontainers/image-spec/specs-go/v1"
	"golang.org/x/mod/semver"
)

const (
	DefaultPrefix         = "/install"
	DefaultInstallPath    = "/usr/local"
	DefaultInstaller      = "pip"
	DefaultInterpreter    = "python"
	DefaultToolchainBin   = "/root/.cargo/bin"
	DefaultOsPackage      = "curl"
	entrypointModuleFlag  = "-m"
	builderManifestPath   = "/tmp/transplant/requirements.txt"
	builderInstallerPath  = "/tmp/transplant/toolchain-installer.sh"
	builderScratchDirPath = "/tmp/transplant"
)

var DefaultInstallerArgs = []string{"-y", "--no-modify-path", "--default-toolchain", "none", "--profile", "minimal"}

// BaseImageRef is a tagged image reference plus the platform to use it for.
type BaseImageRef struct {
	Named reference.NamedTagged
	// nil means whatever the engine or registry picks
	Platform *imagespec.Platform
}

func ParseBaseImageRef(image string, platform string) (BaseImageRef, error) {
	named, err := reference.ParseNormalizedNamed(image)
	if err != nil {
		return BaseImageRef{}, fmt.Errorf("%w: image %q is not a valid reference: %w", ErrInvalidRecipe, image, err)
	}
	tagged, ok := reference.TagNameOnly(named).(reference.NamedTagged)
	if !ok {
		return BaseImageRef{}, fmt.Errorf("%w: image %q must be a repository:tag reference", ErrInvalidRecipe, image)
	}
	out := BaseImageRef{Named: tagged}
	if platform != "" {
		p, err := platforms.Parse(platform)
		if err != nil {
			return BaseImageRef{}, fmt.Errorf("%w: platform %q: %w", ErrInvalidRecipe, platform, err)
		}
		out.Platform = &p
	}
	return out, nil
}

func (r BaseImageRef) String() string {
	if r.Named == nil {
		return ""
	}
	return r.Named.String()
}

func (r BaseImageRef) PlatformString() string {
	if r.Platform == nil {
		return ""
	}
	return platforms.Format(*r.Platform)
}

// tagVersion is the leading version part of the tag, so 3.8 for 3.8-slim
func (r BaseImageRef) tagVersion() string {
	v, _, _ := strings.Cut(r.Named.Tag(), "-")
	return v
}

// tagDistro is the distribution suffix of the tag without the slim marker, so
// buster for 3.8-slim-buster, empty for 3.8-slim
func (r BaseImageRef) tagDistro() string {
	_, rest, _ := strings.Cut(r.Named.Tag(), "-")
	parts := []string{}
	for _, p := range strings.Split(rest, "-") {
		if p != "" && p != "slim" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, "-")
}

// CheckCompatible confirms the runtime base can run files compiled in the
// builder base: same repository, same platform, the runtime tag's version is
// the builder's version or a prefix of it, and when both tags name a
// distribution (bullseye, buster) it's the same one.
func CheckCompatible(builder BaseImageRef, runtime BaseImageRef) error {
	if reference.Domain(builder.Named) != reference.Domain(runtime.Named) ||
		reference.Path(builder.Named) != reference.Path(runtime.Named) {
		return fmt.Errorf("%w: builder %s and runtime %s are different repositories", ErrIncompatibleBase, builder, runtime)
	}
	bv := builder.tagVersion()
	rv := runtime.tagVersion()
	if bv != rv && !strings.HasPrefix(bv, rv+".") {
		return fmt.Errorf("%w: runtime version %s does not cover builder version %s", ErrIncompatibleBase, rv, bv)
	}
	if bd, rd := builder.tagDistro(), runtime.tagDistro(); bd != "" && rd != "" && bd != rd {
		return fmt.Errorf("%w: runtime distribution %s differs from builder distribution %s", ErrIncompatibleBase, rd, bd)
	}
	if builder.Platform != nil && runtime.Platform != nil &&
		!platforms.NewMatcher(*builder.Platform).Match(*runtime.Platform) {
		return fmt.Errorf("%w: runtime platform %s does not match builder platform %s", ErrIncompatibleBase, runtime.PlatformString(), builder.PlatformString())
	}
	return nil
}

// ToolchainVersion is an exact toolchain release, installed verbatim.
type ToolchainVersion string

func (v ToolchainVersion) Validate() error {
	sv := "v" + string(v)
	if !semver.IsValid(sv) || semver.Canonical(sv) != sv || semver.Prerelease(sv) != "" {
		return fmt.Errorf("%w: got %q", ErrInvalidToolchainVersion, string(v))
	}
	return nil
}

func (v ToolchainVersion) String() string {
	return string(v)
}

// Entrypoint is the single process the runtime image starts.
type Entrypoint struct {
	Interpreter string
	Module      string
}

func (e Entrypoint) Argv() []string {
	return []string{e.Interpreter, entrypointModuleFlag, e.Module}
}

func (e Entrypoint) Validate() error {
	if e.Interpreter == "" || strings.ContainsAny(e.Interpreter, " \t\n") {
		return fmt.Errorf("%w: entrypoint interpreter %q is invalid", ErrInvalidRecipe, e.Interpreter)
	}
	if e.Module == "" || strings.ContainsAny(e.Module, " \t\n/") || strings.HasPrefix(e.Module, "-") {
		return fmt.Errorf("%w: entrypoint module %q is invalid", ErrInvalidRecipe, e.Module)
	}
	return nil
}

// Recipe is a loaded, defaulted and validated recipe file.
type Recipe struct {
	// Directory relative paths in the recipe are resolved against
	Dir          AbsPath
	Args         RecipeArgs
	BuilderBase  BaseImageRef
	RuntimeBase  BaseImageRef
	Toolchain    ToolchainVersion
	InstallerURL *url.URL
	ManifestPath AbsPath
	Manifest     *DependencyManifest
	Entrypoint   Entrypoint
}

func LoadRecipe(p AbsPath) (*Recipe, error) {
	src, err := os.ReadFile(p.Raw())
	if err != nil {
		return nil, fmt.Errorf("error reading recipe at %s: %w", p, err)
	}
	return ParseRecipe(src, p.Raw(), p.Parent())
}

func ParseRecipe(src []byte, filename string, dir AbsPath) (*Recipe, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("%w: failed to parse %s: %w", ErrInvalidRecipe, filename, diags)
	}
	var args RecipeArgs
	diags = gohcl.DecodeBody(file.Body, nil, &args)
	if diags.HasErrors() {
		return nil, fmt.Errorf("%w: failed to decode %s: %w", ErrInvalidRecipe, filename, diags)
	}
	if args.Builder == nil {
		return nil, fmt.Errorf("%w: missing builder block", ErrInvalidRecipe)
	}
	if args.Runtime == nil {
		return nil, fmt.Errorf("%w: missing runtime block", ErrInvalidRecipe)
	}
	if args.Builder.Toolchain == nil {
		return nil, fmt.Errorf("%w: missing builder toolchain block", ErrInvalidRecipe)
	}
	if args.Builder.Manifest == nil {
		return nil, fmt.Errorf("%w: missing builder manifest block", ErrInvalidRecipe)
	}
	if args.Runtime.Entrypoint == nil {
		return nil, fmt.Errorf("%w: missing runtime entrypoint block", ErrInvalidRecipe)
	}
	applyDefaults(&args)

	r := &Recipe{
		Dir:  dir,
		Args: args,
		Entrypoint: Entrypoint{
			Interpreter: args.Runtime.Entrypoint.Interpreter,
			Module:      args.Runtime.Entrypoint.Module,
		},
		Toolchain: ToolchainVersion(args.Builder.Toolchain.Version),
	}
	var err error
	r.BuilderBase, err = ParseBaseImageRef(args.Builder.Image, args.Builder.Platform)
	if err != nil {
		return nil, fmt.Errorf("builder: %w", err)
	}
	r.RuntimeBase, err = ParseBaseImageRef(args.Runtime.Image, args.Runtime.Platform)
	if err != nil {
		return nil, fmt.Errorf("runtime: %w", err)
	}
	if err := CheckCompatible(r.BuilderBase, r.RuntimeBase); err != nil {
		return nil, err
	}
	if err := r.Toolchain.Validate(); err != nil {
		return nil, err
	}
	r.InstallerURL, err = url.Parse(args.Builder.Toolchain.InstallerURL)
	if err != nil {
		return nil, fmt.Errorf("%w: toolchain installer url: %w", ErrInvalidRecipe, err)
	}
	if r.InstallerURL.Scheme != "https" || r.InstallerURL.Host == "" {
		return nil, fmt.Errorf("%w: toolchain installer url %s must be https: %w", ErrInvalidRecipe, r.InstallerURL, ErrInsecureTransport)
	}
	if err := r.Entrypoint.Validate(); err != nil {
		return nil, err
	}
	for name, p := range map[string]string{
		"builder prefix":       args.Builder.Prefix,
		"runtime install_path": args.Runtime.InstallPath,
		"toolchain bin_dir":    args.Builder.Toolchain.BinDir,
	} {
		if !path.IsAbs(p) || path.Clean(p) == "/" {
			return nil, fmt.Errorf("%w: %s %q must be an absolute path below /", ErrInvalidRecipe, name, p)
		}
	}
	for _, p := range args.Runtime.ForbiddenPaths {
		if tarName(p) == "" {
			return nil, fmt.Errorf("%w: forbidden path %q names the image root", ErrInvalidRecipe, p)
		}
	}
	if strings.HasPrefix(args.Builder.ExtraPackage, "-") {
		return nil, fmt.Errorf("%w: extra_package %q looks like an installer option", ErrInvalidRecipe, args.Builder.ExtraPackage)
	}

	r.ManifestPath = MakeAbsPathFrom(dir, args.Builder.Manifest.Path)
	r.Manifest, err = LoadDependencyManifest(r.ManifestPath)
	if err != nil {
		return nil, err
	}
	if args.Builder.Manifest.RequirePinned {
		if err := r.Manifest.CheckPinned(); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func applyDefaults(args *RecipeArgs) {
	b := args.Builder
	if b.OsPackages == nil {
		b.OsPackages = []string{DefaultOsPackage}
	}
	b.Prefix = Def(b.Prefix, DefaultPrefix)
	b.Installer = Def(b.Installer, DefaultInstaller)
	b.Toolchain.BinDir = Def(b.Toolchain.BinDir, DefaultToolchainBin)
	if b.Toolchain.InstallerArgs == nil {
		b.Toolchain.InstallerArgs = append([]string{}, DefaultInstallerArgs...)
	}
	rt := args.Runtime
	rt.Platform = Def(rt.Platform, b.Platform)
	rt.InstallPath = Def(rt.InstallPath, DefaultInstallPath)
	rt.Entrypoint.Interpreter = Def(rt.Entrypoint.Interpreter, DefaultInterpreter)
}
