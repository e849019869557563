package transplantlib

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"os"
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"mvdan.cc/sh/v3/syntax"
)

type StageState int

const (
	StateInitial StageState = iota
	StateOSToolReady
	StateToolchainReady
	StateManifestInstalled
	StateExtraInstalled
)

func (s StageState) String() string {
	switch s {
	case StateInitial:
		return "initial"
	case StateOSToolReady:
		return "os-tool-ready"
	case StateToolchainReady:
		return "toolchain-ready"
	case StateManifestInstalled:
		return "manifest-installed"
	case StateExtraInstalled:
		return "extra-installed"
	default:
		return fmt.Sprintf("StageState(%d)", int(s))
	}
}

const (
	StepBootstrapOSTool     = "bootstrap-os-tool"
	StepBootstrapToolchain  = "bootstrap-toolchain"
	StepInstallManifest     = "install-manifest"
	StepInstallExtraPackage = "install-extra-package"

	toolchainManager  = "rustup"
	toolchainCompiler = "rustc"
	builderPathVar    = "TRANSPLANT_PATH"
)

// BuildEnv is the builder state threaded through the steps. Steps return a
// modified copy, never mutate the one they were given.
type BuildEnv struct {
	ContainerID string
	State       StageState
	// Prepended to the container's own PATH for every command
	Path []string
}

func (e BuildEnv) withPath(dir string) BuildEnv {
	e.Path = append(append([]string{}, dir), e.Path...)
	return e
}

type Step struct {
	Name string
	From StageState
	To   StageState
	Run  func(ctx context.Context, env BuildEnv) (BuildEnv, error)
}

// RunSteps runs steps in order; each only runs if the previous one left the
// environment in the state it starts from. The first failure stops everything.
func RunSteps(ctx context.Context, log hclog.Logger, steps []Step, env BuildEnv) (BuildEnv, error) {
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return env, &StepError{Step: step.Name, Err: err}
		}
		if env.State != step.From {
			return env, &StepError{Step: step.Name, Err: fmt.Errorf("%w: state is %s, step requires %s", ErrStepOrder, env.State, step.From)}
		}
		log.Info("running step", "step", step.Name, "state", env.State)
		next, err := step.Run(ctx, env)
		if err != nil {
			return env, err
		}
		next.State = step.To
		env = next
		log.Info("step complete", "step", step.Name, "state", env.State)
	}
	return env, nil
}

type InstallerFetcher interface {
	Fetch(ctx context.Context, u *url.URL) ([]byte, error)
}

// Provisioner runs the builder stage of a recipe in a disposable container.
type Provisioner struct {
	engine  Engine
	fetcher InstallerFetcher
	recipe  *Recipe
	log     hclog.Logger
}

func NewProvisioner(engine Engine, fetcher InstallerFetcher, recipe *Recipe, log hclog.Logger) *Provisioner {
	return &Provisioner{
		engine:  engine,
		fetcher: fetcher,
		recipe:  recipe,
		log:     log,
	}
}

func quoteArgv(argv []string) string {
	parts := make([]string, 0, len(argv))
	for _, a := range argv {
		q, err := syntax.Quote(a, syntax.LangPOSIX)
		if err != nil {
			q = fmt.Sprintf("%q", a)
		}
		parts = append(parts, q)
	}
	return strings.Join(parts, " ")
}

// exec runs argv in the builder with the step's PATH additions. A non-zero
// exit is a step failure.
func (p *Provisioner) exec(ctx context.Context, env BuildEnv, step string, argv []string, stdout *bytes.Buffer) error {
	log := p.log.Named(step)
	log.Debug("exec", "cmd", quoteArgv(argv))
	output := log.StandardWriter(&hclog.StandardLoggerOptions{ForceLevel: hclog.Debug})
	opts := ExecOptions{
		Env: map[string]string{
			"DEBIAN_FRONTEND": "noninteractive",
		},
		Stdout: output,
		Stderr: output,
	}
	for k, v := range p.recipe.Args.Builder.Env {
		opts.Env[k] = v
	}
	command := argv
	if len(env.Path) != 0 {
		opts.Env[builderPathVar] = strings.Join(env.Path, ":")
		command = append([]string{"sh", "-c", `PATH="$` + builderPathVar + `:$PATH"; export PATH; exec "$@"`, "sh"}, argv...)
	}
	if stdout != nil {
		opts.Stdout = stdout
	}
	res, err := p.engine.Exec(ctx, env.ContainerID, command, opts)
	if err != nil {
		return &StepError{Step: step, Err: err}
	}
	if res.ExitCode != 0 {
		return &StepError{Step: step, ExitCode: res.ExitCode, Err: fmt.Errorf("%s exited non-zero", quoteArgv(argv))}
	}
	return nil
}

func (p *Provisioner) Steps() []Step {
	return []Step{
		{Name: StepBootstrapOSTool, From: StateInitial, To: StateOSToolReady, Run: p.bootstrapOSTool},
		{Name: StepBootstrapToolchain, From: StateOSToolReady, To: StateToolchainReady, Run: p.bootstrapToolchain},
		{Name: StepInstallManifest, From: StateToolchainReady, To: StateManifestInstalled, Run: p.installManifest},
		{Name: StepInstallExtraPackage, From: StateManifestInstalled, To: StateExtraInstalled, Run: p.installExtraPackage},
	}
}

func (p *Provisioner) bootstrapOSTool(ctx context.Context, env BuildEnv) (BuildEnv, error) {
	pkgs := p.recipe.Args.Builder.OsPackages
	if len(pkgs) == 0 {
		p.log.Named(StepBootstrapOSTool).Info("no os packages requested")
		return env, nil
	}
	argv := append([]string{
		"sh", "-c",
		`apt-get update && apt-get install -y --no-install-recommends "$@" && rm -rf /var/lib/apt/lists/*`,
		"sh",
	}, pkgs...)
	if err := p.exec(ctx, env, StepBootstrapOSTool, argv, nil); err != nil {
		return env, err
	}
	return env, nil
}

func (p *Provisioner) bootstrapToolchain(ctx context.Context, env BuildEnv) (BuildEnv, error) {
	tc := p.recipe.Args.Builder.Toolchain
	log := p.log.Named(StepBootstrapToolchain)

	// Nothing touches the builder until the installer has been fetched over a
	// verified connection.
	script, err := p.fetcher.Fetch(ctx, p.recipe.InstallerURL)
	if err != nil {
		return env, &StepError{Step: StepBootstrapToolchain, Err: err}
	}
	scratch, err := os.MkdirTemp("", ".transplant-installer-*")
	if err != nil {
		return env, fmt.Errorf("error creating temp dir for toolchain installer: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(scratch); err != nil {
			log.Warn("failed to remove installer temp dir", "path", scratch, "error", err)
		}
	}()
	scriptPath := MakeAbsPath(scratch).Join("installer.sh")
	if err := os.WriteFile(scriptPath.Raw(), script, 0o700); err != nil {
		return env, fmt.Errorf("error writing toolchain installer to %s: %w", scriptPath, err)
	}
	if err := p.exec(ctx, env, StepBootstrapToolchain, []string{"mkdir", "-p", builderScratchDirPath}, nil); err != nil {
		return env, err
	}
	if err := p.engine.CopyTo(ctx, env.ContainerID, scriptPath, builderInstallerPath); err != nil {
		return env, &StepError{Step: StepBootstrapToolchain, Err: err}
	}
	if err := p.exec(ctx, env, StepBootstrapToolchain, append([]string{"sh", builderInstallerPath}, tc.InstallerArgs...), nil); err != nil {
		return env, err
	}

	next := env.withPath(tc.BinDir)
	version := p.recipe.Toolchain.String()
	if err := p.exec(ctx, next, StepBootstrapToolchain, []string{toolchainManager, "toolchain", "install", "--profile", "minimal", version}, nil); err != nil {
		return env, err
	}
	if err := p.exec(ctx, next, StepBootstrapToolchain, []string{toolchainManager, "default", version}, nil); err != nil {
		return env, err
	}
	var out bytes.Buffer
	if err := p.exec(ctx, next, StepBootstrapToolchain, []string{toolchainCompiler, "--version"}, &out); err != nil {
		return env, err
	}
	installed := parseCompilerVersion(out.String())
	if installed != version {
		return env, &StepError{Step: StepBootstrapToolchain, Err: fmt.Errorf("%w: wanted %s, compiler reports %q", ErrToolchainMismatch, version, strings.TrimSpace(out.String()))}
	}
	log.Info("toolchain ready", "version", installed, "bin", tc.BinDir)
	return next, nil
}

// parseCompilerVersion pulls 1.58.1 out of "rustc 1.58.1 (db9d1b20b 2022-01-20)"
func parseCompilerVersion(out string) string {
	fields := strings.Fields(out)
	if len(fields) < 2 {
		return ""
	}
	return fields[1]
}

func (p *Provisioner) installArgs(extra ...string) []string {
	return append([]string{
		p.recipe.Args.Builder.Installer,
		"install",
		"--no-cache-dir",
		"--prefix=" + p.recipe.Args.Builder.Prefix,
	}, extra...)
}

func (p *Provisioner) installManifest(ctx context.Context, env BuildEnv) (BuildEnv, error) {
	if err := p.exec(ctx, env, StepInstallManifest, []string{"mkdir", "-p", builderScratchDirPath}, nil); err != nil {
		return env, err
	}
	if err := p.engine.CopyTo(ctx, env.ContainerID, p.recipe.ManifestPath, builderManifestPath); err != nil {
		return env, &StepError{Step: StepInstallManifest, Err: err}
	}
	p.log.Named(StepInstallManifest).Info("installing manifest", "path", p.recipe.ManifestPath, "requirements", len(p.recipe.Manifest.Requirements))
	if err := p.exec(ctx, env, StepInstallManifest, p.installArgs("-r", builderManifestPath), nil); err != nil {
		return env, err
	}
	return env, nil
}

func (p *Provisioner) installExtraPackage(ctx context.Context, env BuildEnv) (BuildEnv, error) {
	pkg := p.recipe.Args.Builder.ExtraPackage
	if pkg == "" {
		p.log.Named(StepInstallExtraPackage).Info("no extra package requested")
		return env, nil
	}
	if err := p.exec(ctx, env, StepInstallExtraPackage, p.installArgs(pkg), nil); err != nil {
		return env, err
	}
	return env, nil
}

// Provision runs the builder stage and copies the installation prefix into
// outDir, which must not exist or be empty. On failure outDir is removed, so
// a partial prefix is never left behind.
func (p *Provisioner) Provision(ctx context.Context, outDir AbsPath) (prefix *InstallationPrefix, err error) {
	if entries, err := os.ReadDir(outDir.Raw()); err == nil && len(entries) != 0 {
		return nil, fmt.Errorf("prefix output dir %s is not empty", outDir)
	}
	if err := os.MkdirAll(outDir.Raw(), 0o755); err != nil {
		return nil, fmt.Errorf("error creating prefix output dir %s: %w", outDir, err)
	}
	defer func() {
		if err != nil {
			if rmErr := os.RemoveAll(outDir.Raw()); rmErr != nil {
				p.log.Warn("failed to remove partial prefix", "path", outDir, "error", rmErr)
			}
		}
	}()

	b := p.recipe.Args.Builder
	name := "transplant-builder-" + uuid.NewString()
	p.log.Info("starting builder", "image", p.recipe.BuilderBase, "platform", p.recipe.BuilderBase.PlatformString(), "name", name)
	id, err := p.engine.Start(ctx, StartOptions{
		Image:    p.recipe.BuilderBase.String(),
		Platform: p.recipe.BuilderBase.PlatformString(),
		Name:     name,
	})
	if err != nil {
		return nil, fmt.Errorf("error starting builder container: %w", err)
	}
	defer func() {
		var cleanupErr *multierror.Error
		// The caller's context may already be cancelled; the container still has to go
		if rmErr := p.engine.Remove(context.WithoutCancel(ctx), id); rmErr != nil {
			cleanupErr = multierror.Append(cleanupErr, fmt.Errorf("error removing builder container %s: %w", id, rmErr))
		}
		if cleanupErr.ErrorOrNil() != nil {
			p.log.Warn("builder cleanup failed", "error", cleanupErr)
		}
	}()

	env, err := RunSteps(ctx, p.log, p.Steps(), BuildEnv{ContainerID: id, State: StateInitial})
	if err != nil {
		return nil, err
	}
	if env.State != StateExtraInstalled {
		return nil, fmt.Errorf("%w: builder finished in state %s", ErrStepOrder, env.State)
	}

	if err := p.engine.CopyFrom(ctx, id, b.Prefix, outDir); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPrefixMissing, err)
	}
	prefix, err = SealPrefix(outDir, path.Clean(b.Prefix))
	if err != nil {
		return nil, err
	}
	p.log.Info("installation prefix sealed", "dir", prefix.Dir, "digest", prefix.Digest, "entries", prefix.Entries)
	return prefix, nil
}
