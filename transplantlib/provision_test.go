package transplantlib

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFetcher struct {
	body  []byte
	err   error
	calls int
}

func (f *fakeFetcher) Fetch(ctx context.Context, u *url.URL) ([]byte, error) {
	f.calls++
	return f.body, f.err
}

type fakeExec struct {
	argv []string
	env  map[string]string
}

// fakeEngine records what the provisioner asks of it. exitCode decides the
// result of each exec; copyFrom fills the host prefix dir.
type fakeEngine struct {
	calls    []string
	execs    []fakeExec
	copied   map[string][]byte
	removed  []string
	compiler string
	exitCode func(argv []string) int
	copyFrom func(t *testing.T, dir AbsPath)
	t        *testing.T
}

func newFakeEngine(t *testing.T) *fakeEngine {
	return &fakeEngine{
		t:        t,
		copied:   map[string][]byte{},
		compiler: "rustc 1.58.1 (db9d1b20b 2022-01-20)\n",
		exitCode: func([]string) int { return 0 },
		copyFrom: fillPrefixTree,
	}
}

func (e *fakeEngine) Name() string    { return "fake" }
func (e *fakeEngine) Available() bool { return true }

func (e *fakeEngine) Start(ctx context.Context, opts StartOptions) (string, error) {
	e.calls = append(e.calls, fmt.Sprintf("start %s %s", opts.Image, opts.Platform))
	return "builder-1", nil
}

// unwrapPath strips the PATH-prepending shell wrapper exec adds once the
// toolchain is on the path.
func unwrapPath(command []string) []string {
	if len(command) > 4 && command[0] == "sh" && command[1] == "-c" && strings.Contains(command[2], builderPathVar) {
		return command[4:]
	}
	return command
}

func (e *fakeEngine) Exec(ctx context.Context, containerID string, command []string, opts ExecOptions) (*ExecResult, error) {
	argv := unwrapPath(command)
	e.calls = append(e.calls, "exec "+strings.Join(argv, " "))
	e.execs = append(e.execs, fakeExec{argv: argv, env: opts.Env})
	if argv[0] == toolchainCompiler {
		_, _ = io.WriteString(opts.Stdout, e.compiler)
	}
	return &ExecResult{ContainerID: containerID, ExitCode: e.exitCode(argv)}, nil
}

func (e *fakeEngine) CopyTo(ctx context.Context, containerID string, hostPath AbsPath, containerPath string) error {
	e.calls = append(e.calls, "copy-to "+containerPath)
	contents, err := os.ReadFile(hostPath.Raw())
	if err != nil {
		return err
	}
	e.copied[containerPath] = contents
	return nil
}

func (e *fakeEngine) CopyFrom(ctx context.Context, containerID string, containerDir string, hostDir AbsPath) error {
	e.calls = append(e.calls, "copy-from "+containerDir)
	e.copyFrom(e.t, hostDir)
	return nil
}

func (e *fakeEngine) Remove(ctx context.Context, containerID string) error {
	e.calls = append(e.calls, "remove "+containerID)
	e.removed = append(e.removed, containerID)
	return nil
}

func (e *fakeEngine) ran(prefix string) bool {
	for _, c := range e.calls {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

func newTestProvisioner(t *testing.T) (*Provisioner, *fakeEngine, *fakeFetcher) {
	engine := newFakeEngine(t)
	fetcher := &fakeFetcher{body: []byte(testInstaller)}
	recipe := loadTestRecipe(t, testRecipe, testRequirements)
	return NewProvisioner(engine, fetcher, recipe, hclog.NewNullLogger()), engine, fetcher
}

func TestProvision(t *testing.T) {
	p, engine, fetcher := newTestProvisioner(t)
	out := AbsPath(t.TempDir()).Join("prefix")

	prefix, err := p.Provision(context.Background(), out)
	require.NoError(t, err)

	want := []string{
		"start docker.io/library/python:3.8.12 linux/amd64",
		`exec sh -c apt-get update && apt-get install -y --no-install-recommends "$@" && rm -rf /var/lib/apt/lists/* sh curl`,
		"exec mkdir -p /tmp/transplant",
		"copy-to /tmp/transplant/toolchain-installer.sh",
		"exec sh /tmp/transplant/toolchain-installer.sh -y --no-modify-path --default-toolchain none --profile minimal",
		"exec rustup toolchain install --profile minimal 1.58.1",
		"exec rustup default 1.58.1",
		"exec rustc --version",
		"exec mkdir -p /tmp/transplant",
		"copy-to /tmp/transplant/requirements.txt",
		"exec pip install --no-cache-dir --prefix=/install -r /tmp/transplant/requirements.txt",
		"exec pip install --no-cache-dir --prefix=/install rich",
		"copy-from /install",
		"remove builder-1",
	}
	if diff := cmp.Diff(want, engine.calls); diff != "" {
		t.Errorf("engine calls mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 1, fetcher.calls)
	assert.Equal(t, testInstaller, string(engine.copied[builderInstallerPath]))
	assert.Equal(t, testRequirements, string(engine.copied[builderManifestPath]))

	// Toolchain binaries are on PATH for everything after the toolchain step
	for _, e := range engine.execs {
		switch e.argv[0] {
		case toolchainManager, toolchainCompiler, DefaultInstaller:
			assert.Equal(t, DefaultToolchainBin, e.env[builderPathVar], e.argv)
		}
		assert.Equal(t, "noninteractive", e.env["DEBIAN_FRONTEND"])
	}

	assert.Equal(t, out, prefix.Dir)
	assert.Equal(t, DefaultPrefix, prefix.ContainerPath)
	assert.NoError(t, prefix.Verify())
	assert.Equal(t, 11, prefix.Entries)
}

func TestProvisionInstallerFetchFailure(t *testing.T) {
	p, engine, fetcher := newTestProvisioner(t)
	fetcher.err = fmt.Errorf("%w: negotiated TLS 1.1", ErrInsecureTransport)
	out := AbsPath(t.TempDir()).Join("prefix")

	_, err := p.Provision(context.Background(), out)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInsecureTransport)
	assert.ErrorIs(t, err, ErrStepFailed)
	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, StepBootstrapToolchain, stepErr.Step)

	assert.False(t, engine.ran("copy-to"), "nothing copied into the builder")
	assert.False(t, engine.ran("exec sh /tmp/transplant"), "installer never executed")
	assert.False(t, engine.ran("exec rustup"))
	assert.False(t, engine.ran("exec pip"))
	assert.Equal(t, []string{"builder-1"}, engine.removed)
	assert.NoDirExists(t, out.Raw())
}

func TestProvisionManifestFailureSkipsExtraPackage(t *testing.T) {
	p, engine, _ := newTestProvisioner(t)
	engine.exitCode = func(argv []string) int {
		if argv[0] == DefaultInstaller && argv[len(argv)-2] == "-r" {
			return 1
		}
		return 0
	}
	out := AbsPath(t.TempDir()).Join("prefix")

	_, err := p.Provision(context.Background(), out)
	require.Error(t, err)
	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, StepInstallManifest, stepErr.Step)
	assert.Equal(t, 1, stepErr.ExitCode)

	assert.False(t, engine.ran("exec pip install --no-cache-dir --prefix=/install rich"))
	assert.False(t, engine.ran("copy-from"))
	assert.Equal(t, []string{"builder-1"}, engine.removed)
	assert.NoDirExists(t, out.Raw())
}

func TestProvisionToolchainMismatch(t *testing.T) {
	p, engine, _ := newTestProvisioner(t)
	engine.compiler = "rustc 1.59.0 (9d1b2106e 2022-02-23)\n"

	_, err := p.Provision(context.Background(), AbsPath(t.TempDir()).Join("prefix"))
	assert.ErrorIs(t, err, ErrToolchainMismatch)
	assert.False(t, engine.ran("exec pip"))
}

func TestProvisionEmptyPrefix(t *testing.T) {
	p, engine, _ := newTestProvisioner(t)
	engine.copyFrom = func(t *testing.T, dir AbsPath) {}
	out := AbsPath(t.TempDir()).Join("prefix")

	_, err := p.Provision(context.Background(), out)
	assert.ErrorIs(t, err, ErrPrefixMissing)
	assert.NoDirExists(t, out.Raw())
}

func TestProvisionRequiresEmptyOutDir(t *testing.T) {
	p, engine, _ := newTestProvisioner(t)
	out := writeFiles(t, map[string]string{"stale": "x"})

	_, err := p.Provision(context.Background(), out)
	require.Error(t, err)
	assert.Empty(t, engine.calls)
	assert.FileExists(t, filepath.Join(out.Raw(), "stale"))
}

func TestProvisionCanceled(t *testing.T) {
	p, engine, _ := newTestProvisioner(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Provision(ctx, AbsPath(t.TempDir()).Join("prefix"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"builder-1"}, engine.removed)
}

func TestRunStepsEnforcesOrder(t *testing.T) {
	ran := []string{}
	step := func(name string, from, to StageState) Step {
		return Step{Name: name, From: from, To: to, Run: func(ctx context.Context, env BuildEnv) (BuildEnv, error) {
			ran = append(ran, name)
			return env, nil
		}}
	}

	env, err := RunSteps(context.Background(), hclog.NewNullLogger(), []Step{
		step("a", StateInitial, StateOSToolReady),
		step("b", StateOSToolReady, StateToolchainReady),
	}, BuildEnv{})
	require.NoError(t, err)
	assert.Equal(t, StateToolchainReady, env.State)
	assert.Equal(t, []string{"a", "b"}, ran)

	ran = nil
	_, err = RunSteps(context.Background(), hclog.NewNullLogger(), []Step{
		step("a", StateInitial, StateOSToolReady),
		step("skip", StateToolchainReady, StateManifestInstalled),
		step("c", StateManifestInstalled, StateExtraInstalled),
	}, BuildEnv{})
	assert.ErrorIs(t, err, ErrStepOrder)
	assert.Equal(t, []string{"a"}, ran)
}

func TestRunStepsStopsOnFailure(t *testing.T) {
	boom := errors.New("boom")
	ran := []string{}
	_, err := RunSteps(context.Background(), hclog.NewNullLogger(), []Step{
		{Name: "a", From: StateInitial, To: StateOSToolReady, Run: func(ctx context.Context, env BuildEnv) (BuildEnv, error) {
			ran = append(ran, "a")
			return env, &StepError{Step: "a", Err: boom}
		}},
		{Name: "b", From: StateOSToolReady, To: StateToolchainReady, Run: func(ctx context.Context, env BuildEnv) (BuildEnv, error) {
			ran = append(ran, "b")
			return env, nil
		}},
	}, BuildEnv{})
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, err, ErrStepFailed)
	assert.Equal(t, []string{"a"}, ran)
}

func TestParseCompilerVersion(t *testing.T) {
	assert.Equal(t, "1.58.1", parseCompilerVersion("rustc 1.58.1 (db9d1b20b 2022-01-20)\n"))
	assert.Equal(t, "", parseCompilerVersion(""))
}

func TestBuildEnvWithPathCopies(t *testing.T) {
	a := BuildEnv{Path: []string{"/a"}}
	b := a.withPath("/b")
	assert.Equal(t, []string{"/a"}, a.Path)
	assert.Equal(t, []string{"/b", "/a"}, b.Path)
}
