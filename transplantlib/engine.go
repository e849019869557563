package transplantlib

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sort"
	"strings"
)

// Engine is the subset of a container engine the builder stage needs: a
// long-lived builder container to run steps in and copy files in and out of.
type Engine interface {
	Name() string
	Available() bool
	// Start creates and starts a detached container that idles until removed
	Start(ctx context.Context, opts StartOptions) (string, error)
	// Exec runs a command in a running container. A non-zero exit is reported
	// in the result, not as an error.
	Exec(ctx context.Context, containerID string, command []string, opts ExecOptions) (*ExecResult, error)
	CopyTo(ctx context.Context, containerID string, hostPath AbsPath, containerPath string) error
	// CopyFrom copies the contents of containerDir into hostDir, which must exist
	CopyFrom(ctx context.Context, containerID string, containerDir string, hostDir AbsPath) error
	Remove(ctx context.Context, containerID string) error
}

type StartOptions struct {
	Image string
	// os/arch[/variant], empty for the engine default
	Platform string
	Name     string
	Env      map[string]string
}

type ExecOptions struct {
	Env     map[string]string
	WorkDir string
	Stdin   io.Reader
	Stdout  io.Writer
	Stderr  io.Writer
}

type ExecResult struct {
	ContainerID string
	ExitCode    int
}

type EngineType string

const (
	EngineTypePodman EngineType = "podman"
	EngineTypeDocker EngineType = "docker"
	EngineTypeAuto   EngineType = "auto"
)

type ExecCommandFunc func(ctx context.Context, name string, arg ...string) *exec.Cmd

type CLIEngineOption func(*BaseCLIEngine)

// WithExecCommand replaces exec.CommandContext, for tests.
func WithExecCommand(fn ExecCommandFunc) CLIEngineOption {
	return func(e *BaseCLIEngine) {
		e.execCommand = fn
	}
}

func WithBinaryPath(p string) CLIEngineOption {
	return func(e *BaseCLIEngine) {
		e.binaryPath = p
	}
}

// BaseCLIEngine drives docker or podman through their (compatible) CLIs.
type BaseCLIEngine struct {
	name        string
	binaryPath  string
	execCommand ExecCommandFunc
}

func newBaseCLIEngine(name string, opts ...CLIEngineOption) *BaseCLIEngine {
	path, _ := exec.LookPath(name)
	e := &BaseCLIEngine{
		name:        name,
		binaryPath:  path,
		execCommand: exec.CommandContext,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *BaseCLIEngine) Name() string {
	return e.name
}

func (e *BaseCLIEngine) BinaryPath() string {
	return e.binaryPath
}

func sortedEnv(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := []string{}
	for _, k := range keys {
		out = append(out, "-e", fmt.Sprintf("%s=%s", k, env[k]))
	}
	return out
}

// StartArgs builds: <binary> run -d [options] --entrypoint sleep <image> infinity
func (e *BaseCLIEngine) StartArgs(opts StartOptions) []string {
	args := []string{"run", "-d"}
	if opts.Name != "" {
		args = append(args, "--name", opts.Name)
	}
	if opts.Platform != "" {
		args = append(args, "--platform", opts.Platform)
	}
	args = append(args, sortedEnv(opts.Env)...)
	args = append(args, "--entrypoint", "sleep", opts.Image, "infinity")
	return args
}

// ExecArgs builds: <binary> exec [options] <container> <command...>
func (e *BaseCLIEngine) ExecArgs(containerID string, command []string, opts ExecOptions) []string {
	args := []string{"exec"}
	if opts.Stdin != nil {
		args = append(args, "-i")
	}
	if opts.WorkDir != "" {
		args = append(args, "-w", opts.WorkDir)
	}
	args = append(args, sortedEnv(opts.Env)...)
	args = append(args, containerID)
	args = append(args, command...)
	return args
}

func (e *BaseCLIEngine) CreateCommand(ctx context.Context, args ...string) *exec.Cmd {
	return e.execCommand(ctx, e.binaryPath, args...)
}

func (e *BaseCLIEngine) RunCommandWithOutput(ctx context.Context, args ...string) (string, error) {
	cmd := e.CreateCommand(ctx, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("command %s %v failed: %w: %s", e.name, args, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

func (e *BaseCLIEngine) RunCommandStatus(ctx context.Context, args ...string) error {
	_, err := e.RunCommandWithOutput(ctx, args...)
	return err
}

func (e *BaseCLIEngine) Available() bool {
	if e.binaryPath == "" {
		return false
	}
	return e.CreateCommand(context.Background(), "version").Run() == nil
}

func (e *BaseCLIEngine) Start(ctx context.Context, opts StartOptions) (string, error) {
	if opts.Image == "" {
		return "", errors.New("no image to start")
	}
	out, err := e.RunCommandWithOutput(ctx, e.StartArgs(opts)...)
	if err != nil {
		return "", fmt.Errorf("error starting container from %s: %w", opts.Image, err)
	}
	id := strings.TrimSpace(out)
	if id == "" {
		return "", fmt.Errorf("%s returned no container id for %s", e.name, opts.Image)
	}
	// Pull progress can precede the id
	if lines := strings.Split(id, "\n"); len(lines) > 1 {
		id = strings.TrimSpace(lines[len(lines)-1])
	}
	return id, nil
}

func (e *BaseCLIEngine) Exec(ctx context.Context, containerID string, command []string, opts ExecOptions) (*ExecResult, error) {
	cmd := e.CreateCommand(ctx, e.ExecArgs(containerID, command, opts)...)
	cmd.Stdin = opts.Stdin
	cmd.Stdout = opts.Stdout
	cmd.Stderr = opts.Stderr
	err := cmd.Run()
	result := &ExecResult{ContainerID: containerID}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return nil, fmt.Errorf("error running %s exec in %s: %w", e.name, containerID, err)
	}
	return result, nil
}

func (e *BaseCLIEngine) CopyTo(ctx context.Context, containerID string, hostPath AbsPath, containerPath string) error {
	if err := e.RunCommandStatus(ctx, "cp", hostPath.Raw(), containerID+":"+containerPath); err != nil {
		return fmt.Errorf("error copying %s into container: %w", hostPath, err)
	}
	return nil
}

func (e *BaseCLIEngine) CopyFrom(ctx context.Context, containerID string, containerDir string, hostDir AbsPath) error {
	// Trailing /. copies the directory contents rather than the directory itself
	src := containerID + ":" + strings.TrimSuffix(containerDir, "/") + "/."
	if err := e.RunCommandStatus(ctx, "cp", src, hostDir.Raw()); err != nil {
		return fmt.Errorf("error copying %s out of container: %w", containerDir, err)
	}
	return nil
}

func (e *BaseCLIEngine) Remove(ctx context.Context, containerID string) error {
	return e.RunCommandStatus(ctx, "rm", "-f", containerID)
}

type DockerEngine struct {
	*BaseCLIEngine
}

func NewDockerEngine(opts ...CLIEngineOption) *DockerEngine {
	return &DockerEngine{BaseCLIEngine: newBaseCLIEngine(string(EngineTypeDocker), opts...)}
}

// Available also requires the daemon to answer, not just the client binary.
func (e *DockerEngine) Available() bool {
	if e.BinaryPath() == "" {
		return false
	}
	return e.CreateCommand(context.Background(), "version", "--format", "{{.Server.Version}}").Run() == nil
}

type PodmanEngine struct {
	*BaseCLIEngine
}

func NewPodmanEngine(opts ...CLIEngineOption) *PodmanEngine {
	return &PodmanEngine{BaseCLIEngine: newBaseCLIEngine(string(EngineTypePodman), opts...)}
}

// NewEngine returns the preferred engine, falling back to the other one.
func NewEngine(preferred EngineType, opts ...CLIEngineOption) (Engine, error) {
	var order []Engine
	switch preferred {
	case EngineTypeDocker:
		order = []Engine{NewDockerEngine(opts...), NewPodmanEngine(opts...)}
	case EngineTypePodman, EngineTypeAuto, "":
		order = []Engine{NewPodmanEngine(opts...), NewDockerEngine(opts...)}
	default:
		return nil, fmt.Errorf("unknown container engine type: %s", preferred)
	}
	for _, e := range order {
		if e.Available() {
			return e, nil
		}
	}
	return nil, fmt.Errorf("%w: tried %s and %s", ErrEngineNotAvailable, order[0].Name(), order[1].Name())
}
