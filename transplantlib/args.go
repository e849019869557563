package transplantlib

type ToolchainArgs struct {
	// Installer script location, must be https
	InstallerURL string `hcl:"installer_url"`
	// Exact MAJOR.MINOR.PATCH, no channels or ranges
	Version string `hcl:"version"`
	// Where the installer places toolchain binaries in the builder. Defaults to /root/.cargo/bin
	BinDir string `hcl:"bin_dir,optional"`
	// Arguments passed to the installer script. Defaults to a non-interactive install with no default toolchain
	InstallerArgs []string `hcl:"installer_args,optional"`
}

type ManifestArgs struct {
	// Requirements file, relative to the recipe
	Path string `hcl:"path"`
	// Reject requirements without an == constraint
	RequirePinned bool `hcl:"require_pinned,optional"`
}

type BuilderArgs struct {
	// repository:tag of the builder base
	Image string `hcl:"image"`
	// os/arch[/variant], defaults to the engine's platform
	Platform string `hcl:"platform,optional"`
	// OS packages installed before the toolchain. Defaults to curl
	OsPackages []string `hcl:"os_packages,optional"`
	// Installation prefix inside the builder. Defaults to /install
	Prefix string `hcl:"prefix,optional"`
	// Package installer executable. Defaults to pip
	Installer    string            `hcl:"installer,optional"`
	Env          map[string]string `hcl:"env,optional"`
	Toolchain    *ToolchainArgs    `hcl:"toolchain,block"`
	Manifest     *ManifestArgs     `hcl:"manifest,block"`
	ExtraPackage string            `hcl:"extra_package,optional"`
}

type EntrypointArgs struct {
	// Defaults to python
	Interpreter string `hcl:"interpreter,optional"`
	Module      string `hcl:"module"`
}

type RuntimeArgs struct {
	// repository:tag of the slim runtime base
	Image string `hcl:"image"`
	// Defaults to the builder platform
	Platform string `hcl:"platform,optional"`
	// Where the prefix lands in the runtime image. Defaults to /usr/local
	InstallPath string            `hcl:"install_path,optional"`
	WorkingDir  string            `hcl:"working_dir,optional"`
	User        string            `hcl:"user,optional"`
	AddEnv      map[string]string `hcl:"add_env,optional"`
	// Don't inherit env from the runtime base
	ClearEnv   bool              `hcl:"clear_env,optional"`
	Labels     map[string]string `hcl:"labels,optional"`
	StopSignal string            `hcl:"stop_signal,optional"`
	Entrypoint *EntrypointArgs   `hcl:"entrypoint,block"`
	// Paths (relative to image root) that must not exist in the final image
	ForbiddenPaths []string `hcl:"forbidden_paths,optional"`
}

type RecipeArgs struct {
	Builder *BuilderArgs `hcl:"builder,block"`
	Runtime *RuntimeArgs `hcl:"runtime,block"`
}

type AssembleArgs struct {
	// optional, if zero then "scratch" (no base layers, need Architecture and Os below)
	FromPath AbsPath
	// Defaults to FROM image architecture
	Architecture string
	// Defaults to FROM image os
	Os string
	// Sealed output of the builder stage
	Prefix *InstallationPrefix
	// Absolute path the prefix is re-rooted at
	InstallPath string
	// Don't inherit env from FROM image
	ClearEnv bool
	AddEnv   map[string]string
	// Defaults to FROM image working dir
	WorkingDir string
	// Defaults to FROM image user
	User       string
	Entrypoint Entrypoint
	StopSignal string
	Labels     map[string]string
	/// Where to place the built image as an oci-dir
	DestDirPath AbsPath
}
