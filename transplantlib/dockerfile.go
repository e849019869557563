package transplantlib

import (
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"
)

const builderStageName = "builder"

func jsonArray(argv []string) string {
	out, err := json.Marshal(argv)
	if err != nil {
		panic(err)
	}
	return string(out)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// RenderDockerfile writes the recipe out as an equivalent two stage
// Dockerfile, for building with plain docker build instead of transplant.
// The manifest is expected next to the Dockerfile in the build context.
func RenderDockerfile(r *Recipe) string {
	b := r.Args.Builder
	rt := r.Args.Runtime
	out := &strings.Builder{}
	line := func(format string, args ...any) {
		fmt.Fprintf(out, format+"\n", args...)
	}

	from := "FROM "
	if p := r.BuilderBase.PlatformString(); p != "" {
		from += "--platform=" + p + " "
	}
	line("%s%s AS %s", from, r.BuilderBase, builderStageName)
	for _, k := range sortedKeys(b.Env) {
		line("ENV %s=%s", k, quoteArgv([]string{b.Env[k]}))
	}
	if len(b.OsPackages) != 0 {
		line("RUN apt-get update && DEBIAN_FRONTEND=noninteractive apt-get install -y --no-install-recommends %s && rm -rf /var/lib/apt/lists/*",
			quoteArgv(b.OsPackages))
	}
	tc := b.Toolchain
	version := r.Toolchain.String()
	line("RUN curl --proto '=https' --tlsv1.2 -sSf %s | sh -s -- %s",
		quoteArgv([]string{r.InstallerURL.String()}), quoteArgv(tc.InstallerArgs))
	line("ENV PATH=%s:$PATH", tc.BinDir)
	line("RUN %s toolchain install --profile minimal %s && %s default %s && %s --version | grep -qF %s",
		toolchainManager, version, toolchainManager, version, toolchainCompiler, quoteArgv([]string{toolchainCompiler + " " + version + " "}))
	manifestName := path.Base(r.ManifestPath.Raw())
	line("COPY %s %s", quoteArgv([]string{manifestName}), builderManifestPath)
	// Quote would wrap the whole --prefix= word
	install := quoteArgv([]string{b.Installer, "install", "--no-cache-dir"}) + " --prefix=" + quoteArgv([]string{b.Prefix})
	line("RUN %s -r %s", install, builderManifestPath)
	if b.ExtraPackage != "" {
		line("RUN %s %s", install, quoteArgv([]string{b.ExtraPackage}))
	}
	line("")

	from = "FROM "
	if p := r.RuntimeBase.PlatformString(); p != "" {
		from += "--platform=" + p + " "
	}
	line("%s%s", from, r.RuntimeBase)
	line("COPY --from=%s %s %s", builderStageName, b.Prefix, rt.InstallPath)
	for _, k := range sortedKeys(rt.AddEnv) {
		line("ENV %s=%s", k, quoteArgv([]string{rt.AddEnv[k]}))
	}
	for _, k := range sortedKeys(rt.Labels) {
		line("LABEL %s=%s", quoteArgv([]string{k}), quoteArgv([]string{rt.Labels[k]}))
	}
	if rt.WorkingDir != "" {
		line("WORKDIR %s", rt.WorkingDir)
	}
	if rt.User != "" {
		line("USER %s", rt.User)
	}
	if rt.StopSignal != "" {
		line("STOPSIGNAL %s", rt.StopSignal)
	}
	line("ENTRYPOINT []")
	line("CMD %s", jsonArray(r.Entrypoint.Argv()))
	return out.String()
}
