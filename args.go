package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/andrewbaxter/transplant/transplantlib"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Settings are tool settings, as opposed to the recipe: where things run and
// with what credentials. Set via flags, TRANSPLANT_* env vars or a config file.
type Settings struct {
	Engine   string `mapstructure:"engine"`
	CacheDir string `mapstructure:"cache_dir"`
	LogLevel string `mapstructure:"log_level"`
	// Credentials for pulling base images
	FromAuth transplantlib.RegistryAuth `mapstructure:"from_auth"`
	// Credentials for publishing the result
	DestAuth              transplantlib.RegistryAuth `mapstructure:"dest_auth"`
	InsecurePolicy        bool                       `mapstructure:"insecure_policy"`
	InsecureSkipTLSVerify bool                       `mapstructure:"insecure_skip_tls_verify"`
}

func (s Settings) fromTransport() transplantlib.TransportOptions {
	return transplantlib.TransportOptions{
		Auth:                  s.FromAuth,
		InsecurePolicy:        s.InsecurePolicy,
		InsecureSkipTLSVerify: s.InsecureSkipTLSVerify,
	}
}

func (s Settings) destTransport() transplantlib.TransportOptions {
	return transplantlib.TransportOptions{
		Auth:                  s.DestAuth,
		InsecurePolicy:        s.InsecurePolicy,
		InsecureSkipTLSVerify: s.InsecureSkipTLSVerify,
	}
}

func defaultCacheDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "transplant")
	}
	return filepath.Join(dir, "transplant")
}

func newSettingsViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("TRANSPLANT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("engine", string(transplantlib.EngineTypeAuto))
	v.SetDefault("cache_dir", defaultCacheDir())
	v.SetDefault("log_level", transplantlib.GetLogLevel())
	v.SetDefault("from_auth.user", "")
	v.SetDefault("from_auth.password", "")
	v.SetDefault("dest_auth.user", "")
	v.SetDefault("dest_auth.password", "")
	v.SetDefault("insecure_policy", false)
	v.SetDefault("insecure_skip_tls_verify", false)
	return v
}

func addSettingsFlags(cmd *cobra.Command, v *viper.Viper) {
	flags := cmd.PersistentFlags()
	flags.String("config", "", "Settings file (yaml, json or toml)")
	flags.String("engine", string(transplantlib.EngineTypeAuto), "Container engine for the builder stage: docker, podman or auto")
	flags.String("cache-dir", defaultCacheDir(), "Where pulled base images are cached")
	flags.String("log-level", transplantlib.GetLogLevel(), "trace, debug, info, warn or error")
	flags.Bool("insecure-policy", false, "Accept images without checking the signature policy")
	flags.Bool("insecure-skip-tls-verify", false, "Skip registry TLS verification")
	for key, flag := range map[string]string{
		"engine":                   "engine",
		"cache_dir":                "cache-dir",
		"log_level":                "log-level",
		"insecure_policy":          "insecure-policy",
		"insecure_skip_tls_verify": "insecure-skip-tls-verify",
	} {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(err)
		}
	}
}

func loadSettings(cmd *cobra.Command, v *viper.Viper) (*Settings, error) {
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading settings file %s: %w", configPath, err)
		}
	}
	var settings Settings
	if err := v.Unmarshal(&settings); err != nil {
		return nil, fmt.Errorf("failed to parse settings: %w", err)
	}
	switch transplantlib.EngineType(settings.Engine) {
	case transplantlib.EngineTypeAuto, transplantlib.EngineTypeDocker, transplantlib.EngineTypePodman:
	default:
		return nil, fmt.Errorf("unknown engine %q", settings.Engine)
	}
	return &settings, nil
}
