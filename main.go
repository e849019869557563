package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/andrewbaxter/transplant/transplantlib"
	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type app struct {
	v        *viper.Viper
	settings *Settings
	log      hclog.Logger
}

func (a *app) setup(cmd *cobra.Command) error {
	settings, err := loadSettings(cmd, a.v)
	if err != nil {
		return err
	}
	a.settings = settings
	a.log = transplantlib.NewLogger("transplant", settings.LogLevel, nil)
	return nil
}

func (a *app) provision(ctx context.Context, recipe *transplantlib.Recipe, out transplantlib.AbsPath) (*transplantlib.InstallationPrefix, error) {
	engine, err := transplantlib.NewEngine(transplantlib.EngineType(a.settings.Engine))
	if err != nil {
		return nil, err
	}
	log := a.log.Named("builder")
	log.Info("using container engine", "engine", engine.Name())
	fetcher := transplantlib.NewFetcher(log)
	return transplantlib.NewProvisioner(engine, fetcher, recipe, log).Provision(ctx, out)
}

func (a *app) assemble(ctx context.Context, recipe *transplantlib.Recipe, prefix *transplantlib.InstallationPrefix, out transplantlib.AbsPath) error {
	log := a.log.Named("runtime")
	cacheDir := transplantlib.MakeAbsPath(a.settings.CacheDir)
	fromPath := transplantlib.BaseArchivePath(cacheDir, recipe.RuntimeBase)
	if err := transplantlib.PullBase(ctx, log, recipe.RuntimeBase, fromPath, a.settings.fromTransport()); err != nil {
		return err
	}
	res, err := transplantlib.AssembleRecipe(log, recipe, fromPath, prefix, out)
	if err != nil {
		return err
	}
	if err := transplantlib.VerifyTransplant(out); err != nil {
		return err
	}
	if err := transplantlib.AuditImage(out, recipe.Args.Runtime.ForbiddenPaths); err != nil {
		return err
	}
	log.Info("assembled image", "layout", out, "manifest", res.Manifest, "layer", res.TransplantLayer)
	return nil
}

func (a *app) publish(ctx context.Context, layout transplantlib.AbsPath, dest string) error {
	if dest == "" {
		return nil
	}
	return transplantlib.Publish(ctx, a.log.Named("runtime"), layout, dest, a.settings.destTransport())
}

func printJson(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newRootCommand() *cobra.Command {
	a := &app{v: newSettingsViper()}
	root := &cobra.Command{
		Use:           "transplant",
		Short:         "Build a slim runtime image from packages installed in a full builder image",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
	}
	addSettingsFlags(root, a.v)

	{
		var out, dest string
		cmd := &cobra.Command{
			Use:   "build RECIPE",
			Short: "Run the builder stage then assemble the runtime image",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				recipe, err := transplantlib.LoadRecipe(transplantlib.MakeAbsPath(args[0]))
				if err != nil {
					return err
				}
				work, err := os.MkdirTemp("", "transplant-build-*")
				if err != nil {
					return fmt.Errorf("error creating build work dir: %w", err)
				}
				defer os.RemoveAll(work)
				prefix, err := a.provision(cmd.Context(), recipe, transplantlib.MakeAbsPath(work).Join("prefix"))
				if err != nil {
					return err
				}
				layout := transplantlib.MakeAbsPath(out)
				if err := a.assemble(cmd.Context(), recipe, prefix, layout); err != nil {
					return err
				}
				return a.publish(cmd.Context(), layout, dest)
			},
		}
		cmd.Flags().StringVar(&out, "out", "", "Directory to write the image to as an OCI layout")
		cmd.Flags().StringVar(&dest, "dest", "", "Also publish the image here, ex: docker://registry/name:tag")
		_ = cmd.MarkFlagRequired("out")
		root.AddCommand(cmd)
	}

	{
		var out, record string
		cmd := &cobra.Command{
			Use:   "provision RECIPE",
			Short: "Run only the builder stage, leaving the installation prefix on the host",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				recipe, err := transplantlib.LoadRecipe(transplantlib.MakeAbsPath(args[0]))
				if err != nil {
					return err
				}
				outPath := transplantlib.MakeAbsPath(out)
				prefix, err := a.provision(cmd.Context(), recipe, outPath)
				if err != nil {
					return err
				}
				recordPath := transplantlib.MakeAbsPath(transplantlib.Def(record, outPath.Raw()+".json"))
				if err := prefix.Save(recordPath); err != nil {
					return err
				}
				a.log.Info("sealed installation prefix", "dir", prefix.Dir, "digest", prefix.Digest, "record", recordPath)
				return nil
			},
		}
		cmd.Flags().StringVar(&out, "out", "", "Directory to copy the installation prefix to")
		cmd.Flags().StringVar(&record, "record", "", "Where to write the prefix record. Defaults to OUT.json")
		_ = cmd.MarkFlagRequired("out")
		root.AddCommand(cmd)
	}

	{
		var prefixRecord, out, dest string
		cmd := &cobra.Command{
			Use:   "assemble RECIPE",
			Short: "Assemble the runtime image from a previously provisioned prefix",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				recipe, err := transplantlib.LoadRecipe(transplantlib.MakeAbsPath(args[0]))
				if err != nil {
					return err
				}
				prefix, err := transplantlib.LoadPrefixRecord(transplantlib.MakeAbsPath(prefixRecord))
				if err != nil {
					return err
				}
				layout := transplantlib.MakeAbsPath(out)
				if err := a.assemble(cmd.Context(), recipe, prefix, layout); err != nil {
					return err
				}
				return a.publish(cmd.Context(), layout, dest)
			},
		}
		cmd.Flags().StringVar(&prefixRecord, "prefix", "", "Prefix record written by provision")
		cmd.Flags().StringVar(&out, "out", "", "Directory to write the image to as an OCI layout")
		cmd.Flags().StringVar(&dest, "dest", "", "Also publish the image here, ex: docker://registry/name:tag")
		_ = cmd.MarkFlagRequired("prefix")
		_ = cmd.MarkFlagRequired("out")
		root.AddCommand(cmd)
	}

	root.AddCommand(&cobra.Command{
		Use:   "render RECIPE",
		Short: "Print the recipe as an equivalent two stage Dockerfile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			recipe, err := transplantlib.LoadRecipe(transplantlib.MakeAbsPath(args[0]))
			if err != nil {
				return err
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), transplantlib.RenderDockerfile(recipe))
			return err
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "audit LAYOUT [RECIPE]",
		Short: "Check an assembled image for forbidden paths and print its summary",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			layout := transplantlib.MakeAbsPath(args[0])
			var forbidden []string
			if len(args) > 1 {
				recipe, err := transplantlib.LoadRecipe(transplantlib.MakeAbsPath(args[1]))
				if err != nil {
					return err
				}
				forbidden = recipe.Args.Runtime.ForbiddenPaths
			}
			if err := transplantlib.VerifyTransplant(layout); err != nil {
				return err
			}
			if err := transplantlib.AuditImage(layout, forbidden); err != nil {
				return err
			}
			summary, err := transplantlib.InspectImage(layout)
			if err != nil {
				return err
			}
			return printJson(summary)
		},
	})

	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		transplantlib.NewLogger("transplant", transplantlib.GetLogLevel(), nil).Error("failed", "error", err)
		stop()
		os.Exit(1)
	}
}
