package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/maxdollinger/docker2vm/internal/config"
	"github.com/maxdollinger/docker2vm/internal/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	slogcontext "github.com/veqryn/slog-context"
)

// app holds what every subcommand needs once flags are parsed.
type app struct {
	stdout  io.Writer
	stderr  io.Writer
	cfgFile string
	cfg     *config.Config
	logger  *slog.Logger
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	a := &app{stdout: stdout, stderr: stderr}

	root := &cobra.Command{
		Use:   "oci2vm",
		Short: "Convert OCI images into microVM root filesystems",
		Long: `oci2vm resolves a container image from a registry, an OCI layout
directory or an OCI tar archive, applies its layers and writes an ext4
rootfs image for the gondolin microVM sandbox.`,
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.cfgFile, "config", "", "config file (default is $XDG_CONFIG_HOME/docker2vm/config.yaml)")
	flags.String("cache-dir", "", "blob cache and history directory")
	flags.String("log-level", "", "log level: debug, info, warn, error")
	flags.String("log-format", "", "log format: text, json")

	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		return a.init(cmd)
	}

	root.AddCommand(newConvertCmd(a), newHistoryCmd(a), newCacheCmd(a))
	return root
}

// configFlags maps config keys to the flags that override them. Only flags
// defined on cmd are returned.
func configFlags(cmd *cobra.Command) map[string]*pflag.Flag {
	keys := map[string]string{
		"cache_dir":  "cache-dir",
		"log.level":  "log-level",
		"log.format": "log-format",
		"platform":   "platform",
		"guest.dir":  "guest-dir",
	}

	out := map[string]*pflag.Flag{}
	for key, name := range keys {
		if f := cmd.Flags().Lookup(name); f != nil {
			out[key] = f
		}
	}
	return out
}

func (a *app) init(cmd *cobra.Command) error {
	cfg, path, err := config.Load(config.LoadOptions{
		ConfigFile: a.cfgFile,
		Flags:      configFlags(cmd),
	})
	if err != nil {
		return err
	}

	logger, err := logging.New(a.stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	a.cfg = cfg
	a.logger = logger
	cmd.SetContext(slogcontext.NewCtx(cmd.Context(), logger))

	if path != "" {
		logger.DebugContext(cmd.Context(), "configuration loaded", "path", path)
	}
	return nil
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}
