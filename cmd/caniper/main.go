// Command caniper serves virtual gs_usb CAN adapters over USB/IP.
package main

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/Alia5/CANIPER/internal/cmd"
	"github.com/Alia5/CANIPER/internal/config"
	"github.com/Alia5/CANIPER/internal/configpaths"
	"github.com/Alia5/CANIPER/internal/log"

	_ "github.com/Alia5/CANIPER/internal/registry" // device types

	"github.com/alecthomas/kong"
	kongtoml "github.com/alecthomas/kong-toml"
	kongyaml "github.com/alecthomas/kong-yaml"
)

func main() {
	paths := configpaths.CandidatePaths(configFlag(os.Args[1:]))

	var cli config.CLI
	// flags and environment win over config files
	ctx := kong.Parse(&cli,
		kong.Name("caniper"),
		kong.Description("gs_usb CAN adapters over USB-IP"),
		kong.UsageOnError(),
		kong.Vars{"version": cmd.BuildVersion()},
		kong.Configuration(kong.JSON, paths[configpaths.JSON]...),
		kong.Configuration(kongyaml.Loader, paths[configpaths.YAML]...),
		kong.Configuration(kongtoml.Loader, paths[configpaths.TOML]...),
	)

	logger, closers, err := log.SetupLogger(cli.Log.Level, cli.Log.File)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to setup logger: " + err.Error() + "\n")
		os.Exit(2)
	}
	rawLogger, rawCloser := rawLog(cli.Log, logger)
	if rawCloser != nil {
		closers = append(closers, rawCloser)
	}

	ctx.Bind(logger)
	ctx.BindTo(rawLogger, (*log.RawLogger)(nil))
	err = ctx.Run()
	for _, c := range closers {
		_ = c.Close()
	}
	ctx.FatalIfErrorf(err)
}

// rawLog picks the USB/IP hex dump target: --log.raw-file, stdout at trace
// level, otherwise nowhere.
func rawLog(cfg config.Log, logger *slog.Logger) (log.RawLogger, io.Closer) {
	if cfg.RawFile != "" {
		f, err := os.OpenFile(cfg.RawFile, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
		if err != nil {
			logger.Error("Failed to open raw log file", "file", cfg.RawFile, "error", err)
			return log.NewRaw(nil), nil
		}
		return log.NewRaw(f), f
	}
	if log.ParseLevel(cfg.Level) <= log.LevelTrace {
		return log.NewRaw(os.Stdout), nil
	}
	return log.NewRaw(nil), nil
}

// configFlag finds --config before kong parses, so the file can be handed
// to the configuration loaders.
func configFlag(args []string) string {
	for i, a := range args {
		if v, ok := strings.CutPrefix(a, "--config="); ok {
			return v
		}
		if a == "--config" && i+1 < len(args) {
			return args[i+1]
		}
	}
	return os.Getenv("CANIPER_CONFIG")
}
