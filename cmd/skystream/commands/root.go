// Package commands implements the skystream CLI.
package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marmos91/skystream/internal/logger"
	"github.com/marmos91/skystream/pkg/config"
)

// Version information, set by main from ldflags.
var (
	Version = "dev"
	Commit  = "none"
)

// defaultManifest is assumed when a mode flag is given without a value.
const defaultManifest = "skystream.json"

var (
	configFile string

	upManifest   string
	downManifest string
	sizeManifest string

	offsetFlag uint64
	lengthFlag uint64

	metricsListen string
)

var rootCmd = &cobra.Command{
	Use:   "skystream",
	Short: "Buffered, resumable streaming over Skynet-style portals",
	Long: `skystream moves byte streams to and from content-addressed portal
storage. A stream is identified by a JSON manifest file that names the
remote object and tracks its tip, so uploads resume exactly where they
left off.

At most one mode may be given:

  --up[=manifest.json]    read stdin and append it to the stream
  --down[=manifest.json]  write a byte range of the stream to stdout
  --size[=manifest.json]  print the stream's size in bytes

With no mode, a positional manifest argument selects download; without
one, upload to skystream.json is assumed.

Examples:
  # Upload a file, persisting progress to movie.json
  skystream --up=movie.json < movie.mkv

  # Download bytes [100, 1100) of the stream
  skystream --down=movie.json --offset 100 --length 1000 > clip.bin

  # Resume an interrupted upload: re-run with the same manifest
  tail -c +$(( $(skystream --size=movie.json) + 1 )) movie.mkv | skystream --up=movie.json`,
	Args:          cobra.MaximumNArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVar(&configFile, "config", "", "config file (default: $XDG_CONFIG_HOME/skystream/config.yaml)")

	flags.StringVar(&upManifest, "up", "", "upload stdin to the stream named by this manifest file")
	flags.StringVar(&downManifest, "down", "", "download the stream named by this manifest file to stdout")
	flags.StringVar(&sizeManifest, "size", "", "print the size of the stream named by this manifest file")
	flags.Lookup("up").NoOptDefVal = defaultManifest
	flags.Lookup("down").NoOptDefVal = defaultManifest
	flags.Lookup("size").NoOptDefVal = defaultManifest

	flags.Uint64Var(&offsetFlag, "offset", 0, "download start offset in bytes")
	flags.Uint64Var(&lengthFlag, "length", 0, "download length in bytes (0 = to end of stream)")

	flags.StringVar(&metricsListen, "metrics-listen", "", "serve /metrics and /healthz on this address while running")
}

// Execute runs the CLI.
func Execute() error {
	rootCmd.Version = fmt.Sprintf("%s (%s)", Version, Commit)
	return rootCmd.Execute()
}

func run(cmd *cobra.Command, args []string) error {
	modes := 0
	for _, m := range []string{upManifest, downManifest, sizeManifest} {
		if m != "" {
			modes++
		}
	}
	if modes > 1 {
		return fmt.Errorf("--up, --down and --size are mutually exclusive; launch multiple processes to do multiple things")
	}
	if modes == 0 {
		// With a positional manifest assume download; otherwise upload.
		if len(args) > 0 {
			downManifest = args[0]
			logger.Info("assuming download", "manifest", downManifest)
		} else {
			upManifest = defaultManifest
			logger.Info("assuming upload", "manifest", upManifest)
		}
	} else if len(args) > 0 {
		// A bare mode flag followed by a positional names the manifest.
		switch {
		case upManifest == defaultManifest:
			upManifest = args[0]
		case downManifest == defaultManifest:
			downManifest = args[0]
		case sizeManifest == defaultManifest:
			sizeManifest = args[0]
		}
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	if metricsListen != "" {
		cfg.MetricsListen = metricsListen
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}

	switch {
	case sizeManifest != "":
		return runSize(cmd.Context(), cfg, sizeManifest)
	case downManifest != "":
		return runDown(cmd.Context(), cfg, downManifest, offsetFlag, lengthFlag)
	default:
		return runUp(cmd.Context(), cfg, upManifest)
	}
}
