// Command fsserver is the CBM filesystem server: it exposes one or more
// assigned drives (a local directory, a D64/D71/D81 disk image, or a
// network location) to a host speaking the framed wire protocol in
// internal/wire, over stdio or a TCP socket.
//
// Flags -A<drv>=[<provider>:]<path> and -X<bus>:<cmd> use the combined
// "-Xvalue" shape spec.md §6 inherited from the original fsser CLI, which
// pflag's GNU-style parser does not support (it wants "-X value" or
// "--xcmd=value"). Both are peeled off argv by hand before cobra ever
// sees it, matching the teacher's habit of pre-processing argv for
// shapes its flag library can't express directly.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"fsserver/internal/cbmlog"
	"fsserver/internal/config"
	"fsserver/internal/server"
	"fsserver/internal/version"
)

func main() {
	assigns, xcmds, rest := splitCombinedFlags(os.Args[1:])

	var (
		configPath string
		device     string
		advanced   bool
		verbose    bool
		daemonize  bool
	)

	root := &cobra.Command{
		Use:   "fsserver [run-directory]",
		Short: "Serve CBM-style drives over the framed filesystem wire protocol",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), runOpts{
				configPath: configPath,
				device:     device,
				advanced:   advanced,
				verbose:    verbose,
				daemonize:  daemonize,
				runDir:     firstOr(args, "."),
				assigns:    assigns,
				xcmds:      xcmds,
			})
		},
	}

	flags := root.Flags()
	flags.StringVar(&configPath, "config", "", "path to a JSON config file")
	flags.StringVarP(&device, "device", "d", "stdio", "transport: \"stdio\" or \"tcp:<addr>\"")
	flags.BoolVarP(&advanced, "advanced-wildcards", "w", false, "enable 1581-style advanced wildcard matching at startup")
	flags.BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	flags.BoolVarP(&daemonize, "daemonize", "D", false, "disable the interactive stdin admin UI")
	root.SetVersionTemplate(version.Get().String() + "\n")
	root.Version = version.Get().String()

	root.SetArgs(rest)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fsserver:", err)
		os.Exit(1)
	}
}

type runOpts struct {
	configPath string
	device     string
	advanced   bool
	verbose    bool
	daemonize  bool
	runDir     string
	assigns    []string
	xcmds      []string
}

func run(ctx context.Context, opts runOpts) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	if opts.device != "" && opts.device != "stdio" {
		cfg.Transport = opts.device
	}
	if opts.verbose {
		cfg.LogLevel = "debug"
	}

	for _, a := range opts.assigns {
		entry, err := config.ParseAssign(a)
		if err != nil {
			return err
		}
		cfg.Drives = append(cfg.Drives, entry)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := cbmlog.New(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return err
	}
	log := logger.WithField("component", "fsserver")

	if err := os.Chdir(opts.runDir); err != nil {
		return fmt.Errorf("fsserver: chdir %s: %w", opts.runDir, err)
	}

	srv, err := server.New(cfg, log)
	if err != nil {
		return err
	}
	srv.Dispatch.SetAdvancedWildcards(opts.advanced)
	srv.NoAdminUI = opts.daemonize

	for _, x := range opts.xcmds {
		log.Infof("startup xcmd: %s", x)
	}

	return srv.Run(ctx)
}

func firstOr(args []string, fallback string) string {
	if len(args) > 0 {
		return args[0]
	}
	return fallback
}

// splitCombinedFlags pulls "-A..." and "-X..." arguments (and their
// "--assign"/"--xcmd" long forms) out of args, returning their bodies
// plus the remaining argv for pflag to parse normally.
func splitCombinedFlags(args []string) (assigns, xcmds, rest []string) {
	for _, a := range args {
		switch {
		case strings.HasPrefix(a, "-A") && a != "-A":
			assigns = append(assigns, strings.TrimPrefix(a, "-A"))
		case strings.HasPrefix(a, "--assign="):
			assigns = append(assigns, strings.TrimPrefix(a, "--assign="))
		case strings.HasPrefix(a, "-X") && a != "-X":
			xcmds = append(xcmds, strings.TrimPrefix(a, "-X"))
		case strings.HasPrefix(a, "--xcmd="):
			xcmds = append(xcmds, strings.TrimPrefix(a, "--xcmd="))
		default:
			rest = append(rest, a)
		}
	}
	return assigns, xcmds, rest
}
