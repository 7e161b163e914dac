// Package cli dispatches the daemon's command surface and maps failures
// to the documented exit codes. The full user-facing CLI (register,
// unregister, trust-store setup) lives outside this binary; roxyd only
// needs to start and install its CA.
package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/roxyhq/roxy/internal/certs"
	"github.com/roxyhq/roxy/internal/config"
	"github.com/roxyhq/roxy/internal/daemon"
	"github.com/roxyhq/roxy/internal/domain"
	"github.com/roxyhq/roxy/internal/log"
	"github.com/roxyhq/roxy/internal/pidfile"
)

// Exit codes per the daemon contract.
const (
	ExitOK             = 0
	ExitError          = 1
	ExitConfigInvalid  = 2
	ExitBindFailed     = 3
	ExitCAMaterial     = 4
	ExitAlreadyRunning = 5
)

const daemonizedEnv = "ROXY_DAEMONIZED"

// Run dispatches the subcommand and returns the process exit code.
func Run(args []string) int {
	if len(args) == 0 {
		args = []string{"run"}
	}
	switch args[0] {
	case "run":
		return runDaemon(args[1:])
	case "install":
		return runInstall()
	case "-h", "--help", "help":
		usage()
		return ExitOK
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
		usage()
		return ExitError
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `roxyd - local development proxy daemon

Usage:
  roxyd run [--foreground] [--verbose]   start the daemon
  roxyd install                          generate the root CA if absent

Environment:
  ROXY_HOME   on-disk root (default ~/.roxy)
  ROXY_LOG    log level override: error|warn|info|debug
`)
}

func runDaemon(args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	foreground := fs.Bool("foreground", false, "stay attached to the terminal")
	verbose := fs.Bool("verbose", false, "log at debug level")
	if err := fs.Parse(args); err != nil {
		return ExitError
	}

	home := daemon.ResolveHome()
	if err := home.EnsureLayout(); err != nil {
		fmt.Fprintln(os.Stderr, "cannot create", home.Root+":", err)
		return ExitError
	}

	if !*foreground && os.Getenv(daemonizedEnv) != "1" {
		return detach(home)
	}

	sink := os.Stdout
	if !*foreground {
		f, err := log.OpenLogFile(home.LogPath())
		if err != nil {
			fmt.Fprintln(os.Stderr, "cannot open log file:", err)
			return ExitError
		}
		defer f.Close()
		sink = f
	}

	// The level starts from env/flag defaults; once the config loads the
	// daemon applies the full precedence chain.
	logger, level := log.New(sink, log.ResolveLevel(os.Getenv("ROXY_LOG"), *verbose, ""))

	d, err := daemon.New(home, logger, level)
	if err != nil {
		logger.Error("daemon failed to start", "err", err)
		return exitCodeFor(err)
	}
	level.Set(log.ResolveLevel(os.Getenv("ROXY_LOG"), *verbose, d.Snapshot().Daemon.LogLevel))

	if err := d.Run(context.Background()); err != nil {
		logger.Error("daemon exited with error", "err", err)
		return exitCodeFor(err)
	}
	return ExitOK
}

// detach re-executes the binary with the daemonized marker set, in its own
// session with stdio pointed at the log file, then leaves the child
// running in the background.
func detach(home Home) int {
	pid, err := spawnDetached(home)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to daemonize:", err)
		return ExitError
	}
	fmt.Printf("roxyd started (pid %d), logs at %s\n", pid, home.LogPath())
	return ExitOK
}

func runInstall() int {
	home := daemon.ResolveHome()
	if err := home.EnsureLayout(); err != nil {
		fmt.Fprintln(os.Stderr, "cannot create", home.Root+":", err)
		return ExitError
	}
	ca, err := certs.InstallCA(home.CertsDir())
	if err != nil {
		fmt.Fprintln(os.Stderr, "CA install failed:", err)
		return exitCodeFor(err)
	}
	fmt.Printf("root CA ready at %s (fingerprint %s)\n", home.CertsDir(), ca.Fingerprint())
	return ExitOK
}

// exitCodeFor maps error kinds onto the documented exit codes.
func exitCodeFor(err error) int {
	switch {
	case errors.Is(err, pidfile.ErrAlreadyRunning):
		return ExitAlreadyRunning
	case errors.Is(err, certs.ErrCorruptMaterial),
		errors.Is(err, certs.ErrExpired),
		errors.Is(err, certs.ErrCryptoGen):
		return ExitCAMaterial
	case errors.Is(err, daemon.ErrBindFailed):
		return ExitBindFailed
	case errors.Is(err, config.ErrConfigParse),
		errors.Is(err, domain.ErrInvalidDomain),
		errors.Is(err, domain.ErrInvalidRoute),
		errors.Is(err, domain.ErrDuplicateRoute),
		errors.Is(err, domain.ErrPortsCollide):
		return ExitConfigInvalid
	default:
		return ExitError
	}
}

// Home aliases the daemon's home type for the detach helper.
type Home = daemon.Home
