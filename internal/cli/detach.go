package cli

import (
	"os"
	"os/exec"
	"syscall"

	"github.com/roxyhq/roxy/internal/log"
)

// spawnDetached re-executes the current binary in a new session with the
// daemonized marker set and stdio redirected to the log file, the Go
// equivalent of the classic double-fork.
func spawnDetached(home Home) (int, error) {
	exe, err := os.Executable()
	if err != nil {
		return 0, err
	}
	logFile, err := log.OpenLogFile(home.LogPath())
	if err != nil {
		return 0, err
	}
	defer logFile.Close()

	cmd := exec.Command(exe, "run")
	cmd.Env = append(os.Environ(), daemonizedEnv+"=1")
	cmd.Stdin = nil
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return 0, err
	}
	pid := cmd.Process.Pid
	// The child owns its own session; do not wait on it.
	if err := cmd.Process.Release(); err != nil {
		return pid, err
	}
	return pid, nil
}
