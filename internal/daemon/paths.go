package daemon

import (
	"os"
	"path/filepath"
)

// Home is the daemon's on-disk root. Layout:
//
//	<home>/config.toml
//	<home>/roxy.pid
//	<home>/certs/          ca + leaf material
//	<home>/logs/roxy.log
type Home struct {
	Root string
}

// ResolveHome applies the ROXY_HOME override, defaulting to ~/.roxy.
func ResolveHome() Home {
	if root := os.Getenv("ROXY_HOME"); root != "" {
		return Home{Root: root}
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return Home{Root: ".roxy"}
	}
	return Home{Root: filepath.Join(home, ".roxy")}
}

func (h Home) ConfigPath() string { return filepath.Join(h.Root, "config.toml") }
func (h Home) PidPath() string    { return filepath.Join(h.Root, "roxy.pid") }
func (h Home) CertsDir() string   { return filepath.Join(h.Root, "certs") }
func (h Home) LogsDir() string    { return filepath.Join(h.Root, "logs") }
func (h Home) LogPath() string    { return filepath.Join(h.LogsDir(), "roxy.log") }

// EnsureLayout creates the directory skeleton.
func (h Home) EnsureLayout() error {
	for _, dir := range []string{h.Root, h.CertsDir(), h.LogsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}
