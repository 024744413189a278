package process

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/loykin/lazyvisor/internal/logger"
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// Definition describes a supervised server. It is immutable once loaded.
type Definition struct {
	Name       string   `json:"name"`
	Executable string   `json:"executable"`
	Args       []string `json:"args,omitempty"`
	WorkDir    string   `json:"work_dir,omitempty"`
	Env        []string `json:"env,omitempty"`

	// Log captures stdout/stderr. The zero value discards output.
	Log logger.FileConfig `json:"-"`

	// Per-server overrides; zero means use the supervisor default.
	InactivityTimeout time.Duration `json:"inactivity_timeout,omitempty"`
	GracePeriod       time.Duration `json:"grace_period,omitempty"`

	// Detached puts the server in its own session so it survives the
	// spawning process. Used by one-shot CLI commands.
	Detached bool `json:"-"`
}

// ValidName reports whether name is usable as a server key and file name.
func ValidName(name string) bool {
	if name == "." || name == ".." {
		return false
	}
	return namePattern.MatchString(name)
}

// Validate checks the fields required to spawn the server.
func (d Definition) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return errors.New("name is required")
	}
	if !ValidName(d.Name) {
		return fmt.Errorf("invalid name %q: use letters, digits, '.', '_' or '-'", d.Name)
	}
	if strings.TrimSpace(d.Executable) == "" {
		return fmt.Errorf("server %q: command is required", d.Name)
	}
	if d.InactivityTimeout < 0 || d.GracePeriod < 0 {
		return fmt.Errorf("server %q: timeouts cannot be negative", d.Name)
	}
	return nil
}

// Clone returns a deep copy.
func (d Definition) Clone() Definition {
	c := d
	c.Args = append([]string(nil), d.Args...)
	c.Env = append([]string(nil), d.Env...)
	return c
}

// CommandLine renders the executable and args for display.
func (d Definition) CommandLine() string {
	if len(d.Args) == 0 {
		return d.Executable
	}
	return d.Executable + " " + strings.Join(d.Args, " ")
}
