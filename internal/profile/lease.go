package profile

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Mode describes how a profile directory was handed out.
type Mode int

// Allocation modes.
const (
	ModeSequential Mode = iota
	ModeRandom
	ModePermanent
)

func (m Mode) String() string {
	switch m {
	case ModeSequential:
		return "sequential"
	case ModeRandom:
		return "random"
	case ModePermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Permanent names the profiles that are never created per allocation and never reclaimed.
type Permanent int

// Permanent profiles.
const (
	SystemDefault Permanent = iota
	Default
	Prototype
)

func (p Permanent) String() string {
	switch p {
	case SystemDefault:
		return "system-default"
	case Default:
		return "default"
	case Prototype:
		return "prototype"
	default:
		return "unknown"
	}
}

// ParseMode maps a configured mode name to an allocation mode. The names of
// the permanent profiles select ModePermanent with that profile; an empty
// name means sequential.
func ParseMode(name string) (Mode, Permanent, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "sequential":
		return ModeSequential, 0, nil
	case "random":
		return ModeRandom, 0, nil
	}
	for _, p := range []Permanent{SystemDefault, Default, Prototype} {
		if strings.EqualFold(name, p.String()) {
			return ModePermanent, p, nil
		}
	}
	return 0, 0, fmt.Errorf("unknown profile mode %q", name)
}

// Fingerprint identifies the browser identity a sequential pool serves.
type Fingerprint struct {
	BrowserKind string
	UserAgent   string
}

// Lease is a profile directory handed to exactly one browser launcher.
type Lease struct {
	Group       string
	BrowserKind string
	// Path is the cx.* directory. The browser's user data dir and the
	// sentinel files live inside it.
	Path string
	Mode Mode
}

// UserDataDir is the directory passed to the browser as its user data dir.
func (l Lease) UserDataDir() string {
	if l.Mode == ModePermanent {
		return l.Path
	}
	return filepath.Join(l.Path, strings.ToLower(l.BrowserKind))
}

// PIDFile is the launcher.pid sentinel, a sibling of the user data dir.
func (l Lease) PIDFile() string {
	return filepath.Join(filepath.Dir(l.UserDataDir()), PIDFileName)
}

// PortFile is the port sentinel, a sibling of the user data dir.
func (l Lease) PortFile() string {
	return filepath.Join(filepath.Dir(l.UserDataDir()), PortFileName)
}
