// Package config loads gorcon connection profiles from TOML or YAML.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/chronologos/gorcon/internal/protocol"
	"github.com/chronologos/gorcon/internal/transport"
)

const (
	DefaultAddress = "127.0.0.1:27015"
	DefaultTimeout = 10 * time.Second
	DefaultProfile = "default"
)

var ErrUnknownProfile = errors.New("config: unknown profile")

// Profile describes one RCON server.
type Profile struct {
	Name           string `toml:"name" yaml:"name"`
	Address        string `toml:"address" yaml:"address"`
	Transport      string `toml:"transport" yaml:"transport"`
	Password       string `toml:"password" yaml:"password"`
	PasswordFile   string `toml:"password_file" yaml:"password_file"`
	MultiResponse  bool   `toml:"multi_response" yaml:"multi_response"`
	MaxPayloadSize int    `toml:"max_payload_size" yaml:"max_payload_size"`
	DefaultID      int32  `toml:"default_id" yaml:"default_id"`
	Insecure       bool   `toml:"insecure" yaml:"insecure"`
	Timeout        string `toml:"timeout" yaml:"timeout"`
}

// File is the on-disk layout.
type File struct {
	DefaultProfile string    `toml:"default_profile" yaml:"default_profile"`
	Profiles       []Profile `toml:"profiles" yaml:"profiles"`

	// Warnings collects non-fatal problems found while loading, such as
	// loose permissions on a file that stores passwords.
	Warnings []string `toml:"-" yaml:"-"`
}

// DefaultPath returns ~/.config/gorcon/config.toml.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return filepath.Join(".", ".gorcon", "config.toml")
	}
	return filepath.Join(dir, "gorcon", "config.toml")
}

// Defaults returns the profile used when no file or field overrides it.
func Defaults() Profile {
	return Profile{
		Name:           DefaultProfile,
		Address:        DefaultAddress,
		Transport:      transport.DialTCP.String(),
		MaxPayloadSize: protocol.DefaultMaxPayloadSize,
		Timeout:        DefaultTimeout.String(),
	}
}

// Load reads path. The decoder is picked by extension: .yaml and .yml use
// YAML, anything else TOML. A missing file yields an empty File.
func Load(path string) (*File, error) {
	f := &File{}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return f, nil
		}
		return nil, fmt.Errorf("config load failed (%s): %w", path, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config load failed (%s): %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, f)
	default:
		_, err = toml.Decode(string(data), f)
	}
	if err != nil {
		return nil, fmt.Errorf("config parse failed (%s): %w", path, err)
	}

	if perm := info.Mode().Perm(); perm&0o077 != 0 && f.hasPasswords() {
		f.Warnings = append(f.Warnings, fmt.Sprintf(
			"config file %s has permissions %04o, expected 0600; stored passwords may be readable by other users",
			path, perm))
	}

	for i, p := range f.Profiles {
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("profiles[%d] invalid: %w", i, err)
		}
	}
	return f, nil
}

func (f *File) hasPasswords() bool {
	for _, p := range f.Profiles {
		if p.Password != "" {
			return true
		}
	}
	return false
}

// Profile returns the named profile merged over Defaults. An empty name
// selects DefaultProfile from the file, then "default". Asking for the
// implicit default when the file does not define it returns Defaults.
func (f *File) Profile(name string) (Profile, error) {
	explicit := name != ""
	if name == "" {
		name = f.DefaultProfile
	}
	if name == "" {
		name = DefaultProfile
	}
	for _, p := range f.Profiles {
		if p.Name == name {
			return Defaults().Merge(p), nil
		}
	}
	if !explicit && name == DefaultProfile {
		return Defaults(), nil
	}
	return Profile{}, fmt.Errorf("%w %q", ErrUnknownProfile, name)
}

// Merge returns p with every non-zero field of o applied on top.
func (p Profile) Merge(o Profile) Profile {
	if o.Name != "" {
		p.Name = o.Name
	}
	if o.Address != "" {
		p.Address = o.Address
	}
	if o.Transport != "" {
		p.Transport = o.Transport
	}
	if o.Password != "" {
		p.Password = o.Password
	}
	if o.PasswordFile != "" {
		p.PasswordFile = o.PasswordFile
	}
	if o.MultiResponse {
		p.MultiResponse = true
	}
	if o.MaxPayloadSize != 0 {
		p.MaxPayloadSize = o.MaxPayloadSize
	}
	if o.DefaultID != 0 {
		p.DefaultID = o.DefaultID
	}
	if o.Insecure {
		p.Insecure = true
	}
	if o.Timeout != "" {
		p.Timeout = o.Timeout
	}
	return p
}

// Validate checks the fields that are set. Empty fields are left for
// Defaults to fill.
func (p Profile) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("profile missing name")
	}
	if p.Address != "" {
		if _, _, err := net.SplitHostPort(p.Address); err != nil {
			return fmt.Errorf("profile %q address: %w", p.Name, err)
		}
	}
	if _, err := transport.ParseDialMode(p.Transport); err != nil {
		return fmt.Errorf("profile %q: %w", p.Name, err)
	}
	if p.MaxPayloadSize < 0 {
		return fmt.Errorf("profile %q max_payload_size must not be negative", p.Name)
	}
	if p.Timeout != "" {
		if _, err := time.ParseDuration(p.Timeout); err != nil {
			return fmt.Errorf("profile %q timeout: %w", p.Name, err)
		}
	}
	return nil
}

// TimeoutDuration parses Timeout, falling back to DefaultTimeout when empty.
func (p Profile) TimeoutDuration() (time.Duration, error) {
	if p.Timeout == "" {
		return DefaultTimeout, nil
	}
	return time.ParseDuration(p.Timeout)
}

// DialMode parses Transport.
func (p Profile) DialMode() (transport.DialMode, error) {
	return transport.ParseDialMode(p.Transport)
}
