package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// FileName is the name of the identity configuration file inside the config directory.
const FileName = "config.yaml"

var (
	// ErrConfigMissing is returned when the config directory or file does not exist.
	ErrConfigMissing = errors.New("configuration missing")

	// ErrServerNotFound is returned when the requested server has no identity record.
	ErrServerNotFound = errors.New("server not configured")

	// ErrAmbiguousServer is returned when no server was named and several are configured.
	ErrAmbiguousServer = errors.New("multiple servers configured, select one with --server")

	// ErrMissingAttribute matches any MissingAttributeError.
	ErrMissingAttribute = errors.New("missing identity attribute")
)

// Field names as they appear in the configuration file.
const (
	FieldEmail             = "email"
	FieldURL               = "url"
	FieldFingerprint       = "fingerprint"
	FieldServerFingerprint = "server_fingerprint"
	FieldCountry           = "country"
	FieldState             = "state"
	FieldLocality          = "locality"
	FieldOrganizationName  = "organization_name"
	FieldCommonName        = "common_name"
)

// MissingAttributeError names an identity field that a stage needs but the record lacks.
type MissingAttributeError struct {
	Server string
	Field  string
}

func (e *MissingAttributeError) Error() string {
	if e.Server == "" {
		return fmt.Sprintf("missing identity attribute %q", e.Field)
	}
	return fmt.Sprintf("missing identity attribute %q for server %q", e.Field, e.Server)
}

// Is reports whether target is ErrMissingAttribute.
func (e *MissingAttributeError) Is(target error) bool {
	return target == ErrMissingAttribute
}

// Identity is the per-server record supplying the user's identity and the CA's.
type Identity struct {
	Name              string `yaml:"-"`
	Email             string `yaml:"email"`
	URL               string `yaml:"url"`
	Fingerprint       string `yaml:"fingerprint"`
	ServerFingerprint string `yaml:"server_fingerprint"`
	Country           string `yaml:"country"`
	State             string `yaml:"state"`
	Locality          string `yaml:"locality"`
	OrganizationName  string `yaml:"organization_name"`
	CommonName        string `yaml:"common_name"`
}

// Field returns the value of the named field and whether the name is known.
func (i Identity) Field(name string) (string, bool) {
	switch name {
	case FieldEmail:
		return i.Email, true
	case FieldURL:
		return i.URL, true
	case FieldFingerprint:
		return i.Fingerprint, true
	case FieldServerFingerprint:
		return i.ServerFingerprint, true
	case FieldCountry:
		return i.Country, true
	case FieldState:
		return i.State, true
	case FieldLocality:
		return i.Locality, true
	case FieldOrganizationName:
		return i.OrganizationName, true
	case FieldCommonName:
		return i.CommonName, true
	default:
		return "", false
	}
}

// Require checks the named fields are present, in order, and returns a
// MissingAttributeError for the first one that is empty.
func (i Identity) Require(fields ...string) error {
	for _, f := range fields {
		v, ok := i.Field(f)
		if !ok {
			return fmt.Errorf("unknown identity attribute %q", f)
		}
		if v == "" {
			return &MissingAttributeError{Server: i.Name, Field: f}
		}
	}
	return nil
}

// Config is the parsed identity configuration.
type Config struct {
	Path    string              `yaml:"-"`
	Servers map[string]Identity `yaml:"servers"`
}

// Load reads config.yaml from dir.
func Load(dir string) (*Config, error) {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: directory %s", ErrConfigMissing, dir)
	}

	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrConfigMissing, path)
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	cfg.Path = path

	log.Debug().Str("path", path).Int("servers", len(cfg.Servers)).Msg("config loaded")

	return cfg, nil
}

// Parse decodes YAML configuration data.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	if cfg.Servers == nil {
		cfg.Servers = make(map[string]Identity)
	}
	for name, id := range cfg.Servers {
		id.Name = name
		cfg.Servers[name] = id
	}

	return &cfg, nil
}

// Names returns the configured server names, sorted.
func (c *Config) Names() []string {
	names := make([]string, 0, len(c.Servers))
	for name := range c.Servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Select returns the identity for server. An empty name selects the only
// configured server and is an error when more than one exists.
func (c *Config) Select(server string) (Identity, error) {
	if server == "" {
		switch len(c.Servers) {
		case 0:
			return Identity{}, fmt.Errorf("%w: no servers in %s", ErrServerNotFound, c.Path)
		case 1:
			for _, id := range c.Servers {
				return id, nil
			}
		default:
			return Identity{}, fmt.Errorf("%w: %v", ErrAmbiguousServer, c.Names())
		}
	}

	id, ok := c.Servers[server]
	if !ok {
		return Identity{}, fmt.Errorf("%w: %q", ErrServerNotFound, server)
	}
	return id, nil
}
