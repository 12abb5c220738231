// Package config loads the upgrade-guard YAML configuration.
package config

import (
	"bytes"
	"encoding/hex"
	"io"
	"os"
	"runtime"
	"strings"

	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"gopkg.in/yaml.v3"

	"upgrade-guard/internal/il"
	"upgrade-guard/internal/verify"
)

// Public key tokens of the .NET runtime distributions.
const (
	CoreToken      = "b03f5f7f11d50a3a"
	FrameworkToken = "b77a5c561934e089"
)

const (
	defaultLogLevel = "WARNING"
	tokenLength     = 8
)

// DefaultExtensions are the file extensions of compiled modules.
var DefaultExtensions = []string{".dll", ".exe"}

// Config is the upgrade-guard configuration file.
type Config struct {
	PersistenceAPI   PersistenceAPI `yaml:"persistence_api"`
	PlatformTokens   []string       `yaml:"platform_tokens,omitempty"`
	ModuleExtensions []string       `yaml:"module_extensions,omitempty"`
	ModuleMatch      string         `yaml:"module_match,omitempty"`
	Parallelism      int            `yaml:"parallelism,omitempty"`
	LogLevel         string         `yaml:"log_level,omitempty"`
}

// PersistenceAPI names the method through which services register
// persisted types.
type PersistenceAPI struct {
	DeclaringType string `yaml:"declaring_type,omitempty"`
	MethodName    string `yaml:"method_name,omitempty"`
}

// Default returns the built-in configuration.
func Default() *Config {
	var c Config
	applyDefaults(&c)

	return &c
}

// LoadFile loads and validates the YAML configuration at path.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Annotatef(err, "reading config file %s", path)
	}

	c, err := Parse(data)
	if err != nil {
		return nil, errors.Annotatef(err, "config file %s", path)
	}

	return c, nil
}

// Parse parses and validates YAML configuration data.
func Parse(data []byte) (*Config, error) {
	var c Config

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return nil, errors.Annotate(err, "parsing config YAML")
	}

	applyDefaults(&c)

	if err := c.Validate(); err != nil {
		return nil, errors.Trace(err)
	}

	return &c, nil
}

// applyDefaults fills in default values and normalizes the lists.
func applyDefaults(c *Config) {
	if c.PersistenceAPI.DeclaringType == "" {
		c.PersistenceAPI.DeclaringType = il.DefaultDeclaringType
	}

	if c.PersistenceAPI.MethodName == "" {
		c.PersistenceAPI.MethodName = il.DefaultMethodName
	}

	tokens := set.NewStrings(CoreToken, FrameworkToken)
	for _, t := range c.PlatformTokens {
		tokens.Add(strings.ToLower(strings.TrimSpace(t)))
	}

	c.PlatformTokens = tokens.SortedValues()

	if len(c.ModuleExtensions) == 0 {
		c.ModuleExtensions = DefaultExtensions
	}

	exts := set.NewStrings()
	for _, ext := range c.ModuleExtensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext != "" && !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}

		exts.Add(ext)
	}

	c.ModuleExtensions = exts.SortedValues()

	c.ModuleMatch = strings.ToLower(strings.TrimSpace(c.ModuleMatch))
	if c.ModuleMatch == "" {
		c.ModuleMatch = string(verify.MatchContains)
	}

	if c.Parallelism == 0 {
		c.Parallelism = runtime.NumCPU()
	}

	if c.LogLevel == "" {
		c.LogLevel = defaultLogLevel
	}
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if !strings.Contains(c.PersistenceAPI.DeclaringType, ".") {
		return errors.NotValidf("persistence_api.declaring_type %q (want a namespace-qualified name)", c.PersistenceAPI.DeclaringType)
	}

	for _, t := range c.PlatformTokens {
		if b, err := hex.DecodeString(t); err != nil || len(b) != tokenLength {
			return errors.NotValidf("platform token %q (want %d hex bytes)", t, tokenLength)
		}
	}

	for _, ext := range c.ModuleExtensions {
		if ext == "" || ext == "." || strings.ContainsAny(ext, `/\`) {
			return errors.NotValidf("module extension %q", ext)
		}
	}

	if _, err := verify.ParseMatchMode(c.ModuleMatch); err != nil {
		return errors.Trace(err)
	}

	if c.Parallelism < 1 {
		return errors.NotValidf("parallelism %d", c.Parallelism)
	}

	if _, ok := loggo.ParseLevel(c.LogLevel); !ok {
		return errors.NotValidf("log_level %q", c.LogLevel)
	}

	return nil
}

// Pattern returns the persistence API call pattern.
func (c *Config) Pattern() il.Pattern {
	return il.Pattern{
		DeclaringType: c.PersistenceAPI.DeclaringType,
		MethodName:    c.PersistenceAPI.MethodName,
	}
}

// Tokens returns the platform public key tokens.
func (c *Config) Tokens() set.Strings {
	return set.NewStrings(c.PlatformTokens...)
}

// Extensions returns the module file extensions.
func (c *Config) Extensions() set.Strings {
	return set.NewStrings(c.ModuleExtensions...)
}

// Match returns the V1 module matching rule.
func (c *Config) Match() verify.MatchMode {
	m, _ := verify.ParseMatchMode(c.ModuleMatch)

	return m
}

// Level returns the configured log level.
func (c *Config) Level() loggo.Level {
	level, _ := loggo.ParseLevel(c.LogLevel)

	return level
}
