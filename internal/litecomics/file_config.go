package litecomics

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v2"
)

// RootConfig is one configured root directory. In a config file a root may be written
// either as a bare path string or as an object with "path" and optional "name".
type RootConfig struct {
	Path string `json:"path" yaml:"path"`
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
}

// NewRootConfig returns a root for path named after its last element.
func NewRootConfig(path string) RootConfig {
	r := RootConfig{Path: path}
	r.normalize()
	return r
}

func (r *RootConfig) normalize() {
	if r.Name == "" {
		r.Name = filepath.Base(r.Path)
	}
}

// UnmarshalJSON accepts both the string and the object form.
func (r *RootConfig) UnmarshalJSON(data []byte) error {
	var s string
	if json.Unmarshal(data, &s) == nil {
		*r = RootConfig{Path: s}
		r.normalize()
		return nil
	}
	type plain RootConfig
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("root: %w", err)
	}
	*r = RootConfig(p)
	r.normalize()
	return nil
}

// UnmarshalYAML accepts both the string and the mapping form.
func (r *RootConfig) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if unmarshal(&s) == nil {
		*r = RootConfig{Path: s}
		r.normalize()
		return nil
	}
	type plain RootConfig
	var p plain
	if err := unmarshal(&p); err != nil {
		return fmt.Errorf("root: %w", err)
	}
	*r = RootConfig(p)
	r.normalize()
	return nil
}

// FileConfig is the on-disk configuration document.
type FileConfig struct {
	Port            int                                 `json:"port,omitempty" yaml:"port,omitempty"`
	Roots           []RootConfig                        `json:"roots,omitempty" yaml:"roots,omitempty"`
	DefaultLTR      *bool                               `json:"defaultLTR,omitempty" yaml:"defaultLTR,omitempty"`
	TLS             *TLSConfig                          `json:"tls,omitempty" yaml:"tls,omitempty"`
	Handlers        map[string]map[string]HandlerConfig `json:"handlers,omitempty" yaml:"handlers,omitempty"`
	ImageExtensions []string                            `json:"imageExtensions,omitempty" yaml:"imageExtensions,omitempty"`
}

// ReadFileConfig parses a JSON or YAML (by .yaml/.yml extension) config file.
func ReadFileConfig(path string) (FileConfig, error) {
	//nolint:gosec // G304: operator-supplied config path
	data, err := os.ReadFile(path)
	if err != nil {
		return FileConfig{}, err
	}

	var fc FileConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &fc)
	default:
		err = json.Unmarshal(data, &fc)
	}
	if err != nil {
		return FileConfig{}, fmt.Errorf("parse config %s: %w", path, err)
	}

	if fc.Port < 0 || fc.Port > 65535 {
		return FileConfig{}, fmt.Errorf("config %s: port must be in 1..65535", path)
	}
	for i, r := range fc.Roots {
		if r.Path == "" {
			return FileConfig{}, fmt.Errorf("config %s: root %d has empty path", path, i)
		}
	}
	if fc.TLS != nil && (fc.TLS.CertFile == "") != (fc.TLS.KeyFile == "") {
		return FileConfig{}, errors.New("config: tls requires both certFile and keyFile")
	}
	exts, err := parseExtensionsCSV(strings.Join(fc.ImageExtensions, ","))
	if err != nil {
		return FileConfig{}, fmt.Errorf("config %s: imageExtensions: %w", path, err)
	}
	fc.ImageExtensions = exts

	return fc, nil
}

func (fc FileConfig) applyTo(cfg *Config) {
	if fc.Port > 0 {
		cfg.Port = fc.Port
	}
	if len(fc.Roots) > 0 {
		cfg.Roots = append([]RootConfig(nil), fc.Roots...)
	}
	if fc.DefaultLTR != nil {
		cfg.DefaultLTR = *fc.DefaultLTR
	}
	if fc.TLS != nil {
		cfg.TLS = *fc.TLS
	}
	if fc.Handlers != nil {
		cfg.Handlers = fc.Handlers
	}
	cfg.ExtraImageExts = append(cfg.ExtraImageExts, fc.ImageExtensions...)
}
