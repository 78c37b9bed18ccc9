package plugins

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"
)

// ManifestFile is the manifest name looked up in each plugin directory
const ManifestFile = "plugin.yaml"

var (
	semverRegex = regexp.MustCompile(`^v?(\d+)\.(\d+)\.(\d+)(-[a-zA-Z0-9.-]+)?(\+[a-zA-Z0-9.-]+)?$`)
	nameRegex   = regexp.MustCompile(`^[a-z0-9]([-a-z0-9.]*[a-z0-9])?$`)
	sha256Regex = regexp.MustCompile(`^[a-fA-F0-9]{64}$`)
)

// Manifest describes a plugin shipped as a directory (plugin.yaml next to a .wasm file)
type Manifest struct {
	Metadata     PluginMetadata         `yaml:"metadata"`
	Wasm         string                 `yaml:"wasm"`
	Operations   []Operation            `yaml:"operations"`
	Enabled      *bool                  `yaml:"enabled,omitempty"`
	FailOpen     bool                   `yaml:"failOpen"`
	PluginConfig map[string]interface{} `yaml:"pluginConfig,omitempty"`
}

// LoadManifest loads and parses a plugin manifest from a file
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}

	return &manifest, nil
}

// LoadManifestFromDir loads a plugin manifest from a directory (looks for plugin.yaml)
func LoadManifestFromDir(dir string) (*Manifest, error) {
	return LoadManifest(filepath.Join(dir, ManifestFile))
}

// SaveManifest saves a plugin manifest to a file
func SaveManifest(manifest *Manifest, path string) error {
	data, err := yaml.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}

	return nil
}

// WasmPath returns the bytecode path of a manifest found in dir
func (m *Manifest) WasmPath(dir string) string {
	wasm := m.Wasm
	if wasm == "" {
		wasm = "plugin.wasm"
	}
	if filepath.IsAbs(wasm) {
		return wasm
	}
	return filepath.Join(dir, wasm)
}

// ToConfig builds a PluginConfig carrying the bytecode inline
func (m *Manifest) ToConfig(bytecode []byte) PluginConfig {
	ops := m.Operations
	if len(ops) == 0 {
		ops = DefaultOperations()
	}
	enabled := true
	if m.Enabled != nil {
		enabled = *m.Enabled
	}
	return PluginConfig{
		Metadata:     m.Metadata,
		WasmBinary:   base64.StdEncoding.EncodeToString(bytecode),
		Operations:   ops,
		Enabled:      enabled,
		FailOpen:     m.FailOpen,
		PluginConfig: m.PluginConfig,
	}
}

// ValidateConfig performs basic validation on a plugin configuration
func ValidateConfig(cfg *PluginConfig) []ValidationError {
	var errs []ValidationError
	meta := cfg.Metadata

	if meta.Name == "" {
		errs = append(errs, NewValidationError("metadata.name", "Plugin name is required", ErrorTypeRequired))
	} else if !nameRegex.MatchString(meta.Name) {
		errs = append(errs, NewValidationError("metadata.name",
			fmt.Sprintf("Invalid plugin name: %s (lowercase alphanumerics, '-' and '.')", meta.Name), ErrorTypeInvalidPattern))
	}

	if meta.Version == "" {
		errs = append(errs, NewValidationError("metadata.version", "Version is required", ErrorTypeRequired))
	} else if !isValidSemver(meta.Version) {
		errs = append(errs, NewValidationError("metadata.version",
			fmt.Sprintf("Invalid semver format: %s", meta.Version), ErrorTypeInvalidPattern))
	}

	if meta.SHA256 != "" && !sha256Regex.MatchString(meta.SHA256) {
		errs = append(errs, NewValidationError("metadata.sha256", "sha256 must be 64 hex characters", ErrorTypeInvalidPattern))
	}

	if len(cfg.Operations) == 0 {
		errs = append(errs, NewValidationError("operations", "At least one operation is required", ErrorTypeRequired))
	}
	seen := make(map[Operation]bool, len(cfg.Operations))
	for _, op := range cfg.Operations {
		if seen[op] {
			errs = append(errs, NewValidationError("operations", fmt.Sprintf("Duplicate operation: %s", op), ErrorTypeDuplicate))
		}
		seen[op] = true
	}

	if !cfg.HasSource() {
		errs = append(errs, NewValidationError("wasmBinary", "A bytecode source is required", ErrorTypeRequired))
	}

	return errs
}

// isValidSemver checks if a version string follows semantic versioning
func isValidSemver(version string) bool {
	return semverRegex.MatchString(version)
}
