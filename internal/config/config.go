// Package config loads the boot manifest: core count, page-pool size, and
// the ordered module list a boot sequence runs RMLoad over. The reference
// compiles these quantities in as CK_types.h constants; this port replaces
// them with an inspectable YAML document, reusing gopkg.in/yaml.v3 the way
// the rest of the corpus's machine-manifest tooling does.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ModuleEntry names one module to load at boot, in manifest order, matching
// the RMLoad sequence osmodule.c/startup.c drive.
type ModuleEntry struct {
	Name    string            `yaml:"name"`
	Path    string            `yaml:"path"`
	Postfix string            `yaml:"postfix,omitempty"`
	Args    map[string]string `yaml:"args,omitempty"`
}

// Manifest is the top-level boot configuration document.
type Manifest struct {
	Cores         uint32        `yaml:"cores"`
	PagePoolPages uint32        `yaml:"page_pool_pages"`
	TaskPoolSize  uint32        `yaml:"task_pool_size"`
	SlotPoolSize  uint32        `yaml:"slot_pool_size"`
	PrivHeapBytes uint32        `yaml:"privileged_heap_bytes"`
	SharedHeapBytes uint32      `yaml:"shared_heap_bytes"`
	Modules       []ModuleEntry `yaml:"modules"`
}

// Load parses a boot manifest from path.
func Load(path string) (*Manifest, error) {
	bytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading manifest: %w", err)
	}
	return Parse(bytes)
}

// Parse decodes a boot manifest from raw YAML bytes and validates the
// quantities a scheduler/rawmem pool setup needs before it can run.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("config: parsing manifest: %w", err)
	}
	if m.Cores == 0 {
		return nil, fmt.Errorf("config: manifest must declare at least one core")
	}
	if m.TaskPoolSize == 0 || m.SlotPoolSize == 0 {
		return nil, fmt.Errorf("config: manifest must declare non-zero task_pool_size/slot_pool_size")
	}
	return &m, nil
}

// ArgsFor returns the boot-time arguments declared for a named module, or
// nil if the manifest has none, matching RMLoad's manifest-name lookup
// (section 4.10).
func (m *Manifest) ArgsFor(name string) map[string]string {
	for _, e := range m.Modules {
		if e.Name == name {
			return e.Args
		}
	}
	return nil
}
