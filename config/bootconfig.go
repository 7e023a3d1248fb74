// Package config loads the optional bootconfig.toml consumed by the
// physical-memory bootstrap and the userspace heap/ASLR defaults, in
// place of parsing a real multiboot2 memory map.
package config

import (
	"os"

	"github.com/BurntSushi/toml"
)

// BootConfig holds every tunable the bootstrap protocol in mem.Bootstrap
// and the userspace managers need, with safe defaults when no file is
// present.
type BootConfig struct {
	// PhysMem describes the simulated physical memory map: a list of
	// usable [start, start+size) ranges, in bytes.
	PhysMem struct {
		Ranges   []MemRange `toml:"ranges"`
		LeafSize uint64     `toml:"leaf_size"`
	} `toml:"phys_mem"`

	// Heap configures the userspace free-list allocator.
	Heap struct {
		DefaultZoneSize uint64 `toml:"default_zone_size"`
	} `toml:"heap"`

	// ASLR configures the userspace address-space manager.
	ASLR struct {
		SeedHex string `toml:"seed_hex"`
	} `toml:"aslr"`
}

// MemRange is one usable physical range in the simulated memory map.
type MemRange struct {
	Start uint64 `toml:"start"`
	Size  uint64 `toml:"size"`
}

// Default returns the configuration used when no bootconfig.toml is
// supplied: one 64MiB usable range, a 4KiB leaf size, and ChaCha20
// seeded with a fixed all-zero key for reproducible tests.
func Default() *BootConfig {
	c := &BootConfig{}
	c.PhysMem.Ranges = []MemRange{{Start: 0, Size: 64 << 20}}
	c.PhysMem.LeafSize = 4096
	c.Heap.DefaultZoneSize = 1 << 20
	c.ASLR.SeedHex = ""
	return c
}

// Load reads path if it exists, overlaying onto Default(); if path does
// not exist, Default() is returned unchanged.
func Load(path string) (*BootConfig, error) {
	c := Default()
	if path == "" {
		return c, nil
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return nil, err
	}
	if _, err := toml.DecodeFile(path, c); err != nil {
		return nil, err
	}
	return c, nil
}
