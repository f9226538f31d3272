// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package ublk

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// Descriptor of a served device published in the run directory.
type Descriptor struct {
	ID          uint32  `json:"id"`
	BlockDevice string  `json:"block_device"`
	CharDevice  string  `json:"char_device"`
	PID         int     `json:"pid"`
	Queues      uint16  `json:"queues"`
	Depth       uint16  `json:"depth"`
	Sectors     uint64  `json:"sectors"`
	Target      string  `json:"target,omitempty"`
	VBlock      *uint32 `json:"vblock,omitempty"`
}

// DescriptorPath returns path of the descriptor of device id in dir.
func DescriptorPath(dir string, id uint32) string {
	return filepath.Join(dir, fmt.Sprintf("ublk%d.json", id))
}

// WriteDescriptor atomically stores desc in dir and returns its path.
func WriteDescriptor(dir string, desc Descriptor) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}

	b, err := json.MarshalIndent(desc, "", "  ")
	if err != nil {
		return "", err
	}

	path := DescriptorPath(dir, desc.ID)
	tmp := path + ".tmp"

	if err := os.WriteFile(tmp, b, 0644); err != nil {
		return "", err
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", err
	}

	return path, nil
}

// ReadDescriptors returns all descriptors in dir sorted by device id. A
// missing directory holds no descriptors.
func ReadDescriptors(dir string) ([]Descriptor, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "ublk*.json"))
	if err != nil {
		return nil, err
	}

	descs := make([]Descriptor, 0, len(paths))
	for _, p := range paths {
		b, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}

		var d Descriptor
		if err := json.Unmarshal(b, &d); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", p, err)
		}

		descs = append(descs, d)
	}

	sort.Slice(descs, func(i, j int) bool { return descs[i].ID < descs[j].ID })

	return descs, nil
}

// RemoveDescriptor removes descriptor of device id from dir if it exists.
func RemoveDescriptor(dir string, id uint32) error {
	err := os.Remove(DescriptorPath(dir, id))
	if os.IsNotExist(err) {
		return nil
	}

	return err
}
