package model

import "time"

// Installation describes a single versioned binary root under
// installs/<version>/.
type Installation struct {
	Version string `json:"version"`
	Current bool   `json:"current"`
}

// Savefile describes a saved-game archive under saves/<name>.zip.
type Savefile struct {
	Name       string    `json:"name"`
	ModifiedAt time.Time `json:"modified_at"`
	SizeBytes  int64     `json:"size_bytes"`
}

// ModArtifact describes one on-disk mod archive under
// mods/<name>_<version>.zip.
type ModArtifact struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}
