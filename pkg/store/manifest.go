package store

import (
	"encoding/json"
	"os"
	"path/filepath"
)

const manifestFileName = "manifest.json"
const formatVersion = 1

// Manifest is the root descriptor of a store directory: format version,
// the baseline it chains from (if any), and point-in-time snapshots of the
// session state that produced it.
type Manifest struct {
	FormatVersion       int             `json:"formatVersion"`
	BaselinePath        string          `json:"baselinePath,omitempty"`
	FilterSnapshot      json.RawMessage `json:"filterSnapshot,omitempty"`
	ServiceConfig       json.RawMessage `json:"serviceConfig,omitempty"`
	AuthCookieSnapshot  json.RawMessage `json:"authCookieSnapshot,omitempty"`
	Anchor              string          `json:"anchor,omitempty"`
}

func loadManifest(dir string) (Manifest, error) {
	raw, err := os.ReadFile(filepath.Join(dir, manifestFileName))
	if err != nil {
		return Manifest{}, err
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

func saveManifest(dir string, m Manifest) error {
	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".manifest-*.json")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(dir, manifestFileName))
}
