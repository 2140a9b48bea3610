// Package checkpoint resolves training revisions of the upstream model to
// weight files on disk. A checkpoint root holds one manifest plus one GGUF
// file per saved revision ("step256", "step1000", ...).
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const ManifestName = "manifest.json"

type Manifest struct {
	SchemaVersion int    `json:"schemaVersion"`
	ModelName     string `json:"model_name"`
	// Revisions maps a revision string to a weight file path relative to
	// the checkpoint root.
	Revisions map[string]string `json:"revisions"`
}

type ErrRevisionNotFound struct {
	Root     string
	Revision string
}

func (e ErrRevisionNotFound) Error() string {
	return fmt.Sprintf("revision %s not found under %s", e.Revision, e.Root)
}

// RevisionName returns the revision string for a checkpoint step.
func RevisionName(step int) string {
	return fmt.Sprintf("step%d", step)
}

// ReadManifest loads the manifest at the checkpoint root.
func ReadManifest(root string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(root, ManifestName))
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint manifest: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse checkpoint manifest: %w", err)
	}
	return &m, nil
}

// WriteManifest serializes a manifest to the checkpoint root.
func WriteManifest(root string, m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(root, ManifestName), data, 0644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return nil
}

// Resolve returns the weight file path for a revision. The manifest is
// authoritative; a listed file that does not exist is an error, not a
// fallback.
func Resolve(root, revision string) (string, error) {
	m, err := ReadManifest(root)
	if err != nil {
		return "", err
	}

	rel, ok := m.Revisions[revision]
	if !ok {
		return "", ErrRevisionNotFound{Root: root, Revision: revision}
	}

	path := filepath.Join(root, rel)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return "", fmt.Errorf("weight file for revision %s missing at %s", revision, path)
	}
	return path, nil
}

// ResolveStep resolves a checkpoint step number.
func ResolveStep(root string, step int) (string, error) {
	return Resolve(root, RevisionName(step))
}
