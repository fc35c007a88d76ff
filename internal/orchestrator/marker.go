package orchestrator

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mattjoyce/autoirida/internal/irida"
	"github.com/mattjoyce/autoirida/internal/parser"
)

// CompletionMarkerName is written into a run directory once IRIDA has
// confirmed the upload.
const CompletionMarkerName = "irida_upload_completed.json"

type completionMarker struct {
	RunID         string    `json:"run_id"`
	UploadedAt    time.Time `json:"uploaded_at"`
	IridaRun      string    `json:"irida_run,omitempty"`
	AlreadyExists bool      `json:"already_exists"`
	Fingerprint   string    `json:"fingerprint,omitempty"`
	Samples       int       `json:"samples"`
	Files         int       `json:"files"`
}

func hasCompletionMarker(dir string) bool {
	if dir == "" {
		return false
	}
	_, err := os.Stat(filepath.Join(dir, CompletionMarkerName))
	return err == nil
}

// readMarkerFingerprint returns the fingerprint recorded in dir's marker.
// Markers written by hand may carry none.
func readMarkerFingerprint(dir string) (string, error) {
	b, err := os.ReadFile(filepath.Join(dir, CompletionMarkerName))
	if err != nil {
		return "", err
	}
	var m completionMarker
	if err := json.Unmarshal(b, &m); err != nil {
		return "", fmt.Errorf("decode %s: %w", CompletionMarkerName, err)
	}
	return m.Fingerprint, nil
}

func writeCompletionMarker(m *parser.Manifest, res irida.Result, at time.Time) error {
	if m.Path == "" {
		return fmt.Errorf("run %s has no directory", m.RunID)
	}
	b, err := json.MarshalIndent(completionMarker{
		RunID:         m.RunID,
		UploadedAt:    at.UTC(),
		IridaRun:      res.RunIdentifier,
		AlreadyExists: res.AlreadyExists,
		Fingerprint:   m.Fingerprint,
		Samples:       len(m.Samples),
		Files:         m.FileCount(),
	}, "", "  ")
	if err != nil {
		return err
	}

	target := filepath.Join(m.Path, CompletionMarkerName)
	tmp, err := os.CreateTemp(m.Path, ".autoirida-marker-*")
	if err != nil {
		return fmt.Errorf("create marker: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(append(b, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("write marker: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close marker: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return fmt.Errorf("chmod marker: %w", err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return fmt.Errorf("install marker: %w", err)
	}
	return nil
}
