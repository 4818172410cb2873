package store

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/modmoto/w3champions-launcher/internal/model"
)

// SaveReport writes the latest network test report as JSON, replacing the
// previous snapshot atomically.
func SaveReport(path string, report model.NetworkTestReport) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".report-*.json")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// LoadReport reads a snapshot written by SaveReport.
func LoadReport(path string) (model.NetworkTestReport, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.NetworkTestReport{}, err
	}
	var report model.NetworkTestReport
	if err := json.Unmarshal(data, &report); err != nil {
		return model.NetworkTestReport{}, err
	}
	return report, nil
}
