package simulate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// FileName is the name a turbine's history is saved under.
func FileName(id string) string {
	return id + "_data.json"
}

// WriteFiles saves each turbine as a JSON array in dir and returns the paths.
func WriteFiles(dir string, turbines []Turbine) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	paths := make([]string, 0, len(turbines))
	for _, t := range turbines {
		data, err := json.MarshalIndent(t.Records, "", "  ")
		if err != nil {
			return paths, fmt.Errorf("failed to encode %s: %w", t.ID, err)
		}
		p := filepath.Join(dir, FileName(t.ID))
		if err := os.WriteFile(p, data, 0o644); err != nil {
			return paths, fmt.Errorf("failed to write %s: %w", p, err)
		}
		paths = append(paths, p)
	}
	return paths, nil
}
