package config

import (
	"fmt"
	"os"

	"github.com/curvescan/curvescan/internal/stream"
)

// LoadGroupTable returns the subscription group table. An empty path selects
// the compiled-in default table.
func LoadGroupTable(path string) ([]stream.GroupSpec, error) {
	if path == "" {
		return stream.DefaultGroupTable(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read group table %s: %w", path, err)
	}
	groups, err := stream.ParseGroupTable(data)
	if err != nil {
		return nil, fmt.Errorf("group table %s: %w", path, err)
	}
	return groups, nil
}
