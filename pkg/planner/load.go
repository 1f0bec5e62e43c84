package planner

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LoadDependencies loads a dependency file from YAML or JSON.
func LoadDependencies(path string) (*DependencyFile, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("dependency file path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return ParseDependenciesJSON(data)
	case ".yaml", ".yml":
		return ParseDependenciesYAML(data)
	default:
		return parseDependenciesAuto(data)
	}
}

// LoadPlan loads a precomputed plan in any supported shape.
func LoadPlan(path string) (*Plan, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("plan path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return DecodePlan(data)
}

func parseDependenciesAuto(data []byte) (*DependencyFile, error) {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "{") {
		return ParseDependenciesJSON(data)
	}
	return ParseDependenciesYAML(data)
}
