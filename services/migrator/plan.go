package migrator

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// PlanFileName is looked up at the root of a SQL tree when no plan is given explicitly.
const PlanFileName = "plan.yaml"

// DefaultDirectories is the processing order used without a plan file: statements
// that prepare a managed instance, then bootstrap scripts, then incremental migrations.
var DefaultDirectories = []string{"init-for-rds", "init-scripts", "migrations"}

// Plan lists the directories of a SQL tree in processing order.
type Plan struct {
	Directories []string `yaml:"directories"`
}

// DefaultPlan returns a plan over DefaultDirectories.
func DefaultPlan() Plan {
	return Plan{Directories: append([]string(nil), DefaultDirectories...)}
}

// Validate rejects empty plans, duplicates and paths escaping the root.
func (p Plan) Validate() error {
	if len(p.Directories) == 0 {
		return errors.New("plan lists no directories")
	}
	seen := make(map[string]struct{}, len(p.Directories))
	for _, dir := range p.Directories {
		clean := filepath.Clean(strings.TrimSpace(dir))
		if clean == "." || clean == "" {
			return fmt.Errorf("plan directory %q is empty", dir)
		}
		if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
			return fmt.Errorf("plan directory %q must be relative to the sql root", dir)
		}
		if _, dup := seen[clean]; dup {
			return fmt.Errorf("plan directory %q listed twice", dir)
		}
		seen[clean] = struct{}{}
	}
	return nil
}

// LoadPlan reads a YAML plan file.
func LoadPlan(path string) (Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Plan{}, fmt.Errorf("read plan: %w", err)
	}
	var plan Plan
	if err := yaml.Unmarshal(data, &plan); err != nil {
		return Plan{}, fmt.Errorf("parse plan %s: %w", path, err)
	}
	if err := plan.Validate(); err != nil {
		return Plan{}, fmt.Errorf("plan %s: %w", path, err)
	}
	return plan, nil
}

// ResolvePlan loads explicit when set, otherwise root/plan.yaml when present,
// otherwise the default plan.
func ResolvePlan(root, explicit string) (Plan, error) {
	if strings.TrimSpace(explicit) != "" {
		return LoadPlan(explicit)
	}
	candidate := filepath.Join(root, PlanFileName)
	if _, err := os.Stat(candidate); err == nil {
		return LoadPlan(candidate)
	} else if !errors.Is(err, os.ErrNotExist) {
		return Plan{}, fmt.Errorf("stat plan: %w", err)
	}
	return DefaultPlan(), nil
}
