package definition

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rendis/machina/pkg/schema"
)

// Loader reads workflow definition files (YAML or JSON), validates them
// against the workflow schema and the structural rules, and returns engine-
// ready definitions.
type Loader struct {
	validator *SchemaValidator
}

// NewLoader creates a Loader with a pre-compiled schema.
func NewLoader() (*Loader, error) {
	v, err := NewSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &Loader{validator: v}, nil
}

// Load decodes and fully validates one definition document.
func (l *Loader) Load(data []byte, name string) (*schema.WorkflowDefinition, error) {
	var raw map[string]any
	var def schema.WorkflowDefinition

	if strings.HasSuffix(name, ".json") {
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s: invalid JSON: %v", name, err).WithCause(err)
		}
		if err := l.validator.ValidateRaw(raw); err != nil {
			return nil, prefixPath(err, name)
		}
		if err := json.Unmarshal(data, &def); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s: %v", name, err).WithCause(err)
		}
	} else {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s: invalid YAML: %v", name, err).WithCause(err)
		}
		if err := l.validator.ValidateRaw(raw); err != nil {
			return nil, prefixPath(err, name)
		}
		if err := yaml.Unmarshal(data, &def); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s: %v", name, err).WithCause(err)
		}
	}

	if err := ValidateStructure(&def).ToError(); err != nil {
		return nil, prefixPath(err, name)
	}
	return &def, nil
}

// LoadFile loads and validates a single definition file.
func (l *Loader) LoadFile(path string) (*schema.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "read %s: %v", path, err).WithCause(err)
	}
	return l.Load(data, filepath.Base(path))
}

// LoadDir loads every .yaml/.yml/.json file under dir, failing on the first
// invalid document or duplicate workflow name.
func (l *Loader) LoadDir(dir string) ([]*schema.WorkflowDefinition, error) {
	var defs []*schema.WorkflowDefinition
	seen := make(map[string]string)

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isDefinitionFile(path) {
			return nil
		}
		def, err := l.LoadFile(path)
		if err != nil {
			return err
		}
		if prev, dup := seen[def.Name]; dup {
			return schema.NewErrorf(schema.ErrCodeConflict,
				"workflow %q defined in both %s and %s", def.Name, prev, path)
		}
		seen[def.Name] = path
		defs = append(defs, def)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return defs, nil
}

func isDefinitionFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}

func prefixPath(err error, name string) error {
	var mErr *schema.MachinaError
	if e, ok := err.(*schema.MachinaError); ok {
		mErr = e
	} else {
		return fmt.Errorf("%s: %w", name, err)
	}
	mErr.Message = name + ": " + mErr.Message
	return mErr
}
