package namespace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// fileSchema is the YAML surface of a namespace file:
//
//	types:
//	  - type: doc
//	    relations:
//	      - name: direct_viewer
//	        subject_types: [user, group]
//	      - name: parent
//	    permissions:
//	      view:
//	        union:
//	          - this: true
//	          - tuple_to_userset: {tupleset: parent, computed: view}
type fileSchema struct {
	Types []typeSchema `yaml:"types"`
}

type typeSchema struct {
	Type        string                 `yaml:"type"`
	Relations   []relationSchema       `yaml:"relations"`
	Permissions map[string]rewriteYAML `yaml:"permissions"`
}

type relationSchema struct {
	Name         string   `yaml:"name"`
	SubjectTypes []string `yaml:"subject_types"`
	CrossTenant  bool     `yaml:"cross_tenant"`
}

// rewriteYAML is one rewrite node; exactly one field may be set.
type rewriteYAML struct {
	This            bool             `yaml:"this"`
	ComputedUserset string           `yaml:"computed_userset"`
	TupleToUserset  *ttuYAML         `yaml:"tuple_to_userset"`
	Union           []rewriteYAML    `yaml:"union"`
	Intersection    []rewriteYAML    `yaml:"intersection"`
	Exclusion       *exclusionYAML   `yaml:"exclusion"`
}

type ttuYAML struct {
	Tupleset string `yaml:"tupleset"`
	Computed string `yaml:"computed"`
}

type exclusionYAML struct {
	Include rewriteYAML `yaml:"include"`
	Exclude rewriteYAML `yaml:"exclude"`
}

func (r rewriteYAML) toRewrite(path string) (*Rewrite, error) {
	set := 0
	if r.This {
		set++
	}
	if r.ComputedUserset != "" {
		set++
	}
	if r.TupleToUserset != nil {
		set++
	}
	if len(r.Union) > 0 {
		set++
	}
	if len(r.Intersection) > 0 {
		set++
	}
	if r.Exclusion != nil {
		set++
	}
	if set != 1 {
		return nil, fmt.Errorf("namespace: rewrite at %s must set exactly one operator, got %d", path, set)
	}

	switch {
	case r.This:
		return This(), nil
	case r.ComputedUserset != "":
		return ComputedUserset(r.ComputedUserset), nil
	case r.TupleToUserset != nil:
		return TupleToUserset(r.TupleToUserset.Tupleset, r.TupleToUserset.Computed), nil
	case len(r.Union) > 0:
		children, err := toChildren(r.Union, path+".union")
		if err != nil {
			return nil, err
		}
		return Union(children...), nil
	case len(r.Intersection) > 0:
		children, err := toChildren(r.Intersection, path+".intersection")
		if err != nil {
			return nil, err
		}
		return Intersection(children...), nil
	default:
		include, err := r.Exclusion.Include.toRewrite(path + ".include")
		if err != nil {
			return nil, err
		}
		exclude, err := r.Exclusion.Exclude.toRewrite(path + ".exclude")
		if err != nil {
			return nil, err
		}
		return Exclusion(include, exclude), nil
	}
}

func toChildren(nodes []rewriteYAML, path string) ([]*Rewrite, error) {
	out := make([]*Rewrite, 0, len(nodes))
	for i, n := range nodes {
		c, err := n.toRewrite(fmt.Sprintf("%s[%d]", path, i))
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// Parse builds a Registry from YAML bytes, running full validation
// including the cycle check.
func Parse(data []byte) (*Registry, error) {
	var file fileSchema
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("namespace: parsing schema: %w", err)
	}
	if len(file.Types) == 0 {
		return nil, fmt.Errorf("namespace: schema declares no types")
	}

	defs := make([]*Definition, 0, len(file.Types))
	for _, ts := range file.Types {
		relations := make([]RelationDef, 0, len(ts.Relations))
		for _, rs := range ts.Relations {
			relations = append(relations, RelationDef{
				Name:         rs.Name,
				SubjectTypes: rs.SubjectTypes,
				CrossTenant:  rs.CrossTenant,
			})
		}
		permissions := make(map[string]*Rewrite, len(ts.Permissions))
		for name, node := range ts.Permissions {
			rw, err := node.toRewrite(ts.Type + "." + name)
			if err != nil {
				return nil, err
			}
			permissions[name] = rw
		}
		def, err := NewDefinition(ts.Type, relations, permissions)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return NewRegistry(defs...)
}

// Load reads and parses a namespace file.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path) // #nosec G304 - operator-controlled schema path
	if err != nil {
		return nil, fmt.Errorf("namespace: reading %s: %w", path, err)
	}
	return Parse(data)
}

// Watch reloads the schema file into store whenever it changes, until ctx is
// cancelled. A reload that fails to parse is logged and the previous
// registry stays live. Editors that replace the file (rename-over) generate
// Create events, so both Write and Create trigger a reload.
func Watch(ctx context.Context, path string, store *Store, logger *zap.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("namespace: starting watcher: %w", err)
	}

	// Watch the directory rather than the file so rename-over replacement
	// keeps working.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return fmt.Errorf("namespace: watching %s: %w", filepath.Dir(path), err)
	}

	go func() {
		defer watcher.Close()
		target := filepath.Clean(path)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				reg, err := Load(path)
				if err != nil {
					logger.Warn("namespace reload failed, keeping previous registry",
						zap.String("path", path), zap.Error(err))
					continue
				}
				store.Replace(reg)
				logger.Info("namespace registry reloaded",
					zap.String("path", path), zap.Int("types", len(reg.Types())))
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("namespace watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}
