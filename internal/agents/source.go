package agents

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/zjrosen/stepchat/internal/workflow"
)

// ErrUnknownModule is returned by sources that have no agents for a module.
var ErrUnknownModule = errors.New("unknown module")

// Source loads the agent list of a module.
type Source interface {
	AgentsForModule(ctx context.Context, moduleSlug string) ([]workflow.Agent, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, moduleSlug string) ([]workflow.Agent, error)

// AgentsForModule calls f.
func (f SourceFunc) AgentsForModule(ctx context.Context, moduleSlug string) ([]workflow.Agent, error) {
	return f(ctx, moduleSlug)
}

// StaticSource serves agents from memory.
type StaticSource struct {
	mu      sync.RWMutex
	modules map[string][]workflow.Agent
}

// NewStaticSource returns a StaticSource seeded with modules.
func NewStaticSource(modules map[string][]workflow.Agent) *StaticSource {
	s := &StaticSource{modules: make(map[string][]workflow.Agent, len(modules))}
	for slug, list := range modules {
		s.modules[slug] = append([]workflow.Agent(nil), list...)
	}
	return s
}

// Put replaces the agents of one module.
func (s *StaticSource) Put(moduleSlug string, list []workflow.Agent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modules[moduleSlug] = append([]workflow.Agent(nil), list...)
}

// AgentsForModule implements Source.
func (s *StaticSource) AgentsForModule(ctx context.Context, moduleSlug string) ([]workflow.Agent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	list, ok := s.modules[moduleSlug]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModule, moduleSlug)
	}
	return append([]workflow.Agent(nil), list...), nil
}

// Catalog is the on-disk agent catalog format.
//
//	modules:
//	  contracts:
//	    agents:
//	      - id: intake
//	        workflow_type: contract-intake
//	        title: Intake
type Catalog struct {
	Modules map[string]CatalogModule `yaml:"modules"`
}

// CatalogModule lists the agents of one module.
type CatalogModule struct {
	Title  string           `yaml:"title,omitempty"`
	Agents []workflow.Agent `yaml:"agents"`
}

// ParseCatalog decodes and validates a YAML catalog.
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parsing agent catalog: %w", err)
	}
	for slug, mod := range c.Modules {
		seen := make(map[string]bool, len(mod.Agents))
		for i, a := range mod.Agents {
			if a.ID == "" {
				return nil, fmt.Errorf("module %s: agent %d: id is required", slug, i)
			}
			if a.RoutingKey == "" {
				return nil, fmt.Errorf("module %s: agent %s: workflow_type is required", slug, a.ID)
			}
			if seen[a.ID] {
				return nil, fmt.Errorf("module %s: duplicate agent id %s", slug, a.ID)
			}
			seen[a.ID] = true
		}
	}
	return &c, nil
}

// FileSource reads a YAML catalog from disk on every load. Caching is the
// Manager's job.
type FileSource struct {
	Path string
}

// NewFileSource returns a FileSource for path.
func NewFileSource(path string) *FileSource {
	return &FileSource{Path: filepath.Clean(path)}
}

// AgentsForModule implements Source.
func (f *FileSource) AgentsForModule(ctx context.Context, moduleSlug string) ([]workflow.Agent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(f.Path) //nolint:gosec // G304: catalog path comes from user config
	if err != nil {
		return nil, fmt.Errorf("reading agent catalog: %w", err)
	}
	c, err := ParseCatalog(data)
	if err != nil {
		return nil, err
	}
	mod, ok := c.Modules[moduleSlug]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModule, moduleSlug)
	}
	return mod.Agents, nil
}
