// Package skills holds the agent's executable capabilities: filesystem
// access, shell, web, memory, scheduling. Each skill maps to one tool
// definition offered to the model.
package skills

import (
	"context"
	"sort"
	"sync"

	"github.com/nextlevelbuilder/haven/internal/providers"
)

// Skill is one executable capability.
type Skill interface {
	Name() string
	Description() string
	Parameters() map[string]any
	Execute(ctx context.Context, args map[string]any) *Result
}

// Tagged is an optional extension: skills expose tags used for matching
// a background task's description to the capabilities it needs.
type Tagged interface {
	Tags() []string
}

// Registry holds skills by name.
type Registry struct {
	mu     sync.RWMutex
	skills map[string]Skill
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{skills: make(map[string]Skill)}
}

// Register adds a skill, replacing any existing skill of the same name.
func (r *Registry) Register(s Skill) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.skills[s.Name()] = s
}

// Unregister removes a skill.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.skills, name)
}

// Get returns the named skill.
func (r *Registry) Get(name string) (Skill, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.skills[name]
	return s, ok
}

// List returns all skill names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.skills))
	for name := range r.skills {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions returns provider tool definitions for all skills.
func (r *Registry) Definitions() []providers.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.skills))
	for name := range r.skills {
		names = append(names, name)
	}
	sort.Strings(names)

	defs := make([]providers.ToolDefinition, 0, len(names))
	for _, name := range names {
		defs = append(defs, ToProviderDef(r.skills[name]))
	}
	return defs
}

// View returns a registry containing only skills the predicate admits.
// Used to hand sub-agents a restricted capability set.
func (r *Registry) View(keep func(name string) bool) *Registry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	view := NewRegistry()
	for name, s := range r.skills {
		if keep(name) {
			view.skills[name] = s
		}
	}
	return view
}

// Tags returns the named skill's tags, or nil when untagged.
func (r *Registry) Tags(name string) []string {
	s, ok := r.Get(name)
	if !ok {
		return nil
	}
	if tagged, ok := s.(Tagged); ok {
		return tagged.Tags()
	}
	return nil
}

// ToProviderDef converts a skill to a provider tool definition.
func ToProviderDef(s Skill) providers.ToolDefinition {
	return providers.ToolDefinition{
		Name:        s.Name(),
		Description: s.Description(),
		InputSchema: s.Parameters(),
	}
}
