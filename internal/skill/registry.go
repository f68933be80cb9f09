// Package skill loads expert (sub-agent) definitions and exposes a
// read-only capability catalog to the orchestrator.
package skill

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"steward/internal/domain"

	"gopkg.in/yaml.v3"
)

const descriptorFile = "SKILL.md"

// frontmatter is the YAML block at the top of a SKILL.md file.
type frontmatter struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Tools       []string `yaml:"tools,omitempty"`
}

// Registry holds the loaded skill descriptors. The catalog is read-mostly
// and swapped atomically on refresh; descriptors handed out before a refresh
// stay valid (they are values, never mutated).
type Registry struct {
	dir    string
	logger *slog.Logger

	mu     sync.RWMutex
	skills map[string]domain.SkillDescriptor
}

func NewRegistry(dir string, logger *slog.Logger) *Registry {
	return &Registry{
		dir:    dir,
		logger: logger,
		skills: make(map[string]domain.SkillDescriptor),
	}
}

// Load scans the skills directory and swaps in the new catalog atomically.
// Each subdirectory containing a SKILL.md becomes one descriptor; a
// malformed entry is skipped and logged, never fatal to the whole load.
// Re-loading is idempotent.
func (r *Registry) Load() error {
	entries, err := os.ReadDir(r.dir)
	if os.IsNotExist(err) {
		r.logger.Debug("skills directory does not exist, loading empty catalog", "dir", r.dir)
		r.swap(map[string]domain.SkillDescriptor{})
		return nil
	}
	if err != nil {
		return fmt.Errorf("read skills dir: %w", err)
	}

	loaded := make(map[string]domain.SkillDescriptor)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id := entry.Name()
		path := filepath.Join(r.dir, id, descriptorFile)

		data, err := os.ReadFile(path)
		if err != nil {
			r.logger.Warn("skipping skill without descriptor", "skill", id, "err", err)
			continue
		}

		desc, err := parseDescriptor(id, string(data))
		if err != nil {
			r.logger.Warn("skipping malformed skill", "skill", id, "err", err)
			continue
		}

		loaded[id] = desc
		r.logger.Info("loaded skill", "skill", id, "description", desc.Description)
	}

	r.swap(loaded)
	return nil
}

// Refresh reloads the skills directory. In-flight delegations keep the
// descriptor snapshot they started with.
func (r *Registry) Refresh() error { return r.Load() }

func (r *Registry) swap(skills map[string]domain.SkillDescriptor) {
	r.mu.Lock()
	r.skills = skills
	r.mu.Unlock()
}

// Catalog returns the routing metadata for every skill, ordered by ID.
// Instructions are deliberately absent: the orchestrator's prompt carries
// only this listing, and full instructions are fetched at delegation time.
func (r *Registry) Catalog() []domain.CatalogEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := make([]domain.CatalogEntry, 0, len(r.skills))
	for _, s := range r.skills {
		entries = append(entries, domain.CatalogEntry{ID: s.ID, Name: s.Name, Description: s.Description})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return entries
}

// Descriptor returns the full descriptor for one skill.
func (r *Registry) Descriptor(id string) (domain.SkillDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.skills[id]
	return d, ok
}

// CatalogPrompt renders the catalog as a markdown table for the system prompt.
func (r *Registry) CatalogPrompt() string {
	catalog := r.Catalog()
	if len(catalog) == 0 {
		return "No specialized experts available."
	}

	var b strings.Builder
	b.WriteString("Available specialized experts:\n\n")
	b.WriteString("| Expert ID | Description |\n")
	b.WriteString("|-----------|-------------|\n")
	for _, e := range catalog {
		// Escape pipes so a description cannot break the table.
		desc := strings.ReplaceAll(e.Description, "|", "\\|")
		fmt.Fprintf(&b, "| %s | %s |\n", e.ID, desc)
	}
	return b.String()
}

// parseDescriptor splits YAML frontmatter from the instruction body.
// The body is required; frontmatter fields default from the directory name.
func parseDescriptor(id, content string) (domain.SkillDescriptor, error) {
	desc := domain.SkillDescriptor{
		ID:          id,
		Name:        id,
		Description: "No description provided.",
	}

	instructions := content
	if strings.HasPrefix(content, "---\n") {
		end := strings.Index(content[4:], "\n---\n")
		if end != -1 {
			var fm frontmatter
			if err := yaml.Unmarshal([]byte(content[4:4+end]), &fm); err != nil {
				return desc, fmt.Errorf("frontmatter: %w", err)
			}
			if fm.Name != "" {
				desc.Name = fm.Name
			}
			if fm.Description != "" {
				desc.Description = fm.Description
			}
			desc.DeclaredTools = fm.Tools
			instructions = content[4+end+5:]
		}
	}

	instructions = strings.TrimSpace(instructions)
	if instructions == "" {
		return desc, fmt.Errorf("empty instructions")
	}
	desc.Instructions = instructions
	return desc, nil
}
