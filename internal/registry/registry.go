// Package registry
package registry

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/amirphl/simple-rebalancer/internal/db"
	"github.com/amirphl/simple-rebalancer/internal/rebalance"
	"github.com/amirphl/simple-rebalancer/internal/utils"
	"gopkg.in/yaml.v3"
)

// Registry lists the configured targets. It is read once per tick, so
// changes made between ticks apply on the next one.
type Registry interface {
	Targets(ctx context.Context) ([]rebalance.Target, error)
}

// File reads targets from a YAML document with a top-level `targets:` list.
type File struct {
	Path string
}

type fileDocument struct {
	Targets []yaml.Node `yaml:"targets"`
}

// EntryError describes one entry of a targets document that was dropped.
type EntryError struct {
	Index int
	Line  int
	Name  string
	Err   error
}

func (e *EntryError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("targets[%d] %q (line %d): %v", e.Index, e.Name, e.Line, e.Err)
	}
	return fmt.Sprintf("targets[%d] (line %d): %v", e.Index, e.Line, e.Err)
}

func (e *EntryError) Unwrap() error {
	return e.Err
}

func NewFile(path string) *File {
	return &File{Path: path}
}

// Targets re-reads the file. Entries that cannot be decoded are logged and
// left out; the other targets are still served.
func (f *File) Targets(ctx context.Context) ([]rebalance.Target, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("read targets file %s: %w", f.Path, err)
	}
	targets, rejected, err := ParseTargets(data)
	if err != nil {
		return nil, err
	}
	for _, e := range rejected {
		utils.Component("registry").WithError(e).WithField("file", f.Path).Warn("Targets | skipping targets entry")
	}
	return targets, nil
}

// ParseTargets decodes a `targets:` YAML document one entry at a time.
// Entries are returned in file order and are not validated; the scheduler
// validates each one. An entry that does not decode, or that repeats an
// earlier name, is returned in rejected instead. err is set only when the
// document itself cannot be read.
func ParseTargets(data []byte) (targets []rebalance.Target, rejected []*EntryError, err error) {
	var doc fileDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, nil, fmt.Errorf("%w: parse targets: %v", rebalance.ErrConfiguration, err)
	}

	seen := make(map[string]struct{}, len(doc.Targets))
	for i := range doc.Targets {
		node := &doc.Targets[i]
		var t rebalance.Target
		if err := node.Decode(&t); err != nil {
			rejected = append(rejected, &EntryError{
				Index: i,
				Line:  node.Line,
				Err:   fmt.Errorf("%w: %v", rebalance.ErrConfiguration, err),
			})
			continue
		}
		id := strings.ToLower(t.ID())
		if _, dup := seen[id]; dup {
			rejected = append(rejected, &EntryError{
				Index: i,
				Line:  node.Line,
				Name:  t.ID(),
				Err:   fmt.Errorf("%w: duplicate target name", rebalance.ErrConfiguration),
			})
			continue
		}
		seen[id] = struct{}{}
		targets = append(targets, t)
	}
	return targets, rejected, nil
}

// Postgres serves targets from the rebalance_targets table.
type Postgres struct {
	store db.TargetStorage
}

func NewPostgres(store db.TargetStorage) *Postgres {
	return &Postgres{store: store}
}

func (p *Postgres) Targets(ctx context.Context) ([]rebalance.Target, error) {
	targets, err := p.store.ListTargets(ctx)
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	return targets, nil
}

// Save inserts or replaces a target after validating it.
func (p *Postgres) Save(ctx context.Context, t rebalance.Target) error {
	if err := t.Validate(); err != nil {
		return err
	}
	return p.store.SaveTarget(ctx, t)
}

// SetEnabled toggles a target by name.
func (p *Postgres) SetEnabled(ctx context.Context, name string, enabled bool) error {
	return p.store.SetTargetEnabled(ctx, name, enabled)
}

func (p *Postgres) Delete(ctx context.Context, name string) error {
	return p.store.DeleteTarget(ctx, name)
}

// Memory is a registry held in process, used for targets given inline in
// the configuration and in tests.
type Memory struct {
	mu      sync.RWMutex
	targets map[string]rebalance.Target
}

func NewMemory(targets ...rebalance.Target) *Memory {
	m := &Memory{targets: make(map[string]rebalance.Target, len(targets))}
	for _, t := range targets {
		m.targets[t.ID()] = t
	}
	return m
}

func (m *Memory) Targets(ctx context.Context) ([]rebalance.Target, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]rebalance.Target, 0, len(m.targets))
	for _, t := range m.targets {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out, nil
}

func (m *Memory) SetEnabled(name string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.targets[name]
	if !ok {
		return fmt.Errorf("%w: target %q", rebalance.ErrNotFound, name)
	}
	t.Enabled = enabled
	m.targets[name] = t
	return nil
}
