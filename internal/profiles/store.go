// Package profiles manages the on-disk browser profiles workflows run with.
//
// Each subdirectory of the root is one profile. An optional profile.yaml in
// it carries tags and a description. A profile is used by one run at a time
// unless the workflow asks for a scratch clone.
package profiles

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/rendis/browserflow/pkg/schema"
)

// MetadataFile is the optional per-profile metadata file.
const MetadataFile = "profile.yaml"

// Profile is one profile directory.
type Profile struct {
	Name        string   `json:"name" yaml:"-"`
	Dir         string   `json:"dir" yaml:"-"`
	Tags        []string `json:"tags,omitempty" yaml:"tags"`
	Description string   `json:"description,omitempty" yaml:"description"`
}

// HasTags reports whether p carries every tag in want.
func (p Profile) HasTags(want []string) bool {
	for _, t := range want {
		if !slices.Contains(p.Tags, t) {
			return false
		}
	}
	return true
}

// Store hands out exclusive leases on profiles under a root directory.
type Store struct {
	root    string
	scratch string
	logger  *slog.Logger

	mu   sync.Mutex
	held map[string]chan struct{} // closed on release
}

// NewStore creates a Store over root. Scratch clones are created under
// scratch, or the system temp dir when empty.
func NewStore(root, scratch string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		root:    root,
		scratch: scratch,
		logger:  logger,
		held:    make(map[string]chan struct{}),
	}
}

// Root is the directory profiles live in.
func (s *Store) Root() string { return s.root }

// List returns every profile in lexical name order.
func (s *Store) List() ([]Profile, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list profiles: %w", err)
	}

	var out []Profile
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		p, err := s.load(e.Name())
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) load(name string) (Profile, error) {
	dir := filepath.Join(s.root, name)
	p := Profile{Name: name, Dir: dir}

	raw, err := os.ReadFile(filepath.Join(dir, MetadataFile))
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return p, nil
	case err != nil:
		return p, fmt.Errorf("read profile %s: %w", name, err)
	}
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("parse %s/%s: %w", name, MetadataFile, err)
	}
	return p, nil
}

// Resolve picks the profile for a session: the named one, or else the first
// profile in lexical name order carrying every required tag. A named profile
// must also carry the required tags.
func (s *Store) Resolve(cfg schema.SessionConfig) (Profile, error) {
	if cfg.Profile != "" {
		if !schema.ValidProfileName(cfg.Profile) {
			return Profile{}, schema.NewErrorf(schema.ErrCodeValidation,
				"invalid profile name %q: must be a single directory name", cfg.Profile)
		}
		p, err := s.load(cfg.Profile)
		if err != nil {
			return p, err
		}
		if _, err := os.Stat(p.Dir); err != nil {
			return p, schema.NewErrorf(schema.ErrCodeNotFound, "profile %q not found", cfg.Profile).WithCause(err)
		}
		if !p.HasTags(cfg.RequiredTags) {
			return p, schema.NewErrorf(schema.ErrCodeNotFound,
				"profile %q lacks required tags %v", cfg.Profile, cfg.RequiredTags)
		}
		return p, nil
	}

	all, err := s.List()
	if err != nil {
		return Profile{}, err
	}
	for _, p := range all {
		if p.HasTags(cfg.RequiredTags) {
			return p, nil
		}
	}
	return Profile{}, schema.NewErrorf(schema.ErrCodeNotFound, "no profile carries tags %v", cfg.RequiredTags)
}

// Lease is a claim on a profile directory. Release is idempotent.
type Lease struct {
	Profile Profile
	// Dir is the directory the browser should use: the profile itself, or
	// its scratch clone.
	Dir     string
	release func()
	once    sync.Once
}

// Release gives the profile back and removes any scratch directory.
func (l *Lease) Release() {
	if l == nil {
		return
	}
	l.once.Do(l.release)
}

// Acquire claims the profile for cfg. Without a profile name or tags the run
// gets a fresh empty directory. In clone mode the profile is copied into a
// scratch directory and no claim is taken; otherwise Acquire waits until no
// other run holds the profile, or ctx ends.
func (s *Store) Acquire(ctx context.Context, cfg schema.SessionConfig) (*Lease, error) {
	if cfg.Profile == "" && len(cfg.RequiredTags) == 0 {
		dir, err := os.MkdirTemp(s.scratch, "browserflow-ephemeral-*")
		if err != nil {
			return nil, fmt.Errorf("create ephemeral profile: %w", err)
		}
		return &Lease{Dir: dir, release: s.remover(dir)}, nil
	}

	p, err := s.Resolve(cfg)
	if err != nil {
		return nil, err
	}

	if cfg.CloneForParallel {
		dir, err := os.MkdirTemp(s.scratch, "browserflow-"+p.Name+"-*")
		if err != nil {
			return nil, fmt.Errorf("create scratch profile: %w", err)
		}
		if err := copyDir(p.Dir, dir); err != nil {
			_ = os.RemoveAll(dir)
			return nil, fmt.Errorf("clone profile %s: %w", p.Name, err)
		}
		s.logger.DebugContext(ctx, "profile cloned", "profile", p.Name, "dir", dir)
		return &Lease{Profile: p, Dir: dir, release: s.remover(dir)}, nil
	}

	if err := s.claim(ctx, p.Name); err != nil {
		return nil, err
	}
	return &Lease{Profile: p, Dir: p.Dir, release: func() { s.unclaim(p.Name) }}, nil
}

func (s *Store) claim(ctx context.Context, name string) error {
	for {
		s.mu.Lock()
		released, busy := s.held[name]
		if !busy {
			s.held[name] = make(chan struct{})
			s.mu.Unlock()
			return nil
		}
		s.mu.Unlock()

		s.logger.DebugContext(ctx, "waiting for profile", "profile", name)
		select {
		case <-released:
		case <-ctx.Done():
			return fmt.Errorf("wait for profile %s: %w", name, ctx.Err())
		}
	}
}

func (s *Store) unclaim(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.held[name]; ok {
		delete(s.held, name)
		close(ch)
	}
}

// Held reports whether a run currently holds the named profile.
func (s *Store) Held(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.held[name]
	return ok
}

func (s *Store) remover(dir string) func() {
	return func() {
		if err := os.RemoveAll(dir); err != nil {
			s.logger.Warn("remove scratch profile", "dir", dir, "error", err)
		}
	}
}
