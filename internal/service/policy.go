package service

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/agentops/deployops/internal/config"
	"github.com/agentops/deployops/internal/domain/artifact"
	"github.com/agentops/deployops/internal/domain/guardrail"
)

// DefaultProfileName is the built-in ruleset every service starts with.
const DefaultProfileName = "default"

// profileReloadDebounce batches rapid file events before reloading.
const profileReloadDebounce = 250 * time.Millisecond

// PolicyService owns the guardrail rule sets deployments are validated
// against. The built-in default ruleset is always registered; YAML profiles
// found in the configured directory overlay it and are reloaded when their
// files change. A profile file named after an existing entry replaces it.
type PolicyService struct {
	dir           string
	activeProfile string

	mu       sync.RWMutex
	profiles map[string]guardrail.Ruleset

	watchMu sync.Mutex
	pending map[string]bool // profile paths with unprocessed changes
	watcher *fsnotify.Watcher
}

// NewPolicyService creates a PolicyService with the built-in default ruleset
// and any profiles found in cfg.ProfileDir. An unknown active profile is an
// error so a typo cannot silently fall back to looser rules.
func NewPolicyService(cfg config.Guardrail) (*PolicyService, error) {
	active := cfg.Profile
	if active == "" {
		active = DefaultProfileName
	}

	s := &PolicyService{
		dir:           cfg.ProfileDir,
		activeProfile: active,
		profiles:      map[string]guardrail.Ruleset{DefaultProfileName: guardrail.DefaultRuleset()},
		pending:       make(map[string]bool),
	}

	if cfg.ProfileDir != "" {
		if err := s.loadDir(); err != nil {
			return nil, err
		}
	}

	s.mu.RLock()
	_, ok := s.profiles[active]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown guardrail profile %q", active)
	}
	return s, nil
}

// Ruleset returns the active guardrail ruleset.
func (s *PolicyService) Ruleset() guardrail.Ruleset {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.profiles[s.activeProfile]
}

// Validate checks the artifact against the active ruleset.
func (s *PolicyService) Validate(a artifact.Artifact, env artifact.Environment, constraints map[string]any) guardrail.Result {
	return s.Ruleset().Validate(a, env, constraints)
}

// EstimateCost prices the artifact's fleet with the active price table.
func (s *PolicyService) EstimateCost(a artifact.Artifact) float64 {
	return s.Ruleset().EstimateCost(a)
}

// RequiresApproval applies the active ruleset's approval rules.
func (s *PolicyService) RequiresApproval(a artifact.Artifact, env artifact.Environment) bool {
	return s.Ruleset().RequiresApproval(a, env)
}

// ApprovalReasons explains which approval rules the artifact trips.
func (s *PolicyService) ApprovalReasons(a artifact.Artifact, env artifact.Environment) []string {
	return s.Ruleset().ApprovalReasons(a, env)
}

// GetProfile returns a registered ruleset by name.
func (s *PolicyService) GetProfile(name string) (guardrail.Ruleset, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rs, ok := s.profiles[name]
	return rs, ok
}

// ListProfiles returns all registered profile names, sorted alphabetically.
func (s *PolicyService) ListProfiles() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.profiles))
	for name := range s.profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ActiveProfile returns the name of the ruleset in effect.
func (s *PolicyService) ActiveProfile() string {
	return s.activeProfile
}

// Watch reloads profiles when files in the profile directory change. It
// returns immediately; reloading stops when ctx is cancelled. Without a
// profile directory it is a no-op.
func (s *PolicyService) Watch(ctx context.Context) error {
	if s.dir == "" {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create profile watcher: %w", err)
	}
	if err := w.Add(s.dir); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch %s: %w", s.dir, err)
	}
	s.watcher = w
	go s.processEvents(ctx)
	slog.Info("guardrail profile watcher started", "dir", s.dir, "active", s.activeProfile)
	return nil
}

// processEvents accumulates file events and reloads on a debounce tick.
func (s *PolicyService) processEvents(ctx context.Context) {
	ticker := time.NewTicker(profileReloadDebounce)
	defer ticker.Stop()
	defer func() { _ = s.watcher.Close() }()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if !isProfileFile(ev.Name) {
				continue
			}
			s.watchMu.Lock()
			s.pending[ev.Name] = true
			s.watchMu.Unlock()
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			slog.Error("profile watcher error", "error", err)
		case <-ticker.C:
			s.flushPending()
		}
	}
}

func (s *PolicyService) flushPending() {
	s.watchMu.Lock()
	if len(s.pending) == 0 {
		s.watchMu.Unlock()
		return
	}
	paths := make([]string, 0, len(s.pending))
	for p := range s.pending {
		paths = append(paths, p)
	}
	s.pending = make(map[string]bool)
	s.watchMu.Unlock()

	for _, path := range paths {
		name := profileName(path)
		if _, err := os.Stat(path); err != nil {
			// Removed profile. The default entry is never dropped.
			if name == DefaultProfileName {
				s.setProfile(name, guardrail.DefaultRuleset())
			} else {
				s.dropProfile(name)
			}
			slog.Info("guardrail profile removed", "profile", name)
			continue
		}
		rs, err := guardrail.LoadFile(path)
		if err != nil {
			// Keep the last good ruleset rather than serve a half-parsed one.
			slog.Error("guardrail profile reload failed", "profile", name, "error", err)
			continue
		}
		s.setProfile(name, rs)
		slog.Info("guardrail profile reloaded", "profile", name)
	}
}

// loadDir registers every YAML profile in the directory, named by file stem.
func (s *PolicyService) loadDir() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("read guardrail profile dir %s: %w", s.dir, err)
	}
	for _, e := range entries {
		if e.IsDir() || !isProfileFile(e.Name()) {
			continue
		}
		path := filepath.Join(s.dir, e.Name())
		rs, err := guardrail.LoadFile(path)
		if err != nil {
			return err
		}
		s.setProfile(profileName(path), rs)
	}
	return nil
}

func (s *PolicyService) setProfile(name string, rs guardrail.Ruleset) {
	s.mu.Lock()
	s.profiles[name] = rs
	s.mu.Unlock()
}

func (s *PolicyService) dropProfile(name string) {
	s.mu.Lock()
	if name != s.activeProfile {
		delete(s.profiles, name)
	}
	s.mu.Unlock()
}

func isProfileFile(path string) bool {
	ext := filepath.Ext(path)
	return ext == ".yaml" || ext == ".yml"
}

func profileName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
