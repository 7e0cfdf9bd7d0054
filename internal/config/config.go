// Package config loads scenario, triage and booking configuration from YAML.
//
// A configuration directory holds library.yaml (shared templates, rules and
// booking steps) and tenants/<id>.yaml (per-tenant settings and overrides).
// Without a directory the embedded defaults are served.
package config

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/BTreeMap/CallPipe/internal/booking"
	"github.com/BTreeMap/CallPipe/internal/models"
	"github.com/BTreeMap/CallPipe/internal/scenario"
)

//go:embed defaults
var embeddedDefaults embed.FS

// File layout inside a configuration directory.
const (
	LibraryFile = "library.yaml"
	TenantsDir  = "tenants"
)

// ErrUnknownTenant is returned for tenant IDs without a tenant file.
var ErrUnknownTenant = errors.New("unknown tenant")

// Library is the shared configuration every tenant starts from.
type Library struct {
	Scoring   scenario.Options               `yaml:"scoring"`
	Settings  models.TenantSettings          `yaml:"settings"`
	Scenarios []models.Scenario              `yaml:"scenarios" validate:"dive"`
	Triage    []models.TriageRule            `yaml:"triage" validate:"dive"`
	Booking   []models.BookingStepDefinition `yaml:"bookingSteps" validate:"dive"`
}

// Tenant is one tenant's file.
type Tenant struct {
	ID                string                       `yaml:"id"`
	Settings          models.TenantSettings        `yaml:"settings"`
	ScenarioOverrides []models.ScenarioOverride    `yaml:"scenarioOverrides" validate:"dive"`
	Scenarios         []models.Scenario            `yaml:"scenarios" validate:"dive"`
	Triage            []models.TriageRule          `yaml:"triage" validate:"dive"`
	DisabledTriage    []string                     `yaml:"disabledTriage"`
	BookingOverrides  []models.BookingStepOverride `yaml:"bookingOverrides" validate:"dive"`
}

// TenantConfig is the resolved configuration the turn service reads per turn.
type TenantConfig struct {
	TenantID string
	Rules    []models.TriageRule
	Flow     booking.Flow
	Settings models.TenantSettings
	Scoring  scenario.Options
}

type snapshot struct {
	lib      Library
	tenants  map[string]Tenant
	flows    map[string]booking.Flow
	byNumber map[string]string
}

// Source is a read-mostly view over the loaded configuration. It is safe for
// concurrent use; Reload swaps the whole snapshot.
type Source struct {
	dir      string
	validate *validator.Validate

	mu   sync.RWMutex
	snap *snapshot
}

// Load reads configuration from dir, or the embedded defaults when dir is empty.
func Load(dir string) (*Source, error) {
	s := &Source{
		dir:      dir,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Dir returns the configuration directory, empty for embedded defaults.
func (s *Source) Dir() string { return s.dir }

func (s *Source) fsys() (fs.FS, error) {
	if s.dir == "" {
		return fs.Sub(embeddedDefaults, "defaults")
	}
	return os.DirFS(s.dir), nil
}

// Reload re-reads every file. On error the previous configuration stays active.
func (s *Source) Reload() error {
	fsys, err := s.fsys()
	if err != nil {
		return fmt.Errorf("failed to open configuration: %w", err)
	}
	snap, err := s.load(fsys)
	if err != nil {
		slog.Error("ConfigSource.Reload: configuration rejected", "dir", s.dir, "error", err)
		return err
	}
	s.mu.Lock()
	s.snap = snap
	s.mu.Unlock()
	slog.Info("ConfigSource.Reload: configuration loaded", "dir", s.dir, "tenants", len(snap.tenants),
		"templates", len(snap.lib.Scenarios), "rules", len(snap.lib.Triage))
	return nil
}

func (s *Source) load(fsys fs.FS) (*snapshot, error) {
	var lib Library
	if err := decodeFile(fsys, LibraryFile, &lib); err != nil {
		return nil, err
	}
	if err := s.validateLibrary(&lib); err != nil {
		return nil, fmt.Errorf("%s: %w", LibraryFile, err)
	}

	snap := &snapshot{
		lib:      lib,
		tenants:  make(map[string]Tenant),
		flows:    make(map[string]booking.Flow),
		byNumber: make(map[string]string),
	}
	entries, err := fs.ReadDir(fsys, TenantsDir)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !isYAML(e.Name()) {
			continue
		}
		name := path.Join(TenantsDir, e.Name())
		var t Tenant
		if err := decodeFile(fsys, name, &t); err != nil {
			return nil, err
		}
		stem := strings.TrimSuffix(strings.TrimSuffix(e.Name(), ".yaml"), ".yml")
		if t.ID == "" {
			t.ID = stem
		}
		if t.ID != stem {
			return nil, fmt.Errorf("%s: tenant id %q must match file name", name, t.ID)
		}
		if err := s.validateTenant(&t); err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		t.Settings = t.Settings.Merge(lib.Settings)

		steps := lib.Booking
		if len(steps) == 0 {
			steps = booking.DefaultSteps()
		}
		flow, err := booking.NewFlow(booking.ApplyOverrides(steps, t.BookingOverrides))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		for _, n := range t.Settings.PhoneNumbers {
			key := NormalizeNumber(n)
			if other, dup := snap.byNumber[key]; dup {
				return nil, fmt.Errorf("%s: phone number %s already belongs to tenant %s", name, n, other)
			}
			snap.byNumber[key] = t.ID
		}
		snap.tenants[t.ID] = t
		snap.flows[t.ID] = flow
	}
	return snap, nil
}

func decodeFile(fsys fs.FS, name string, out any) error {
	raw, err := fs.ReadFile(fsys, name)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", name, err)
	}
	dec := yaml.NewDecoder(strings.NewReader(string(raw)))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("failed to parse %s: %w", name, err)
	}
	return nil
}

func isYAML(name string) bool {
	return strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml")
}

func (s *Source) validateLibrary(lib *Library) error {
	if err := s.validate.Struct(lib); err != nil {
		return err
	}
	if err := uniqueIDs("scenario", lib.Scenarios, func(x models.Scenario) string { return x.ID }); err != nil {
		return err
	}
	if err := uniqueIDs("triage rule", lib.Triage, func(x models.TriageRule) string { return x.ID }); err != nil {
		return err
	}
	return checkModes(lib.Scenarios)
}

func (s *Source) validateTenant(t *Tenant) error {
	if err := s.validate.Struct(t); err != nil {
		return err
	}
	if err := uniqueIDs("scenario", t.Scenarios, func(x models.Scenario) string { return x.ID }); err != nil {
		return err
	}
	if err := uniqueIDs("triage rule", t.Triage, func(x models.TriageRule) string { return x.ID }); err != nil {
		return err
	}
	return checkModes(t.Scenarios)
}

func uniqueIDs[T any](kind string, items []T, id func(T) string) error {
	seen := make(map[string]bool, len(items))
	for _, it := range items {
		k := id(it)
		if seen[k] {
			return fmt.Errorf("duplicate %s id %q", kind, k)
		}
		seen[k] = true
	}
	return nil
}

func checkModes(scenarios []models.Scenario) error {
	for _, sc := range scenarios {
		for _, m := range sc.Modes {
			if !m.IsValid() {
				return fmt.Errorf("scenario %s: unknown mode %q", sc.ID, m)
			}
		}
		if sc.SwitchMode != "" && !sc.SwitchMode.IsValid() {
			return fmt.Errorf("scenario %s: unknown switchMode %q", sc.ID, sc.SwitchMode)
		}
	}
	return nil
}

func (s *Source) current() *snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// ScenarioDefinitions implements scenario.Source.
func (s *Source) ScenarioDefinitions(_ context.Context, tenantID string) (scenario.Definitions, error) {
	snap := s.current()
	t, ok := snap.tenants[tenantID]
	if !ok {
		return scenario.Definitions{}, fmt.Errorf("%w: %s", ErrUnknownTenant, tenantID)
	}
	return scenario.Definitions{
		Templates: cloneScenarios(snap.lib.Scenarios),
		Overrides: slices.Clone(t.ScenarioOverrides),
		Custom:    cloneScenarios(t.Scenarios),
	}, nil
}

// TenantConfig resolves rules, booking flow and settings for a tenant.
// Tenant rules are declared ahead of library rules, so they win priority ties.
func (s *Source) TenantConfig(_ context.Context, tenantID string) (TenantConfig, error) {
	snap := s.current()
	t, ok := snap.tenants[tenantID]
	if !ok {
		return TenantConfig{}, fmt.Errorf("%w: %s", ErrUnknownTenant, tenantID)
	}
	rules := make([]models.TriageRule, 0, len(t.Triage)+len(snap.lib.Triage))
	rules = append(rules, t.Triage...)
	for _, r := range snap.lib.Triage {
		if !slices.Contains(t.DisabledTriage, r.ID) {
			rules = append(rules, r)
		}
	}
	return TenantConfig{
		TenantID: tenantID,
		Rules:    rules,
		Flow:     snap.flows[tenantID],
		Settings: t.Settings,
		Scoring:  snap.lib.Scoring.WithDefaults(),
	}, nil
}

// TenantByNumber resolves the tenant that owns a dialed phone number.
func (s *Source) TenantByNumber(number string) (string, bool) {
	id, ok := s.current().byNumber[NormalizeNumber(number)]
	return id, ok
}

// Tenants lists the configured tenant IDs in sorted order.
func (s *Source) Tenants() []string {
	snap := s.current()
	out := make([]string, 0, len(snap.tenants))
	for id := range snap.tenants {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// NormalizeNumber keeps a leading + and the digits of a phone number.
func NormalizeNumber(n string) string {
	var b strings.Builder
	for i, r := range strings.TrimSpace(n) {
		if r == '+' && i == 0 || r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func cloneScenarios(in []models.Scenario) []models.Scenario {
	out := make([]models.Scenario, len(in))
	for i, sc := range in {
		out[i] = sc.Clone()
	}
	return out
}
