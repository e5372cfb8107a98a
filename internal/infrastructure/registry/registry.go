package registry

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// cacheTTL controls how long a fetched model list stays fresh.
const cacheTTL = time.Hour

// Hard-coded fallbacks, used only when the cache is empty and no pin exists.
const (
	fallbackCommander   = "claude-opus-4-6"
	fallbackCoordinator = "claude-sonnet-4-6"
	fallbackExecutor    = "claude-haiku-4-5-20251001"
	fallbackFlash       = "gemini-2.5-flash"
)

// ModelInfo describes one upstream model.
type ModelInfo struct {
	ID           string   `json:"id"`
	Provider     string   `json:"provider"`
	DisplayName  string   `json:"display_name,omitempty"`
	Capabilities []string `json:"capabilities"`
}

// ResolvedModels is the best model per tier.
type ResolvedModels struct {
	Commander   *ModelInfo `json:"commander"`
	Coordinator *ModelInfo `json:"coordinator"`
	Executor    *ModelInfo `json:"executor"`
	Flash       *ModelInfo `json:"flash"`
}

// ProviderClient fetches a provider's raw model-list payload.
type ProviderClient interface {
	ListModels(ctx context.Context) ([]byte, error)
}

// PinStore reads persistent per-tier pins.
type PinStore interface {
	Get(ctx context.Context, useCase string) (string, error)
	List(ctx context.Context) (map[string]string, error)
}

// Registry caches upstream model lists with a TTL and selects the newest
// model per tier. DB pins take precedence over dynamic selection.
type Registry struct {
	anthropic ProviderClient
	google    ProviderClient
	pins      PinStore
	logger    *zap.Logger

	mu        sync.RWMutex
	models    map[string][]ModelInfo
	fetchedAt time.Time
}

func New(anthropicClient, googleClient ProviderClient, pins PinStore, logger *zap.Logger) *Registry {
	return &Registry{
		anthropic: anthropicClient,
		google:    googleClient,
		pins:      pins,
		logger:    logger,
		models:    make(map[string][]ModelInfo),
	}
}

// IsStale reports whether the cache needs a refresh: never fetched, or
// older than the TTL.
func (r *Registry) IsStale() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.fetchedAt.IsZero() || time.Since(r.fetchedAt) > cacheTTL
}

// CacheAge returns the cache age, or -1 when never fetched.
func (r *Registry) CacheAge() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.fetchedAt.IsZero() {
		return -1
	}
	return time.Since(r.fetchedAt)
}

// Snapshot returns a copy of the cached model lists.
func (r *Registry) Snapshot() map[string][]ModelInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string][]ModelInfo, len(r.models))
	for provider, list := range r.models {
		out[provider] = append([]ModelInfo(nil), list...)
	}
	return out
}

// Refresh fetches every provider's model list and replaces the cache.
// Provider failures are collected, not fatal — a reachable provider still
// refreshes its own slice.
func (r *Registry) Refresh(ctx context.Context) (total int, errs []string) {
	fetched := make(map[string][]ModelInfo)

	if r.anthropic != nil {
		raw, err := r.anthropic.ListModels(ctx)
		if err != nil {
			r.logger.Warn("registry: Anthropic fetch failed", zap.Error(err))
			errs = append(errs, "anthropic: "+err.Error())
		} else if models := parseAnthropicModels(raw); len(models) > 0 {
			r.logger.Info("registry: fetched Anthropic models", zap.Int("count", len(models)))
			fetched["anthropic"] = models
		}
	}

	if r.google != nil {
		raw, err := r.google.ListModels(ctx)
		if err != nil {
			r.logger.Warn("registry: Google fetch failed", zap.Error(err))
			errs = append(errs, "google: "+err.Error())
		} else if models := parseGoogleModels(raw); len(models) > 0 {
			r.logger.Info("registry: fetched Google models", zap.Int("count", len(models)))
			fetched["google"] = models
		}
	}

	r.mu.Lock()
	r.models = fetched
	r.fetchedAt = time.Now()
	r.mu.Unlock()

	for _, list := range fetched {
		total += len(list)
	}
	return total, errs
}

// Resolve returns the best model per tier, refreshing the cache first when
// stale. Tier rules: commander=opus, coordinator=sonnet, executor=haiku
// (each preferring IDs without a date suffix), flash=google "flash".
func (r *Registry) Resolve(ctx context.Context) ResolvedModels {
	if r.IsStale() {
		r.Refresh(ctx)
	}

	r.mu.RLock()
	anthropicModels := r.models["anthropic"]
	googleModels := r.models["google"]
	r.mu.RUnlock()

	pick := func(substr string) *ModelInfo {
		if m := SelectBest(anthropicModels, []string{substr}, []string{"20"}); m != nil {
			return m
		}
		return SelectBest(anthropicModels, []string{substr}, nil)
	}

	return ResolvedModels{
		Commander:   pick("opus"),
		Coordinator: pick("sonnet"),
		Executor:    pick("haiku"),
		Flash:       SelectBest(googleModels, []string{"flash"}, nil),
	}
}

// ModelForTier resolves a tier to a concrete model ID.
// Priority: 1) DB pin  2) dynamic selection  3) hard-coded fallback.
func (r *Registry) ModelForTier(ctx context.Context, useCase string) string {
	useCase = strings.ToLower(useCase)

	if r.pins != nil {
		if pinned, err := r.pins.Get(ctx, useCase); err == nil && pinned != "" {
			r.logger.Info("registry: using pinned model",
				zap.String("use_case", useCase), zap.String("model", pinned))
			return pinned
		}
	}

	resolved := r.Resolve(ctx)

	var selected *ModelInfo
	var fallback string
	switch useCase {
	case "commander":
		selected, fallback = resolved.Commander, fallbackCommander
	case "executor":
		selected, fallback = resolved.Executor, fallbackExecutor
	case "flash":
		selected, fallback = resolved.Flash, fallbackFlash
	default:
		selected, fallback = resolved.Coordinator, fallbackCoordinator
	}

	if selected != nil {
		return selected.ID
	}
	r.logger.Info("registry: no model resolved, using fallback",
		zap.String("use_case", useCase), zap.String("fallback", fallback))
	return fallback
}

// versionKey extracts a sortable key from a model ID. Tokens are split on
// "-": "maj.min" parses to maj*1000+min, a bare int below 100 to n*1000, and
// an 8-digit decimal ≥ 20000000 becomes the date-suffix tie-breaker.
// Handles "gemini-2.5-flash", "claude-sonnet-4-6", "claude-haiku-4-5-20251001".
func versionKey(id string) (uint64, string) {
	var version uint64
	var dateSuffix string

	for _, part := range strings.Split(id, "-") {
		if major, minor, ok := strings.Cut(part, "."); ok {
			maj, errMaj := strconv.ParseUint(major, 10, 64)
			min, errMin := strconv.ParseUint(minor, 10, 64)
			if errMaj == nil && errMin == nil {
				if v := maj*1000 + min; v > version {
					version = v
				}
			}
			continue
		}
		n, err := strconv.ParseUint(part, 10, 64)
		if err != nil {
			continue
		}
		if len(part) == 8 && n >= 20000000 {
			dateSuffix = part
		} else if n < 100 {
			if v := n * 1000; v > version {
				version = v
			}
		}
	}

	return version, dateSuffix
}

// SelectBest filters by substring inclusion/exclusion and returns the model
// with the highest (version, date suffix) key. The sort is stable, so ties
// keep input order.
func SelectBest(models []ModelInfo, mustContain, mustNotContain []string) *ModelInfo {
	var candidates []ModelInfo
	for _, m := range models {
		ok := true
		for _, p := range mustContain {
			if !strings.Contains(m.ID, p) {
				ok = false
				break
			}
		}
		for _, p := range mustNotContain {
			if strings.Contains(m.ID, p) {
				ok = false
				break
			}
		}
		if ok {
			candidates = append(candidates, m)
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		vi, di := versionKey(candidates[i].ID)
		vj, dj := versionKey(candidates[j].ID)
		if vi != vj {
			return vi > vj
		}
		return di > dj
	})

	best := candidates[0]
	return &best
}

// ClassifyComplexity buckets a prompt for auto-tier routing. Short chatty
// prompts go to flash, long or engineering-heavy prompts to the commander,
// everything else to the coordinator.
func ClassifyComplexity(prompt string) string {
	trimmed := strings.TrimSpace(prompt)
	lower := strings.ToLower(trimmed)

	complexMarkers := []string{
		"refactor", "implement", "architect", "debug", "analyze", "analiz",
		"optimize", "migrate", "zaimplementuj", "przeprojektuj", "```",
	}
	for _, marker := range complexMarkers {
		if strings.Contains(lower, marker) {
			return "complex"
		}
	}
	if len(trimmed) > 600 {
		return "complex"
	}
	if len(trimmed) < 80 && !strings.ContainsAny(trimmed, "{}();") {
		return "simple"
	}
	return "normal"
}

func parseAnthropicModels(raw []byte) []ModelInfo {
	var body struct {
		Data []struct {
			ID          string `json:"id"`
			DisplayName string `json:"display_name"`
			Name        string `json:"name"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil
	}

	var models []ModelInfo
	for _, m := range body.Data {
		if m.ID == "" {
			continue
		}
		display := m.DisplayName
		if display == "" {
			display = m.Name
		}
		caps := []string{"text", "vision"}
		if strings.Contains(m.ID, "opus") {
			caps = append(caps, "advanced_reasoning")
		}
		models = append(models, ModelInfo{
			ID:           m.ID,
			Provider:     "anthropic",
			DisplayName:  display,
			Capabilities: caps,
		})
	}
	return models
}

func parseGoogleModels(raw []byte) []ModelInfo {
	var body struct {
		Models []struct {
			Name                       string   `json:"name"`
			DisplayName                string   `json:"displayName"`
			SupportedGenerationMethods []string `json:"supportedGenerationMethods"`
		} `json:"models"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil
	}

	var models []ModelInfo
	for _, m := range body.Models {
		id := strings.TrimPrefix(m.Name, "models/")
		if !strings.HasPrefix(id, "gemini") {
			continue
		}
		supported := false
		for _, method := range m.SupportedGenerationMethods {
			if method == "generateContent" {
				supported = true
				break
			}
		}
		if !supported {
			continue
		}
		models = append(models, ModelInfo{
			ID:           id,
			Provider:     "google",
			DisplayName:  m.DisplayName,
			Capabilities: []string{"text"},
		})
	}
	return models
}
