package service

import (
	"context"
	"strings"
	"testing"

	"go.uber.org/zap"
)

type fakeSettings struct {
	settings Settings
	err      error
}

func (f *fakeSettings) Settings(context.Context) (Settings, error) {
	return f.settings, f.err
}

type fakeSessions struct {
	wd map[string]string
}

func (f *fakeSessions) SessionWorkingDirectory(_ context.Context, sessionID string) (string, bool) {
	wd, ok := f.wd[sessionID]
	return wd, ok
}

type fakeSelector struct {
	byTier map[string]string
	asked  []string
}

func (f *fakeSelector) ModelForTier(_ context.Context, useCase string) string {
	f.asked = append(f.asked, useCase)
	if m, ok := f.byTier[useCase]; ok {
		return m
	}
	return "claude-sonnet-4-6"
}

func newResolver(settings Settings, sessions *fakeSessions, selector *fakeSelector, classify func(string) string) *ContextResolver {
	if sessions == nil {
		sessions = &fakeSessions{}
	}
	if selector == nil {
		selector = &fakeSelector{}
	}
	if classify == nil {
		classify = func(string) string { return "normal" }
	}
	return NewContextResolver(
		&fakeSettings{settings: settings},
		sessions,
		selector,
		NewPromptCache(zap.NewNop()),
		classify,
		zap.NewNop(),
	)
}

func defaultSettings() Settings {
	return Settings{
		Language:      "en",
		Temperature:   0.7,
		MaxTokens:     4096,
		MaxIterations: 10,
	}
}

func TestTierTokenBudget(t *testing.T) {
	tests := map[string]int{
		"claude-opus-4-6":           8192,
		"claude-sonnet-4-6":         4096,
		"claude-haiku-4-5-20251001": 2048,
		"gemini-2.5-flash":          8192,
		"mystery-model":             4096,
	}
	for model, want := range tests {
		if got := TierTokenBudget(model); got != want {
			t.Errorf("TierTokenBudget(%q) = %d, want %d", model, got, want)
		}
	}
}

func TestResolve_ExplicitModelWins(t *testing.T) {
	selector := &fakeSelector{}
	r := newResolver(defaultSettings(), nil, selector, nil)

	chatCtx := r.Resolve(context.Background(), &ChatRequest{
		Model:    "claude-opus-4-6",
		Messages: []ClientMessage{{Role: "user", Content: "hello"}},
	})

	if chatCtx.Model != "claude-opus-4-6" {
		t.Fatalf("model: %q", chatCtx.Model)
	}
	if len(selector.asked) != 0 {
		t.Fatal("selector must not be consulted for explicit models")
	}
}

func TestResolve_ComplexityRouting(t *testing.T) {
	tests := []struct {
		complexity string
		wantTier   string
	}{
		{"simple", "flash"},
		{"normal", "coordinator"},
		{"complex", "commander"},
	}
	for _, tt := range tests {
		selector := &fakeSelector{byTier: map[string]string{
			"flash": "gemini-2.5-flash", "coordinator": "claude-sonnet-4-6", "commander": "claude-opus-4-6",
		}}
		r := newResolver(defaultSettings(), nil, selector, func(string) string { return tt.complexity })

		r.Resolve(context.Background(), &ChatRequest{
			Messages: []ClientMessage{{Role: "user", Content: "whatever"}},
		})

		if len(selector.asked) != 1 || selector.asked[0] != tt.wantTier {
			t.Errorf("complexity %q routed to %v, want %q", tt.complexity, selector.asked, tt.wantTier)
		}
	}
}

func TestResolve_ABOverride(t *testing.T) {
	settings := defaultSettings()
	settings.ABModelB = "claude-haiku-4-5-20251001"
	settings.ABSplit = 0.5

	r := newResolver(settings, nil, nil, nil)

	r.randFloat = func() float64 { return 0.3 } // below split → swap
	chatCtx := r.Resolve(context.Background(), &ChatRequest{Model: "claude-sonnet-4-6"})
	if chatCtx.Model != "claude-haiku-4-5-20251001" {
		t.Fatalf("A/B swap expected, got %q", chatCtx.Model)
	}

	r.randFloat = func() float64 { return 0.9 } // above split → keep
	chatCtx = r.Resolve(context.Background(), &ChatRequest{Model: "claude-sonnet-4-6"})
	if chatCtx.Model != "claude-sonnet-4-6" {
		t.Fatalf("A/B keep expected, got %q", chatCtx.Model)
	}
}

func TestResolve_TokenClampAndIterationBounds(t *testing.T) {
	r := newResolver(defaultSettings(), nil, nil, nil)

	big := 999999
	tooMany := 99
	chatCtx := r.Resolve(context.Background(), &ChatRequest{
		Model:         "claude-haiku-4-5-20251001",
		MaxTokens:     &big,
		MaxIterations: &tooMany,
	})

	if chatCtx.MaxTokens != 2048 {
		t.Fatalf("haiku budget must clamp to 2048, got %d", chatCtx.MaxTokens)
	}
	if chatCtx.MaxIterations != 50 {
		t.Fatalf("max_iterations must clamp to 50, got %d", chatCtx.MaxIterations)
	}

	zero := 0
	chatCtx = r.Resolve(context.Background(), &ChatRequest{
		Model:         "claude-sonnet-4-6",
		MaxIterations: &zero,
	})
	if chatCtx.MaxIterations != 1 {
		t.Fatalf("max_iterations floor is 1, got %d", chatCtx.MaxIterations)
	}
}

func TestResolve_SessionWorkingDirectoryOverridesGlobal(t *testing.T) {
	settings := defaultSettings()
	settings.WorkingDirectory = "/global/wd"

	sessions := &fakeSessions{wd: map[string]string{"sess-1": "/session/wd"}}
	r := newResolver(settings, sessions, nil, nil)

	withSession := r.Resolve(context.Background(), &ChatRequest{Model: "m", SessionID: "sess-1"})
	if withSession.WorkingDirectory != "/session/wd" {
		t.Fatalf("session WD should win: %q", withSession.WorkingDirectory)
	}

	withoutSession := r.Resolve(context.Background(), &ChatRequest{Model: "m"})
	if withoutSession.WorkingDirectory != "/global/wd" {
		t.Fatalf("global WD fallback: %q", withoutSession.WorkingDirectory)
	}
}

func TestBuildSystemPrompt(t *testing.T) {
	prompt := BuildSystemPrompt("/home/dev/project", "pl")

	for _, want := range []string{
		AssistantIdentity,
		"Write ALL text in **Polish**",
		"## Co dalej?",
		"exactly 5 numbered follow-up tasks",
		"`/home/dev/project`",
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}

	noWD := BuildSystemPrompt("", "en")
	if strings.Contains(noWD, "## Working Directory") {
		t.Error("prompt without WD must not carry the WD section")
	}
	if !strings.Contains(noWD, "Write ALL text in **English**") {
		t.Error("default language must be English")
	}
}

func TestPromptCache_MemoizesAndWarms(t *testing.T) {
	cache := NewPromptCache(zap.NewNop())

	if n := cache.Warm(); n != 2 {
		t.Fatalf("warm variants: %d", n)
	}

	first := cache.Get("/wd", "en")
	second := cache.Get("/wd", "en")
	if first != second || first == "" {
		t.Fatal("cache must return a stable prompt")
	}

	if cache.Get("", "pl") != BuildSystemPrompt("", "pl") {
		t.Fatal("warmed variant mismatch")
	}
}
