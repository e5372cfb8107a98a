package service

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/hydragate/hydragate/pkg/safego"
)

// ClientMessage is one message as received from the client API.
type ClientMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the inbound chat payload.
type ChatRequest struct {
	Messages      []ClientMessage `json:"messages"`
	Model         string          `json:"model,omitempty"`
	Temperature   *float64        `json:"temperature,omitempty"`
	MaxTokens     *int            `json:"max_tokens,omitempty"`
	MaxIterations *int            `json:"max_iterations,omitempty"`
	SessionID     string          `json:"session_id,omitempty"`
	ToolsEnabled  bool            `json:"tools_enabled,omitempty"`
}

// LastUserMessage returns the newest user message content.
func (r *ChatRequest) LastUserMessage() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == "user" {
			return r.Messages[i].Content
		}
	}
	return ""
}

// Settings is the resolver's view of the persisted settings singleton.
type Settings struct {
	DefaultModel     string
	WorkingDirectory string
	Language         string
	Temperature      float64
	MaxTokens        int
	MaxIterations    int
	ABModelB         string
	ABSplit          float64
}

// SettingsSource loads the settings singleton.
type SettingsSource interface {
	Settings(ctx context.Context) (Settings, error)
}

// SessionSource reads a session's working directory; ok is false when the
// session does not exist or has no override.
type SessionSource interface {
	SessionWorkingDirectory(ctx context.Context, sessionID string) (wd string, ok bool)
}

// ModelSelector maps a tier to a concrete model ID.
type ModelSelector interface {
	ModelForTier(ctx context.Context, useCase string) string
}

// TierTokenBudget caps max_tokens per model family.
func TierTokenBudget(model string) int {
	lower := strings.ToLower(model)
	switch {
	case strings.Contains(lower, "opus"):
		return 8192
	case strings.Contains(lower, "sonnet"):
		return 4096
	case strings.Contains(lower, "haiku"):
		return 2048
	case strings.Contains(lower, "flash"), strings.Contains(lower, "gemini"):
		return 8192
	default:
		return 4096
	}
}

// ContextResolver assembles the per-request ChatContext: model (explicit,
// else complexity-classified; the A/B override may then swap either), working directory
// (session override, else global), generation parameters (request, else
// settings, clamped by tier budget), and the memoized system prompt.
type ContextResolver struct {
	settings  SettingsSource
	sessions  SessionSource
	models    ModelSelector
	prompts   *PromptCache
	classify  func(prompt string) string
	randFloat func() float64
	logger    *zap.Logger
}

func NewContextResolver(settings SettingsSource, sessions SessionSource, models ModelSelector, prompts *PromptCache, classify func(string) string, logger *zap.Logger) *ContextResolver {
	return &ContextResolver{
		settings:  settings,
		sessions:  sessions,
		models:    models,
		prompts:   prompts,
		classify:  classify,
		randFloat: rand.Float64, // fresh randomness per request, never cached
		logger:    logger,
	}
}

// Resolve never fails: missing settings degrade to defaults.
func (r *ContextResolver) Resolve(ctx context.Context, req *ChatRequest) *ChatContext {
	settings, err := r.settings.Settings(ctx)
	if err != nil {
		r.logger.Warn("Settings load failed, using defaults", zap.Error(err))
		settings = Settings{Language: "en", Temperature: 0.7, MaxTokens: 4096, MaxIterations: 10}
	}

	model := req.Model
	if model == "" {
		switch r.classify(req.LastUserMessage()) {
		case "simple":
			model = r.models.ModelForTier(ctx, "flash")
		case "complex":
			model = r.models.ModelForTier(ctx, "commander")
		default:
			model = r.models.ModelForTier(ctx, "coordinator")
		}
	}

	// A/B override from settings; the coin is flipped per request so the
	// split is honoured in expectation even at low QPS.
	if settings.ABModelB != "" && settings.ABSplit > 0 && r.randFloat() < settings.ABSplit {
		r.logger.Info("A/B test: using model_b",
			zap.String("model_b", settings.ABModelB),
			zap.Float64("split", settings.ABSplit),
		)
		model = settings.ABModelB
	}

	workingDirectory := settings.WorkingDirectory
	if req.SessionID != "" {
		if sessionWD, ok := r.sessions.SessionWorkingDirectory(ctx, req.SessionID); ok && sessionWD != "" {
			workingDirectory = sessionWD
		}
	}

	maxTokens := settings.MaxTokens
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}
	if budget := TierTokenBudget(model); maxTokens > budget {
		maxTokens = budget
	}

	temperature := settings.Temperature
	if req.Temperature != nil {
		temperature = *req.Temperature
	}
	if temperature < 0 {
		temperature = 0
	}
	if temperature > 2 {
		temperature = 2
	}

	maxIterations := settings.MaxIterations
	if req.MaxIterations != nil {
		maxIterations = *req.MaxIterations
	}
	if maxIterations < 1 {
		maxIterations = 1
	}
	if maxIterations > 50 {
		maxIterations = 50
	}

	return &ChatContext{
		Model:            model,
		MaxTokens:        maxTokens,
		Temperature:      temperature,
		MaxIterations:    maxIterations,
		WorkingDirectory: workingDirectory,
		SessionID:        req.SessionID,
		SystemPrompt:     r.prompts.Get(workingDirectory, settings.Language),
	}
}

// ── System prompt ──

// AssistantIdentity opens every server-built system prompt. The client-side
// priming filter keys on it too.
const AssistantIdentity = "You are the Hydra Gateway coding assistant, commanding a three-tier model swarm."

// BuildSystemPrompt assembles the fixed preamble: identity, tier roster,
// tool list, language constraint, the "what next?" footer contract, and the
// working-directory section when one is set.
func BuildSystemPrompt(workingDirectory, language string) string {
	langName := "English"
	if language == "pl" {
		langName = "Polish"
	}

	lines := []string{
		AssistantIdentity,
		"The tiers are: Commander (advanced reasoning), Coordinator (default), Executor (fast tasks).",
		"",
		"You assist the user with software engineering tasks.",
		"You have access to local file tools (read_file, list_directory, write_file, search_in_files).",
		"Use them proactively when the user asks about files or code.",
		"Respond concisely and helpfully. Use markdown formatting when appropriate.",
		fmt.Sprintf("Write ALL text in **%s** (except code, file paths, and identifiers).", langName),
		"",
		"## Task Completion",
		"At the END of every completed task, add a section '## Co dalej?' with exactly 5 numbered follow-up tasks the user could ask you to do next. Make them specific, actionable, and relevant to the work just completed. Format each as a one-line imperative sentence.",
	}
	if workingDirectory != "" {
		lines = append(lines,
			"",
			"## Working Directory",
			fmt.Sprintf("**Current working directory**: `%s`", workingDirectory),
			"You can use relative paths (e.g. `src/main.go`) — they resolve against this directory.",
			"You do NOT need to specify absolute paths unless referencing files outside this folder.",
		)
	}
	return strings.Join(lines, "\n")
}

// PromptCache memoizes built system prompts under "{wd}:{lang}".
// Read-mostly; misses insert asynchronously and return the built prompt
// immediately.
type PromptCache struct {
	mu     sync.RWMutex
	cache  map[string]string
	logger *zap.Logger
}

func NewPromptCache(logger *zap.Logger) *PromptCache {
	return &PromptCache{cache: make(map[string]string), logger: logger}
}

// Get returns the memoized prompt or builds one, storing it in the
// background.
func (p *PromptCache) Get(workingDirectory, language string) string {
	key := workingDirectory + ":" + language

	p.mu.RLock()
	prompt, ok := p.cache[key]
	p.mu.RUnlock()
	if ok {
		return prompt
	}

	built := BuildSystemPrompt(workingDirectory, language)
	safego.Go(p.logger, "prompt-cache-insert", func() {
		p.mu.Lock()
		p.cache[key] = built
		p.mu.Unlock()
	})
	return built
}

// Warm pre-builds both language variants with an empty working directory.
func (p *PromptCache) Warm() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, lang := range []string{"en", "pl"} {
		p.cache[":"+lang] = BuildSystemPrompt("", lang)
	}
	p.logger.Info("prompt cache pre-warmed", zap.Int("variants", 2))
	return 2
}
