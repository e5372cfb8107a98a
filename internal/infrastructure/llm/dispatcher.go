package llm

import (
	"context"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/hydragate/hydragate/internal/infrastructure/llm/anthropic"
	"github.com/hydragate/hydragate/internal/infrastructure/llm/gemini"
	apperrors "github.com/hydragate/hydragate/pkg/errors"
)

// FallbackModels is the ladder tried in order when the primary model keeps
// returning retryable statuses on the no-tool streaming path.
var FallbackModels = []string{"claude-sonnet-4-6", "claude-haiku-4-5-20251001"}

// IsRetryableStatus reports whether an HTTP status merits a retry:
// 429 or any 5xx.
func IsRetryableStatus(status int) bool {
	return status == 429 || (status >= 500 && status <= 599)
}

// Dispatcher wraps the provider clients with the circuit breaker, a single
// fixed-backoff retry on retryable statuses, and the fallback ladder for the
// no-tool streaming path. Breakers are per-provider.
type Dispatcher struct {
	anthropic *anthropic.Client
	gemini    *gemini.Client
	breakers  map[string]*CircuitBreaker
	backoff   time.Duration
	sleep     func(time.Duration)
	logger    *zap.Logger
}

// NewDispatcher builds a dispatcher with fresh breakers for both providers.
func NewDispatcher(anthropicClient *anthropic.Client, geminiClient *gemini.Client, failureThreshold int, recoveryTimeout, backoff time.Duration, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		anthropic: anthropicClient,
		gemini:    geminiClient,
		breakers: map[string]*CircuitBreaker{
			"anthropic": NewCircuitBreaker(failureThreshold, recoveryTimeout),
			"google":    NewCircuitBreaker(failureThreshold, recoveryTimeout),
		},
		backoff: backoff,
		sleep:   time.Sleep,
		logger:  logger,
	}
}

// Breaker exposes a provider's breaker (health endpoint, tests).
func (d *Dispatcher) Breaker(provider string) *CircuitBreaker {
	return d.breakers[provider]
}

// SendAnthropic performs one Messages call through the breaker with a single
// retry on 429/5xx. The response is returned whatever its status — callers
// inspect it. A non-nil error means the upstream was never reached usefully.
func (d *Dispatcher) SendAnthropic(ctx context.Context, req *anthropic.Request, timeout time.Duration) (*http.Response, error) {
	breaker := d.breakers["anthropic"]
	if !breaker.Allow() {
		return nil, apperrors.NewUnavailableError("circuit breaker is open — upstream Anthropic API is temporarily unavailable")
	}

	resp, err := d.anthropic.Do(ctx, req, timeout)
	if err != nil {
		// Missing credentials are a local condition, not provider health.
		if !apperrors.IsUnauthorized(err) {
			breaker.RecordFailure()
		}
		return nil, err
	}

	if resp.StatusCode < 400 {
		breaker.RecordSuccess()
		return resp, nil
	}

	if !IsRetryableStatus(resp.StatusCode) {
		return resp, nil
	}

	breaker.RecordFailure()
	drainAndClose(resp)
	d.logger.Warn("Anthropic returned retryable status, retrying once",
		zap.Int("status", resp.StatusCode),
		zap.String("model", req.Model),
	)
	d.sleep(d.backoff)

	if !breaker.Allow() {
		return nil, apperrors.NewUnavailableError("circuit breaker is open — upstream Anthropic API is temporarily unavailable")
	}
	retryResp, err := d.anthropic.Do(ctx, req, timeout)
	if err != nil {
		breaker.RecordFailure()
		return nil, err
	}
	if retryResp.StatusCode < 400 {
		breaker.RecordSuccess()
	} else if IsRetryableStatus(retryResp.StatusCode) {
		breaker.RecordFailure()
	}
	return retryResp, nil
}

// StreamAnthropicWithFallback is the no-tool streaming path: after the
// retry inside SendAnthropic still fails retryably, it walks the fallback
// ladder with a fresh dispatch per model until one succeeds or the ladder is
// exhausted. Returns the model that actually served the stream.
func (d *Dispatcher) StreamAnthropicWithFallback(ctx context.Context, req *anthropic.Request, timeout time.Duration) (*http.Response, string, error) {
	resp, err := d.SendAnthropic(ctx, req, timeout)
	if err != nil {
		return nil, req.Model, err
	}
	if resp.StatusCode < 400 || !IsRetryableStatus(resp.StatusCode) {
		return resp, req.Model, nil
	}

	lastResp := resp
	for _, fallback := range FallbackModels {
		if fallback == req.Model {
			continue
		}
		d.logger.Warn("Falling back to lighter model",
			zap.String("from", req.Model),
			zap.String("to", fallback),
			zap.Int("status", lastResp.StatusCode),
		)
		drainAndClose(lastResp)

		fbReq := *req
		fbReq.Model = fallback
		fbResp, fbErr := d.SendAnthropic(ctx, &fbReq, timeout)
		if fbErr != nil {
			return nil, fallback, fbErr
		}
		if fbResp.StatusCode < 400 {
			return fbResp, fallback, nil
		}
		lastResp = fbResp
	}

	return lastResp, req.Model, nil
}

// StreamGemini opens a Gemini stream through the google breaker with a
// single retry on retryable statuses.
func (d *Dispatcher) StreamGemini(ctx context.Context, req *gemini.Request, timeout time.Duration) (*http.Response, error) {
	breaker := d.breakers["google"]
	if !breaker.Allow() {
		return nil, apperrors.NewUnavailableError("circuit breaker is open — upstream Google API is temporarily unavailable")
	}

	resp, err := d.gemini.Stream(ctx, req, timeout)
	if err != nil {
		if !apperrors.IsUnauthorized(err) {
			breaker.RecordFailure()
		}
		return nil, err
	}

	if resp.StatusCode < 400 {
		breaker.RecordSuccess()
		return resp, nil
	}
	if !IsRetryableStatus(resp.StatusCode) {
		return resp, nil
	}

	breaker.RecordFailure()
	drainAndClose(resp)
	d.sleep(d.backoff)

	if !breaker.Allow() {
		return nil, apperrors.NewUnavailableError("circuit breaker is open — upstream Google API is temporarily unavailable")
	}
	retryResp, err := d.gemini.Stream(ctx, req, timeout)
	if err != nil {
		breaker.RecordFailure()
		return nil, err
	}
	if retryResp.StatusCode < 400 {
		breaker.RecordSuccess()
	} else if IsRetryableStatus(retryResp.StatusCode) {
		breaker.RecordFailure()
	}
	return retryResp, nil
}

func drainAndClose(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	resp.Body.Close()
}
