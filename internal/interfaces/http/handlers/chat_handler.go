package handlers

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/hydragate/hydragate/internal/domain/entity"
	"github.com/hydragate/hydragate/internal/domain/service"
	"github.com/hydragate/hydragate/internal/infrastructure/llm"
	"github.com/hydragate/hydragate/internal/infrastructure/llm/anthropic"
	"github.com/hydragate/hydragate/internal/infrastructure/llm/gemini"
	"github.com/hydragate/hydragate/internal/infrastructure/tool"
	apperrors "github.com/hydragate/hydragate/pkg/errors"
	"github.com/hydragate/hydragate/pkg/safego"
)

// heartbeatInterval keeps idle proxies from closing the NDJSON socket.
const heartbeatInterval = 15 * time.Second

// ChatHandler serves the streaming chat endpoint: the agentic tool loop when
// tools are enabled, otherwise the plain streaming path (with the Gemini
// hybrid route and the Anthropic fallback ladder).
type ChatHandler struct {
	engine     *service.Engine
	resolver   *service.ContextResolver
	history    *service.HistoryAdapter
	upstream   service.Upstream
	dispatcher *llm.Dispatcher
	tools      *tool.Executor
	logger     *zap.Logger
}

func NewChatHandler(engine *service.Engine, resolver *service.ContextResolver, history *service.HistoryAdapter, upstream service.Upstream, dispatcher *llm.Dispatcher, tools *tool.Executor, logger *zap.Logger) *ChatHandler {
	return &ChatHandler{
		engine:     engine,
		resolver:   resolver,
		history:    history,
		upstream:   upstream,
		dispatcher: dispatcher,
		tools:      tools,
		logger:     logger,
	}
}

// Stream handles POST /api/claude/chat/stream.
func (h *ChatHandler) Stream(c *gin.Context) {
	var req service.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(req.Messages) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "messages must not be empty"})
		return
	}

	ctx := c.Request.Context()
	chatCtx := h.resolver.Resolve(ctx, &req)
	h.logger.Info("chat stream",
		zap.String("model", chatCtx.Model),
		zap.String("session_id", chatCtx.SessionID),
		zap.String("wd", chatCtx.WorkingDirectory),
		zap.Bool("tools", req.ToolsEnabled),
	)

	if req.ToolsEnabled {
		h.streamWithTools(c, &req, chatCtx)
		return
	}
	if strings.HasPrefix(chatCtx.Model, "gemini-") {
		h.streamGemini(c, &req, chatCtx)
		return
	}
	h.streamPlain(c, &req, chatCtx)
}

// streamWithTools runs the agentic loop.
func (h *ChatHandler) streamWithTools(c *gin.Context, req *service.ChatRequest, chatCtx *service.ChatContext) {
	conversation := h.history.BuildConversation(c.Request.Context(), req)
	runner := h.tools.WithWorkingDirectory(chatCtx.WorkingDirectory)

	start := time.Now()
	result, events := h.engine.Run(c.Request.Context(), chatCtx, conversation, runner)

	writeNDJSON(c, events)
	// writeNDJSON also returns on client disconnect; drain until the loop
	// closes the channel so the result is no longer being written.
	for range events {
	}

	// The channel is closed, so the result is complete. Persistence is
	// fire-and-forget.
	h.history.PersistRun(chatCtx.SessionID, result)
	promptLen := len(req.LastUserMessage())
	h.history.RecordUsage(result.Model, promptLen/4, result.TotalTokens, int(time.Since(start).Milliseconds()), true)
}

// streamPlain is the no-tools Anthropic path with the fallback ladder.
func (h *ChatHandler) streamPlain(c *gin.Context, req *service.ChatRequest, chatCtx *service.ChatContext) {
	conversation := service.FilterClientPriming(req.Messages)
	temperature := chatCtx.Temperature
	start := time.Now()

	events := make(chan string, 256)
	safego.Go(h.logger, "plain-stream", func() {
		defer close(events)
		emit := func(line string) {
			select {
			case events <- line:
			case <-c.Request.Context().Done():
			}
		}

		resp, servedModel, err := h.dispatcher.StreamAnthropicWithFallback(c.Request.Context(), &anthropic.Request{
			Model:       chatCtx.Model,
			MaxTokens:   chatCtx.MaxTokens,
			System:      chatCtx.SystemPrompt,
			Messages:    conversation,
			Temperature: &temperature,
			Stream:      true,
		}, 300*time.Second)
		if err != nil {
			emit(entity.DoneLine(streamErrorToken(err), chatCtx.Model, 0))
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 500))
			emit(entity.DoneLine("\n[Anthropic error: "+string(body)+"]", servedModel, 0))
			return
		}

		turn, terr := anthropic.Transcode(resp.Body, emit, h.logger)
		if terr != nil {
			emit(entity.DoneLine("[error: "+terr.Error()+"]", servedModel, turn.OutputTokens))
		} else {
			emit(entity.DoneLine("", servedModel, turn.OutputTokens))
		}

		promptLen := 0
		for _, m := range req.Messages {
			promptLen += len(m.Content)
		}
		h.history.RecordUsage(servedModel, promptLen/4, turn.OutputTokens, int(time.Since(start).Milliseconds()), terr == nil)
	})

	writeNDJSON(c, events)
}

// streamGemini is the hybrid route for gemini-* models.
func (h *ChatHandler) streamGemini(c *gin.Context, req *service.ChatRequest, chatCtx *service.ChatContext) {
	conversation := service.FilterClientPriming(req.Messages)

	events := make(chan string, 256)
	safego.Go(h.logger, "gemini-stream", func() {
		defer close(events)
		emit := func(line string) {
			select {
			case events <- line:
			case <-c.Request.Context().Done():
			}
		}

		resp, err := h.dispatcher.StreamGemini(c.Request.Context(), &gemini.Request{
			Model:       chatCtx.Model,
			System:      chatCtx.SystemPrompt,
			Messages:    conversation,
			Temperature: chatCtx.Temperature,
			MaxTokens:   chatCtx.MaxTokens,
		}, 300*time.Second)
		if err != nil {
			emit(entity.DoneLine(streamErrorToken(err), chatCtx.Model, 0))
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 500))
			emit(entity.DoneLine("\n[Google error: "+string(body)+"]", chatCtx.Model, 0))
			return
		}

		result, terr := gemini.Transcode(resp.Body, emit, h.logger)
		if terr != nil {
			emit(entity.DoneLine("[error: "+terr.Error()+"]", chatCtx.Model, result.TotalTokens))
		} else {
			emit(entity.DoneLine("", chatCtx.Model, result.TotalTokens))
		}
	})

	writeNDJSON(c, events)
}

// writeNDJSON drains the event channel onto the response, one JSON object
// per line, interleaving SSE-style heartbeat comments while idle. Client
// disconnect ends the copy; the producer observes it via the request
// context.
func writeNDJSON(c *gin.Context, events <-chan string) {
	c.Header("Content-Type", "application/x-ndjson")
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Content-Type-Options", "nosniff")
	c.Status(http.StatusOK)

	writer := c.Writer
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case line, ok := <-events:
			if !ok {
				return
			}
			if _, err := writer.WriteString(line + "\n"); err != nil {
				return
			}
			writer.Flush()
			heartbeat.Reset(heartbeatInterval)
		case <-heartbeat.C:
			if _, err := writer.WriteString(": heartbeat\n\n"); err != nil {
				return
			}
			writer.Flush()
		case <-c.Request.Context().Done():
			return
		}
	}
}

func streamErrorToken(err error) string {
	if apperrors.IsUnavailable(err) {
		return "\n[Service unavailable: " + err.Error() + "]"
	}
	if apperrors.IsUnauthorized(err) {
		return "\n[No credential: " + err.Error() + "]"
	}
	return "\n[API error: " + err.Error() + "]"
}
