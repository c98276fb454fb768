package provider

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/ollama/ollama/api"
	"github.com/raphaelgruber/conduit/internal/models"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
)

const livenessTimeout = 5 * time.Second

// Ollama is the text provider, backed by a local Ollama server.
// Discovery and liveness use the native API client; chat goes through
// langchaingo for its streaming surface.
type Ollama struct {
	host   string
	api    *api.Client
	llm    *ollama.LLM
	logger *slog.Logger
}

var _ TextProvider = (*Ollama)(nil)

// NewOllama creates the text provider for the server at host.
func NewOllama(host string, logger *slog.Logger) (*Ollama, error) {
	u, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("parse ollama host: %w", err)
	}

	llm, err := ollama.New(ollama.WithServerURL(host))
	if err != nil {
		return nil, fmt.Errorf("create ollama llm: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}
	return &Ollama{
		host:   host,
		api:    api.NewClient(u, http.DefaultClient),
		llm:    llm,
		logger: logger,
	}, nil
}

func (o *Ollama) Name() string { return "ollama" }
func (o *Ollama) DisplayName() string { return "Ollama" }
func (o *Ollama) Capability() models.Capability { return models.CapabilityText }

// IsRunning probes the server with a bounded timeout. Any failure means
// "not running"; it never errors.
func (o *Ollama) IsRunning(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, livenessTimeout)
	defer cancel()
	return o.api.Heartbeat(ctx) == nil
}

// DiscoverModels enumerates installed models. Best-effort: transport or
// parse failures yield an empty list.
func (o *Ollama) DiscoverModels(ctx context.Context) []models.ModelRecord {
	resp, err := o.api.List(ctx)
	if err != nil {
		o.logger.Debug("ollama discovery failed", "error", err)
		return nil
	}

	records := make([]models.ModelRecord, 0, len(resp.Models))
	for _, m := range resp.Models {
		records = append(records, models.ModelRecord{
			Name:         m.Name,
			Provider:     o.Name(),
			Capability:   models.CapabilityText,
			SizeBytes:    m.Size,
			Quantization: m.Details.QuantizationLevel,
			DisplayName:  m.Name,
		})
	}
	return records
}

// Chat streams a completion for the conversation. Deltas are forwarded
// to onDelta in emission order; the assembled response is returned when
// the stream ends.
func (o *Ollama) Chat(ctx context.Context, model string, payload models.ChatPayload, onDelta func(delta string) error) (string, error) {
	content := make([]llms.MessageContent, 0, len(payload.Messages))
	for _, m := range payload.Messages {
		content = append(content, llms.TextParts(chatRole(m.Role), m.Content))
	}

	opts := []llms.CallOption{
		llms.WithModel(model),
	}
	if payload.Temperature != nil {
		opts = append(opts, llms.WithTemperature(*payload.Temperature))
	}
	if payload.MaxTokens != nil {
		opts = append(opts, llms.WithMaxTokens(*payload.MaxTokens))
	}
	if onDelta != nil {
		opts = append(opts, llms.WithStreamingFunc(func(_ context.Context, chunk []byte) error {
			return onDelta(string(chunk))
		}))
	}

	resp, err := o.llm.GenerateContent(ctx, content, opts...)
	if err != nil {
		return "", fmt.Errorf("chat: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("chat: no response choices")
	}
	return resp.Choices[0].Content, nil
}

func chatRole(role string) llms.ChatMessageType {
	switch role {
	case "system":
		return llms.ChatMessageTypeSystem
	case "assistant":
		return llms.ChatMessageTypeAI
	default:
		return llms.ChatMessageTypeHuman
	}
}
