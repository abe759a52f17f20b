package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/AleutianAnalyst/pkg/retry"
)

var tracer = otel.Tracer("aleutian.llm")

// OllamaConfig configures OllamaClient.
type OllamaConfig struct {
	BaseURL        string
	Model          string
	EmbeddingModel string
	Timeout        time.Duration
}

type OllamaClient struct {
	httpClient     *http.Client
	baseURL        string
	model          string
	embeddingModel string
}

var (
	_ LLMClient = (*OllamaClient)(nil)
	_ Embedder  = (*OllamaClient)(nil)
)

// Ollama API request structure
type ollamaGenerateRequest struct {
	Model   string                 `json:"model"`
	Prompt  string                 `json:"prompt"`
	Stream  bool                   `json:"stream"`
	Options map[string]interface{} `json:"options,omitempty"`
}

type ollamaGenerateResponse struct {
	Model     string `json:"model"`
	CreatedAt string `json:"created_at"`
	Response  string `json:"response"`
	Done      bool   `json:"done"`
}

type ollamaEmbedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type ollamaEmbedResponse struct {
	Model      string      `json:"model"`
	Embeddings [][]float32 `json:"embeddings"`
}

func NewOllamaClient(cfg OllamaConfig) (*OllamaClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("OLLAMA_BASE_URL environment variable not set")
	}
	if cfg.Model == "" {
		slog.Warn("OLLAMA_MODEL not set, defaulting to qwen2.5-coder")
		cfg.Model = "qwen2.5-coder"
	}
	if cfg.EmbeddingModel == "" {
		cfg.EmbeddingModel = "nomic-embed-text"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	slog.Info("Initializing Ollama client", "base_url", baseURL, "default_model", cfg.Model, "embedding_model", cfg.EmbeddingModel)
	return &OllamaClient{
		httpClient:     &http.Client{Timeout: cfg.Timeout},
		baseURL:        baseURL,
		model:          cfg.Model,
		embeddingModel: cfg.EmbeddingModel,
	}, nil
}

// Generate implements the LLMClient interface
func (o *OllamaClient) Generate(ctx context.Context, prompt string,
	params GenerationParams) (string, error) {

	ctx, span := tracer.Start(ctx, "OllamaClient.Generate")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", o.model))
	slog.Debug("Generating text via Ollama", "model", o.model)

	options := map[string]interface{}{
		"temperature": float32(0.2),
		"top_k":       20,
		"top_p":       float32(0.9),
		"num_predict": 2048,
	}
	if params.Temperature != nil {
		options["temperature"] = *params.Temperature
	}
	if params.TopK != nil {
		options["top_k"] = *params.TopK
	}
	if params.TopP != nil {
		options["top_p"] = *params.TopP
	}
	if params.MaxTokens != nil {
		options["num_predict"] = *params.MaxTokens
	}
	if len(params.Stop) > 0 {
		options["stop"] = params.Stop
	}

	var ollamaResp ollamaGenerateResponse
	err := o.post(ctx, "/api/generate", ollamaGenerateRequest{
		Model:   o.model,
		Prompt:  prompt,
		Stream:  false,
		Options: options,
	}, &ollamaResp)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	if strings.TrimSpace(ollamaResp.Response) == "" {
		return "", ErrEmptyResponse
	}

	slog.Debug("Received response from Ollama")
	return ollamaResp.Response, nil
}

// Embed calls /api/embed with the configured embedding model.
func (o *OllamaClient) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, span := tracer.Start(ctx, "OllamaClient.Embed")
	defer span.End()
	span.SetAttributes(attribute.String("llm.embedding_model", o.embeddingModel))

	var resp ollamaEmbedResponse
	if err := o.post(ctx, "/api/embed", ollamaEmbedRequest{Model: o.embeddingModel, Input: text}, &resp); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if len(resp.Embeddings) == 0 || len(resp.Embeddings[0]) == 0 {
		return nil, ErrEmptyResponse
	}
	return resp.Embeddings[0], nil
}

// post sends a JSON request and decodes a JSON reply. Non-200 replies other
// than 429 and 5xx are returned as permanent errors.
func (o *OllamaClient) post(ctx context.Context, path string, payload any, out any) error {
	reqBodyBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request to Ollama: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+path, bytes.NewBuffer(reqBodyBytes))
	if err != nil {
		return fmt.Errorf("failed to create request to Ollama: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		slog.Error("Ollama API call failed", "path", path, "error", err)
		return fmt.Errorf("Ollama API call failed: %w", err)
	}
	defer resp.Body.Close()

	respBodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body from Ollama: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == http.StatusNotFound {
			var errResp struct {
				Error string `json:"error"`
			}
			if err := json.Unmarshal(respBodyBytes, &errResp); err == nil && strings.Contains(errResp.Error, "model") && strings.Contains(errResp.Error, "not found") {
				slog.Warn("Ollama model not found", "error", errResp.Error)
				return retry.Permanent(fmt.Errorf("ollama model not found: %s", errResp.Error))
			}
		}
		slog.Error("Ollama returned an error", "status_code", resp.StatusCode, "response", string(respBodyBytes))
		err := fmt.Errorf("Ollama failed with status %d: %s", resp.StatusCode, string(respBodyBytes))
		if isTransientStatus(resp.StatusCode) {
			return err
		}
		return retry.Permanent(err)
	}

	if err := json.Unmarshal(respBodyBytes, out); err != nil {
		slog.Error("Failed to parse JSON response from Ollama", "error", err, "response", string(respBodyBytes))
		return fmt.Errorf("failed to parse Ollama response: %w", err)
	}
	return nil
}
