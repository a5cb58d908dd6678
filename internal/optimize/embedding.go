package optimize

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"google.golang.org/genai"
)

// Embedder generates vector embeddings for text, backed by a local Ollama
// server or Google's GenAI API depending on configuration (4.5).
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	Name() string
}

// EmbeddingHealthChecker is an optional capability an Embedder may implement
// so the selector can skip the semantic stage (UPSTREAM_DEGRADED) instead of
// paying per-call timeouts when the backend is known to be down.
type EmbeddingHealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// EmbeddingConfig selects and configures an Embedder.
type EmbeddingConfig struct {
	Provider       string // "ollama" or "genai"
	OllamaEndpoint string
	OllamaModel    string
	GenAIAPIKey    string
	GenAIModel     string
	TaskType       string
}

// NewEmbedder constructs an Embedder for cfg.Provider.
func NewEmbedder(cfg EmbeddingConfig) (Embedder, error) {
	switch cfg.Provider {
	case "ollama":
		return newOllamaEmbedder(cfg.OllamaEndpoint, cfg.OllamaModel), nil
	case "genai":
		return newGenAIEmbedder(cfg.GenAIAPIKey, cfg.GenAIModel, cfg.TaskType)
	default:
		return nil, fmt.Errorf("optimize: unsupported embedding provider %q", cfg.Provider)
	}
}

// CosineSimilarity returns the cosine similarity between two equal-length
// vectors.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("optimize: vector dimension mismatch: %d != %d", len(a), len(b))
	}
	var dot, aMag, bMag float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		aMag += float64(a[i]) * float64(a[i])
		bMag += float64(b[i]) * float64(b[i])
	}
	if aMag == 0 || bMag == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(aMag) * math.Sqrt(bMag)), nil
}

// normalizeL2 rescales vec to unit length in place and returns it, satisfying
// the embed() contract that every returned vector is L2-normalized. A
// zero vector is returned unchanged since it has no direction to normalize
// to.
func normalizeL2(vec []float32) []float32 {
	var sumSquares float64
	for _, v := range vec {
		sumSquares += float64(v) * float64(v)
	}
	if sumSquares == 0 {
		return vec
	}
	norm := math.Sqrt(sumSquares)
	for i, v := range vec {
		vec[i] = float32(float64(v) / norm)
	}
	return vec
}

// --- Ollama backend ---

type ollamaEmbedder struct {
	endpoint string
	model    string
	client   *http.Client
}

func newOllamaEmbedder(endpoint, model string) *ollamaEmbedder {
	if endpoint == "" {
		endpoint = "http://localhost:11434"
	}
	if model == "" {
		model = "embeddinggemma"
	}
	return &ollamaEmbedder{
		endpoint: endpoint,
		model:    model,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}

func (e *ollamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(ollamaEmbedRequest{Model: e.model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("optimize: marshaling ollama request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("optimize: building ollama request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("optimize: ollama request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("optimize: ollama returned status %d: %s", resp.StatusCode, string(b))
	}

	var result ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("optimize: decoding ollama response: %w", err)
	}
	return normalizeL2(result.Embedding), nil
}

func (e *ollamaEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := e.Embed(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("optimize: embedding text %d: %w", i, err)
		}
		out[i] = vec
	}
	return out, nil
}

func (e *ollamaEmbedder) Dimensions() int { return 768 }
func (e *ollamaEmbedder) Name() string    { return "ollama:" + e.model }

func (e *ollamaEmbedder) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.endpoint+"/api/tags", nil)
	if err != nil {
		return err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("optimize: ollama health check returned status %d", resp.StatusCode)
	}
	return nil
}

// --- Google GenAI backend ---

const genAIOutputDimensionality = 768

type genAIEmbedder struct {
	client   *genai.Client
	model    string
	taskType string
}

func newGenAIEmbedder(apiKey, model, taskType string) (*genAIEmbedder, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("optimize: genai embedding provider requires an API key")
	}
	if model == "" {
		model = "gemini-embedding-001"
	}
	if taskType == "" {
		taskType = "SEMANTIC_SIMILARITY"
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("optimize: creating genai client: %w", err)
	}
	return &genAIEmbedder{client: client, model: model, taskType: taskType}, nil
}

func dimsPtr(n int32) *int32 { return &n }

func (e *genAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 {
		return nil, fmt.Errorf("optimize: genai returned no embeddings")
	}
	return vecs[0], nil
}

func (e *genAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	contents := make([]*genai.Content, len(texts))
	for i, t := range texts {
		contents[i] = genai.NewContentFromText(t, genai.RoleUser)
	}

	result, err := e.client.Models.EmbedContent(ctx, e.model, contents, &genai.EmbedContentConfig{
		OutputDimensionality: dimsPtr(genAIOutputDimensionality),
	})
	if err != nil {
		return nil, fmt.Errorf("optimize: genai embed failed: %w", err)
	}
	if len(result.Embeddings) != len(texts) {
		log.Warn().Int("requested", len(texts)).Int("returned", len(result.Embeddings)).Msg("genai embedding count mismatch")
	}

	out := make([][]float32, len(result.Embeddings))
	for i, e := range result.Embeddings {
		// Matryoshka truncation to OutputDimensionality leaves the vector
		// off unit-norm, so it must be renormalized here rather than relied
		// on to already be normalized.
		out[i] = normalizeL2(e.Values)
	}
	return out, nil
}

func (e *genAIEmbedder) Dimensions() int { return genAIOutputDimensionality }
func (e *genAIEmbedder) Name() string    { return "genai:" + e.model }
