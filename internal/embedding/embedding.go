// Package embedding provides a pluggable interface for text embedding providers.
package embedding

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"math"
	"net/http"
	"strings"
	"time"
	"unicode"

	"github.com/avast/retry-go/v4"
	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"github.com/rcliao/voicekb/internal/apperr"
)

// Vector is a float32 embedding vector.
type Vector = []float32

// Embedder generates embedding vectors from text.
type Embedder interface {
	Embed(ctx context.Context, text string) (Vector, error)
	Dims() int
}

// Config selects and configures an embedding provider.
type Config struct {
	Provider   string        `yaml:"provider"` // openai | ollama | hash
	Model      string        `yaml:"model"`
	BaseURL    string        `yaml:"base_url"`
	APIKey     string        `yaml:"api_key"`
	Dimensions int           `yaml:"dimensions"`
	Timeout    time.Duration `yaml:"timeout"`
}

// CosineSimilarity computes cosine similarity between two vectors.
func CosineSimilarity(a, b Vector) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Encode packs v as little-endian float32s.
func Encode(v Vector) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// Decode reverses Encode.
func Decode(b []byte) Vector {
	out := make(Vector, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}

// --- OpenAI-compatible Provider ---

// OpenAIEmbedder uses any OpenAI-compatible embedding API.
type OpenAIEmbedder struct {
	client openai.Client
	model  string
	dims   int
	// sendDims is set when the caller asked for a specific size; older models
	// reject the dimensions parameter.
	sendDims bool
}

// NewOpenAIEmbedder creates an embedder using an OpenAI-compatible API.
func NewOpenAIEmbedder(baseURL, apiKey, model string, dims int) *OpenAIEmbedder {
	if model == "" {
		model = "text-embedding-3-small"
	}
	sendDims := dims > 0
	if dims == 0 {
		dims = 1536
	}
	opts := []option.RequestOption{option.WithMaxRetries(0)}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIEmbedder{
		client:   openai.NewClient(opts...),
		model:    model,
		dims:     dims,
		sendDims: sendDims,
	}
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) (Vector, error) {
	params := openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfString: openai.String(text)},
		Model: openai.EmbeddingModel(e.model),
	}
	if e.sendDims {
		params.Dimensions = openai.Int(int64(e.dims))
	}
	resp, err := e.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, classifyOpenAI(err)
	}
	if len(resp.Data) == 0 {
		return nil, apperr.New(apperr.ProviderUnavailable, "openai returned no embedding")
	}
	raw := resp.Data[0].Embedding
	v := make(Vector, len(raw))
	for i, f := range raw {
		v[i] = float32(f)
	}
	return v, nil
}

func (e *OpenAIEmbedder) Dims() int { return e.dims }

func classifyOpenAI(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		retryAfter := ""
		if apiErr.Response != nil {
			retryAfter = apiErr.Response.Header.Get("Retry-After")
		}
		return apperr.FromStatus("openai embeddings", apiErr.StatusCode, retryAfter, err)
	}
	return apperr.FromStatus("openai embeddings", 0, "", err)
}

// --- Ollama Provider ---

// OllamaEmbedder uses a local Ollama instance for embeddings.
type OllamaEmbedder struct {
	baseURL string
	model   string
	dims    int
	client  *http.Client
}

type ollamaRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaResponse struct {
	Embedding []float32 `json:"embedding"`
}

// NewOllamaEmbedder creates an embedder using Ollama's API.
// Default model: nomic-embed-text (768 dims), all-minilm (384 dims).
func NewOllamaEmbedder(baseURL, model string, dims int) *OllamaEmbedder {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if model == "" {
		model = "nomic-embed-text"
	}
	if dims == 0 {
		dims = 768
		if model == "all-minilm" {
			dims = 384
		}
	}
	return &OllamaEmbedder{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		dims:    dims,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (e *OllamaEmbedder) Embed(ctx context.Context, text string) (Vector, error) {
	body, _ := json.Marshal(ollamaRequest{Model: e.model, Prompt: text})
	req, err := http.NewRequestWithContext(ctx, "POST", e.baseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, apperr.FromStatus("ollama", 0, "", fmt.Errorf("ollama request failed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		b, _ := io.ReadAll(resp.Body)
		return nil, apperr.FromStatus("ollama", resp.StatusCode, resp.Header.Get("Retry-After"),
			fmt.Errorf("ollama error %d: %s", resp.StatusCode, string(b)))
	}

	var result ollamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return result.Embedding, nil
}

func (e *OllamaEmbedder) Dims() int { return e.dims }

// --- Local hashing Provider ---

// HashEmbedder hashes the terms of Features into a fixed number of buckets
// (signed feature hashing). It needs no network and is deterministic, which
// makes it the offline default.
type HashEmbedder struct {
	dims int
}

// NewHashEmbedder creates a feature-hashing embedder with dims buckets.
func NewHashEmbedder(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = 256
	}
	return &HashEmbedder{dims: dims}
}

func (e *HashEmbedder) Embed(_ context.Context, text string) (Vector, error) {
	v := make(Vector, e.dims)
	for term, weight := range Features(text) {
		h := fnv.New32a()
		h.Write([]byte(term))
		sum := h.Sum32()
		if sum&1 == 1 {
			weight = -weight
		}
		v[int(sum>>1)%e.dims] += weight
	}
	return v, nil
}

func (e *HashEmbedder) Dims() int { return e.dims }

// timeTerm is shared by clock times and by questions about time, so "When
// do you open?" lands near "opens at 9am".
const (
	timeTerm   = "\x00time"
	timeWeight = 2
)

var stopWords = map[string]bool{}

func init() {
	for _, w := range strings.Fields(`a an the and or but at on in of to for from by with
		is are was were be been do does did what which who how when where why
		i you we it its my your our this that these those can will would should
		there here as if so me us`) {
		stopWords[w] = true
	}
}

// Features returns the weighted terms of text: lowercase words without stop
// words and with a plural "s" stripped. Clock times ("9am", "noon") and the
// words "when" and "time" also add a shared time term.
func Features(text string) map[string]float32 {
	out := map[string]float32{}
	for _, tok := range Tokenize(text) {
		if tok == "when" || tok == "time" {
			out[timeTerm] += timeWeight
			continue
		}
		if isClockTime(tok) {
			out[timeTerm] += timeWeight
		}
		if stopWords[tok] {
			continue
		}
		out[stem(tok)]++
	}
	return out
}

// Tokenize lowercases text and splits it on anything that is not a letter or
// digit.
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func isClockTime(tok string) bool {
	if tok == "noon" || tok == "midnight" {
		return true
	}
	for _, suffix := range []string{"am", "pm"} {
		if h, ok := strings.CutSuffix(tok, suffix); ok && h != "" &&
			strings.IndexFunc(h, func(r rune) bool { return r < '0' || r > '9' }) < 0 {
			return true
		}
	}
	return false
}

func stem(tok string) string {
	if len(tok) > 3 && strings.HasSuffix(tok, "s") && !strings.HasSuffix(tok, "ss") {
		return tok[:len(tok)-1]
	}
	return tok
}

// --- Factory ---

// New creates an embedder from configuration. An empty provider selects the
// local hash embedder.
func New(cfg Config) (Embedder, error) {
	var e Embedder
	switch cfg.Provider {
	case "openai":
		e = NewOpenAIEmbedder(cfg.BaseURL, cfg.APIKey, cfg.Model, cfg.Dimensions)
	case "ollama":
		e = NewOllamaEmbedder(cfg.BaseURL, cfg.Model, cfg.Dimensions)
	case "hash", "":
		e = NewHashEmbedder(cfg.Dimensions)
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
	if cfg.Timeout > 0 {
		e = WithTimeout(e, cfg.Timeout)
	}
	return e, nil
}

type timeoutEmbedder struct {
	Embedder
	timeout time.Duration
}

// WithTimeout bounds each Embed call. A deadline hit is reported as a
// retryable ProviderUnavailable.
func WithTimeout(e Embedder, d time.Duration) Embedder {
	return &timeoutEmbedder{Embedder: e, timeout: d}
}

func (t *timeoutEmbedder) Embed(ctx context.Context, text string) (Vector, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	v, err := t.Embedder.Embed(ctx, text)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && apperr.KindOf(err) == "" {
		return nil, apperr.Wrap(apperr.ProviderUnavailable, err, "embedding timed out after %s", t.timeout)
	}
	return v, err
}

// RetryConfig bounds Embed retries.
type RetryConfig struct {
	Attempts uint
	Delay    time.Duration
	MaxDelay time.Duration
}

type retryEmbedder struct {
	Embedder
	cfg RetryConfig
}

// WithRetry retries retryable Embed failures with exponential backoff. A
// provider-supplied Retry-After replaces the computed delay.
func WithRetry(e Embedder, cfg RetryConfig) Embedder {
	if cfg.Attempts <= 1 {
		return e
	}
	return &retryEmbedder{Embedder: e, cfg: cfg}
}

func (r *retryEmbedder) Embed(ctx context.Context, text string) (Vector, error) {
	return retry.DoWithData(
		func() (Vector, error) { return r.Embedder.Embed(ctx, text) },
		retry.Context(ctx),
		retry.Attempts(r.cfg.Attempts),
		retry.Delay(r.cfg.Delay),
		retry.MaxDelay(r.cfg.MaxDelay),
		retry.DelayType(func(n uint, err error, c *retry.Config) time.Duration {
			if d := apperr.RetryAfterOf(err); d > 0 {
				return d
			}
			return retry.BackOffDelay(n, err, c)
		}),
		retry.RetryIf(apperr.IsRetryable),
		retry.LastErrorOnly(true),
	)
}
