package llm

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"docflow/internal/config"
	"docflow/internal/httpclient"
	"docflow/internal/logging"
)

const embedBatchLimit = 100

// openaiEmbedder calls the OpenAI-compatible embeddings endpoint, fronted by
// an in-memory LRU and an on-disk JSON cache keyed by text hash.
type openaiEmbedder struct {
	model      string
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     logging.Logger

	cache *lru.Cache[string, []float32]

	diskMu   sync.Mutex
	diskPath string
	disk     map[string][]float32
}

// EmbedderOption mutates embedder construction.
type EmbedderOption func(*openaiEmbedder)

// WithEmbedderHTTPClient overrides the underlying HTTP client (tests).
func WithEmbedderHTTPClient(c *http.Client) EmbedderOption {
	return func(e *openaiEmbedder) { e.httpClient = c }
}

// WithDiskCache enables the persistent cache under
// <cacheDir>/embeddings/<model>.json.
func WithDiskCache(cacheDir string) EmbedderOption {
	return func(e *openaiEmbedder) {
		safe := strings.NewReplacer("/", "_", ":", "_").Replace(e.model)
		e.diskPath = filepath.Join(cacheDir, "embeddings", safe+".json")
	}
}

// NewEmbedder builds an embeddings client for cfg.EmbeddingModel.
func NewEmbedder(cfg config.LLMConfig, logger logging.Logger, opts ...EmbedderOption) (Embedder, error) {
	cache, err := lru.New[string, []float32](10000)
	if err != nil {
		return nil, fmt.Errorf("create embedding cache: %w", err)
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	e := &openaiEmbedder{
		model:      cfg.EmbeddingModel,
		apiKey:     cfg.APIKey,
		baseURL:    baseURL,
		httpClient: httpclient.New(60*time.Second, logger),
		logger:     logging.OrNop(logger),
		cache:      cache,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.diskPath != "" {
		e.loadDiskCache()
	}
	return e, nil
}

func (e *openaiEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (e *openaiEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("no texts provided")
	}
	if len(texts) > embedBatchLimit {
		return nil, fmt.Errorf("batch size %d exceeds limit %d", len(texts), embedBatchLimit)
	}

	results := make([][]float32, len(texts))
	var missIdx []int
	var missTexts []string
	for i, text := range texts {
		if vec, ok := e.lookup(text); ok {
			results[i] = vec
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, text)
	}
	if len(missTexts) == 0 {
		return results, nil
	}

	embeddings, err := e.callAPI(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	if len(embeddings) != len(missTexts) {
		return nil, fmt.Errorf("embeddings endpoint returned %d vectors for %d inputs", len(embeddings), len(missTexts))
	}
	for j, idx := range missIdx {
		results[idx] = embeddings[j]
		e.store(missTexts[j], embeddings[j])
	}
	e.flushDiskCache()
	return results, nil
}

func (e *openaiEmbedder) callAPI(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(map[string]any{
		"model": e.model,
		"input": texts,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embeddings request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		return nil, fmt.Errorf("embeddings endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var parsed struct {
		Data []struct {
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode embeddings response: %w", err)
	}
	out := make([][]float32, len(parsed.Data))
	for _, d := range parsed.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, fmt.Errorf("embeddings response index %d out of range", d.Index)
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}

func textKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

func (e *openaiEmbedder) lookup(text string) ([]float32, bool) {
	key := textKey(text)
	if vec, ok := e.cache.Get(key); ok {
		return vec, true
	}
	if e.diskPath != "" {
		e.diskMu.Lock()
		vec, ok := e.disk[key]
		e.diskMu.Unlock()
		if ok {
			e.cache.Add(key, vec)
			return vec, true
		}
	}
	return nil, false
}

func (e *openaiEmbedder) store(text string, vec []float32) {
	key := textKey(text)
	e.cache.Add(key, vec)
	if e.diskPath != "" {
		e.diskMu.Lock()
		if e.disk == nil {
			e.disk = make(map[string][]float32)
		}
		e.disk[key] = vec
		e.diskMu.Unlock()
	}
}

func (e *openaiEmbedder) loadDiskCache() {
	data, err := os.ReadFile(e.diskPath)
	if err != nil {
		if !os.IsNotExist(err) {
			e.logger.Warn("embedding cache read failed: %v", err)
		}
		e.disk = make(map[string][]float32)
		return
	}
	if err := json.Unmarshal(data, &e.disk); err != nil {
		e.logger.Warn("embedding cache corrupt, starting fresh: %v", err)
		e.disk = make(map[string][]float32)
	}
}

func (e *openaiEmbedder) flushDiskCache() {
	if e.diskPath == "" {
		return
	}
	e.diskMu.Lock()
	defer e.diskMu.Unlock()
	data, err := json.Marshal(e.disk)
	if err != nil {
		e.logger.Warn("embedding cache encode failed: %v", err)
		return
	}
	if err := os.MkdirAll(filepath.Dir(e.diskPath), 0o755); err != nil {
		e.logger.Warn("embedding cache dir: %v", err)
		return
	}
	if err := os.WriteFile(e.diskPath, data, 0o644); err != nil {
		e.logger.Warn("embedding cache write failed: %v", err)
	}
}
