package llm

import (
	"context"
	"fmt"
	"sync"
)

// MockResponder maps a request to a scripted response. Returning nil falls
// through to the next responder.
type MockResponder func(req CompletionRequest) *CompletionResponse

// MockClient replays scripted responses, either from an ordered queue or from
// matcher functions. It records every request for assertions.
type MockClient struct {
	mu         sync.Mutex
	queue      []*CompletionResponse
	responders []MockResponder
	Requests   []CompletionRequest
}

// NewMockClient builds a mock with an ordered response queue.
func NewMockClient(responses ...*CompletionResponse) *MockClient {
	return &MockClient{queue: responses}
}

// Respond registers a matcher-based responder, consulted before the queue.
func (m *MockClient) Respond(fn MockResponder) *MockClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responders = append(m.responders, fn)
	return m
}

// Push appends responses to the ordered queue.
func (m *MockClient) Push(responses ...*CompletionResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, responses...)
}

func (m *MockClient) Model() string { return "mock" }

func (m *MockClient) Complete(_ context.Context, req CompletionRequest) (*CompletionResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Requests = append(m.Requests, req)
	for _, fn := range m.responders {
		if resp := fn(req); resp != nil {
			return resp, nil
		}
	}
	if len(m.queue) == 0 {
		return nil, fmt.Errorf("mock llm: no scripted response for request %d", len(m.Requests))
	}
	resp := m.queue[0]
	m.queue = m.queue[1:]
	return resp, nil
}

// TextResponse is a convenience constructor for plain-content responses.
func TextResponse(content string) *CompletionResponse {
	return &CompletionResponse{Content: content, StopReason: "stop"}
}

// ToolCallResponse is a convenience constructor for a single function call.
func ToolCallResponse(name string, args map[string]any) *CompletionResponse {
	return &CompletionResponse{
		StopReason: "tool_calls",
		ToolCalls:  []ToolCall{{ID: "call_1", Name: name, Arguments: args}},
	}
}

// MockEmbedder returns deterministic embeddings derived from text bytes, for
// retrieval tests that must not call the network.
type MockEmbedder struct {
	Dim int
}

func (m *MockEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	dim := m.Dim
	if dim == 0 {
		dim = 8
	}
	vec := make([]float32, dim)
	for i, r := range text {
		vec[i%dim] += float32(r%31) / 31
	}
	// normalize so cosine similarity behaves
	var norm float32
	for _, v := range vec {
		norm += v * v
	}
	if norm > 0 {
		inv := 1 / sqrt32(norm)
		for i := range vec {
			vec[i] *= inv
		}
	}
	return vec, nil
}

func (m *MockEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec, err := m.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func sqrt32(f float32) float32 {
	// Newton iteration is plenty for test vectors.
	x := f
	for i := 0; i < 8; i++ {
		x = 0.5 * (x + f/x)
	}
	return x
}
