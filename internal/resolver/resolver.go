package resolver

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"docflow/internal/config"
	"docflow/internal/llm"
	"docflow/internal/logging"
	"docflow/internal/sop"
)

const (
	// PlanDocID is the always-available planner document.
	PlanDocID = "general/plan"
	// UserCommunicateDocID is the document whose selection carries a
	// message_to_user downstream.
	UserCommunicateDocID = "tools/web_user_communicate"
	// toolSelectFunction is the required function name of the selection call.
	toolSelectFunction = "select_tool_for_task"
	// rewriteFunction produces a compact SOP-style search query.
	rewriteFunction = "rewrite_search_query"
)

// Resolution is the outcome of resolving a description. An empty DocID means
// no document was chosen and the caller should fall back.
type Resolution struct {
	DocID         string
	MessageToUser string
	// ViaFastPath is set when an explicit reference skipped the LLM.
	ViaFastPath bool
}

// Resolver drives the two-stage document selection.
type Resolver struct {
	store  *sop.Store
	client llm.Client
	index  *VectorIndex
	cfg    config.VectorSearchConfig
	logger logging.Logger

	docs []docInfo
}

// New builds a resolver over the store's current corpus. The vector index may
// be nil, which disables the retrieval fallback stage.
func New(store *sop.Store, client llm.Client, index *VectorIndex, cfg config.VectorSearchConfig, logger logging.Logger) (*Resolver, error) {
	docs, err := store.LoadAll()
	if err != nil {
		return nil, fmt.Errorf("load corpus: %w", err)
	}
	infos := make([]docInfo, 0, len(docs))
	for _, d := range docs {
		infos = append(infos, docInfo{DocID: d.DocID, Description: d.Description, Aliases: d.Aliases})
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	return &Resolver{
		store:  store,
		client: client,
		index:  index,
		cfg:    cfg,
		logger: logging.OrNop(logger),
		docs:   infos,
	}, nil
}

// Resolve selects the document for a task description.
func (r *Resolver) Resolve(ctx context.Context, description string) (*Resolution, error) {
	candidates := lexicalCandidates(description, r.docs)

	if len(candidates) == 1 && isExplicitReference(description, candidates[0]) {
		r.logger.Debug("explicit reference fast path: %s", candidates[0].DocID)
		return &Resolution{DocID: candidates[0].DocID, ViaFastPath: true}, nil
	}

	if len(candidates) > 0 {
		docID, err := r.disambiguate(ctx, description, candidates)
		if err != nil {
			return nil, err
		}
		if docID != "" {
			return &Resolution{DocID: docID}, nil
		}
	}

	return r.selectTool(ctx, description)
}

var docIDTag = regexp.MustCompile(`(?s)<doc_id>\s*(.*?)\s*</doc_id>`)

// disambiguate asks the LLM to pick one candidate. Returns "" when the model
// answers NONE or an id outside the candidate set.
func (r *Resolver) disambiguate(ctx context.Context, description string, candidates []Candidate) (string, error) {
	var b strings.Builder
	b.WriteString("A task references one of the following procedure documents. Pick the single document the task asks for.\n\n")
	fmt.Fprintf(&b, "Task: %s\n\nCandidates:\n", description)
	for _, c := range candidates {
		fmt.Fprintf(&b, "- id: %s\n  description: %s\n  matched_by: %s (%q)\n", c.DocID, c.Description, c.Kind, c.Matched)
		if len(c.Aliases) > 0 {
			fmt.Fprintf(&b, "  aliases: %s\n", strings.Join(c.Aliases, ", "))
		}
	}
	b.WriteString("\nReply with <doc_id>ID</doc_id> where ID is one of the candidate ids, or <doc_id>NONE</doc_id> if none applies.")

	resp, err := r.client.Complete(ctx, llm.CompletionRequest{Messages: llm.UserMessage(b.String())})
	if err != nil {
		return "", fmt.Errorf("disambiguation call: %w", err)
	}
	m := docIDTag.FindStringSubmatch(resp.Content)
	if m == nil {
		r.logger.Warn("disambiguation reply missing doc_id tag")
		return "", nil
	}
	choice := strings.TrimSpace(m[1])
	if choice == "" || strings.EqualFold(choice, "NONE") {
		return "", nil
	}
	for _, c := range candidates {
		if c.DocID == choice {
			return choice, nil
		}
	}
	r.logger.Warn("disambiguation chose %q, not a candidate", choice)
	return "", nil
}

// VectorCandidates runs retrieval for the description, applying the query
// rewrite stage according to configuration.
func (r *Resolver) VectorCandidates(ctx context.Context, description string) ([]VectorHit, error) {
	if r.index == nil {
		return nil, nil
	}
	hits, err := r.index.Search(ctx, description, r.cfg.TopK)
	if err != nil {
		return nil, err
	}
	if !r.shouldRewrite(hits) {
		return hits, nil
	}
	rewritten, err := r.rewriteQuery(ctx, description)
	if err != nil {
		r.logger.Warn("query rewrite failed, using original results: %v", err)
		return hits, nil
	}
	if rewritten == "" {
		return hits, nil
	}
	r.logger.Debug("rewritten retrieval query: %q", rewritten)
	extra, err := r.index.Search(ctx, rewritten, r.cfg.TopK)
	if err != nil {
		return nil, err
	}
	merged := mergeHits(hits, extra)
	if len(merged) > r.cfg.TopK {
		merged = merged[:r.cfg.TopK]
	}
	return merged, nil
}

func (r *Resolver) shouldRewrite(hits []VectorHit) bool {
	switch r.cfg.RewriteMode {
	case config.RewriteAlways:
		return true
	case config.RewriteAuto:
		return len(hits) == 0 || float64(hits[0].Score) < r.cfg.RewriteThreshold
	default:
		return false
	}
}

func (r *Resolver) rewriteQuery(ctx context.Context, description string) (string, error) {
	schema := llm.ToolSchema{
		Name:        rewriteFunction,
		Description: "Produce a 5-12 word query phrased like a standard-operating-procedure title.",
		Parameters: llm.ParameterSchema{
			Type: "object",
			Properties: map[string]llm.Property{
				"query": {Type: "string", Description: "Rewritten retrieval query, 5-12 words."},
			},
			Required: []string{"query"},
		},
	}
	req := llm.CompletionRequest{
		Messages: llm.UserMessage(fmt.Sprintf(
			"Rewrite this task as a short procedure-document search query:\n%s", description)),
		Tools: []llm.ToolSchema{schema},
	}
	resp, err := llm.CompleteWithTools(ctx, r.client, req, r.logger)
	if err != nil {
		return "", err
	}
	for _, tc := range resp.ToolCalls {
		if tc.Name == rewriteFunction {
			if q, ok := tc.Arguments["query"].(string); ok {
				return strings.TrimSpace(q), nil
			}
		}
	}
	return "", nil
}

// selectTool runs the hard-constrained tool-selection stage.
func (r *Resolver) selectTool(ctx context.Context, description string) (*Resolution, error) {
	hits, err := r.VectorCandidates(ctx, description)
	if err != nil {
		return nil, err
	}
	enum := r.selectionEnum(hits)

	schema := llm.ToolSchema{
		Name:        toolSelectFunction,
		Description: "Choose the tool document that can complete the task.",
		Parameters: llm.ParameterSchema{
			Type: "object",
			Properties: map[string]llm.Property{
				"can_complete_with_tool": {Type: "boolean", Description: "Whether any listed tool can complete the task."},
				"selected_tool_doc":      {Type: "string", Enum: enum, Description: "Doc id of the selected tool."},
				"reasoning":              {Type: "string", Description: "Why this tool was chosen."},
				"message_to_user":        {Type: "string", Description: "Message to show the user when user communication is selected."},
			},
			Required: []string{"can_complete_with_tool", "selected_tool_doc", "reasoning"},
		},
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n\nCandidate tool documents:\n", description)
	for _, id := range enum {
		fmt.Fprintf(&b, "- %s\n", id)
	}
	b.WriteString("\nCall select_tool_for_task with the doc id that should handle the task. Use general/plan when the task needs decomposition first.")

	resp, err := llm.CompleteWithTools(ctx, r.client, llm.CompletionRequest{
		Messages: llm.UserMessage(b.String()),
		Tools:    []llm.ToolSchema{schema},
	}, r.logger)
	if err != nil {
		return nil, err
	}
	if len(resp.ToolCalls) == 0 {
		return nil, fmt.Errorf("tool selection returned no tool call")
	}
	call := resp.ToolCalls[0]
	if call.Name != toolSelectFunction {
		return nil, fmt.Errorf("tool selection returned unexpected call %q", call.Name)
	}
	selected, _ := call.Arguments["selected_tool_doc"].(string)
	if !contains(enum, selected) {
		return nil, fmt.Errorf("tool selection chose %q, outside the allowed set", selected)
	}
	res := &Resolution{DocID: selected}
	if selected == UserCommunicateDocID {
		if msg, ok := call.Arguments["message_to_user"].(string); ok {
			res.MessageToUser = msg
		}
	}
	return res, nil
}

// selectionEnum builds the allowed doc set: vector hits first, then every
// tools/* document, then the planner.
func (r *Resolver) selectionEnum(hits []VectorHit) []string {
	var enum []string
	seen := make(map[string]bool)
	add := func(id string) {
		if id == "" || seen[id] {
			return
		}
		seen[id] = true
		enum = append(enum, id)
	}
	for _, h := range hits {
		add(h.DocID)
	}
	for _, d := range r.docs {
		if strings.HasPrefix(d.DocID, "tools/") {
			add(d.DocID)
		}
	}
	add(PlanDocID)
	return enum
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
