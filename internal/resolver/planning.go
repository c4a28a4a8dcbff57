package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// ToolDocSummary describes one available tool document for planner prompts.
type ToolDocSummary struct {
	DocID       string `json:"doc_id"`
	ToolID      string `json:"tool_id"`
	Description string `json:"description"`
}

// PlanningMetadata carries the planner-prompt views of the tool catalog and
// the vector-retrieved SOP candidates, in both XML-tagged markdown and JSON.
type PlanningMetadata struct {
	AvailableToolDocsXML     string
	AvailableToolDocsJSON    string
	VectorToolSuggestionsXML string
	VectorSuggestionsJSON    string
}

// PlanningMetadata computes the catalog injected into planning prompts.
func (r *Resolver) PlanningMetadata(ctx context.Context, description string, tools []ToolDocSummary) (*PlanningMetadata, error) {
	hits, err := r.VectorCandidates(ctx, description)
	if err != nil {
		return nil, fmt.Errorf("planning metadata retrieval: %w", err)
	}

	var toolsMD strings.Builder
	toolsMD.WriteString("<available_tool_docs>\n")
	for _, t := range tools {
		fmt.Fprintf(&toolsMD, "- `%s` (tool: %s): %s\n", t.DocID, t.ToolID, t.Description)
	}
	toolsMD.WriteString("</available_tool_docs>")

	var hitsMD strings.Builder
	hitsMD.WriteString("<vector_tool_suggestions>\n")
	for _, h := range hits {
		fmt.Fprintf(&hitsMD, "- `%s` (score %.3f): %s\n", h.DocID, h.Score, h.Description)
	}
	hitsMD.WriteString("</vector_tool_suggestions>")

	toolsJSON, err := json.Marshal(tools)
	if err != nil {
		return nil, err
	}
	type hitJSON struct {
		DocID       string  `json:"doc_id"`
		Description string  `json:"description"`
		Score       float32 `json:"score"`
	}
	hitList := make([]hitJSON, 0, len(hits))
	for _, h := range hits {
		hitList = append(hitList, hitJSON{DocID: h.DocID, Description: h.Description, Score: h.Score})
	}
	hitsJSON, err := json.Marshal(hitList)
	if err != nil {
		return nil, err
	}

	return &PlanningMetadata{
		AvailableToolDocsXML:     toolsMD.String(),
		AvailableToolDocsJSON:    string(toolsJSON),
		VectorToolSuggestionsXML: hitsMD.String(),
		VectorSuggestionsJSON:    string(hitsJSON),
	}, nil
}
