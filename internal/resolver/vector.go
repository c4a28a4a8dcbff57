package resolver

import (
	"context"
	"fmt"
	"sort"
	"strings"

	chromem "github.com/philippgille/chromem-go"

	"docflow/internal/llm"
	"docflow/internal/logging"
	"docflow/internal/sop"
)

// VectorHit is one retrieval result.
type VectorHit struct {
	DocID       string
	Description string
	Score       float32
}

// VectorIndex holds an embedding-backed similarity index over the corpus.
// Every document contributes several entries (the bare id, the
// "id: description" form, and each alias), all carrying the doc id in
// metadata so results can be deduped per document.
type VectorIndex struct {
	collection *chromem.Collection
	docCount   int
	descByID   map[string]string
	logger     logging.Logger
}

// NewVectorIndex embeds and indexes the given documents.
func NewVectorIndex(ctx context.Context, docs []*sop.Document, embedder llm.Embedder, logger logging.Logger) (*VectorIndex, error) {
	logger = logging.OrNop(logger)
	db := chromem.NewDB()
	embedFunc := chromem.EmbeddingFunc(func(ctx context.Context, text string) ([]float32, error) {
		return embedder.Embed(ctx, text)
	})
	collection, err := db.CreateCollection("sop_docs", nil, embedFunc)
	if err != nil {
		return nil, fmt.Errorf("create vector collection: %w", err)
	}

	idx := &VectorIndex{
		collection: collection,
		logger:     logger,
		descByID:   make(map[string]string, len(docs)),
	}
	var entries []chromem.Document
	for _, doc := range docs {
		idx.descByID[doc.DocID] = doc.Description
		texts := []string{doc.DocID}
		if doc.Description != "" {
			texts = append(texts, doc.DocID+": "+doc.Description)
		}
		texts = append(texts, doc.Aliases...)
		for i, text := range texts {
			entries = append(entries, chromem.Document{
				ID:       fmt.Sprintf("%s#%d", doc.DocID, i),
				Content:  text,
				Metadata: map[string]string{"doc_id": doc.DocID},
			})
		}
	}
	if len(entries) > 0 {
		if err := collection.AddDocuments(ctx, entries, 4); err != nil {
			return nil, fmt.Errorf("index corpus: %w", err)
		}
	}
	idx.docCount = len(entries)
	logger.Debug("vector index built: %d documents, %d entries", len(docs), len(entries))
	return idx, nil
}

// Search returns the topK most similar documents, deduped by doc id keeping
// the best score; ties break by first appearance in the raw result order.
func (v *VectorIndex) Search(ctx context.Context, query string, topK int) ([]VectorHit, error) {
	if v.docCount == 0 || strings.TrimSpace(query) == "" {
		return nil, nil
	}
	n := topK * 4
	if n > v.docCount {
		n = v.docCount
	}
	results, err := v.collection.Query(ctx, query, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("vector query: %w", err)
	}
	hits := dedupeHits(results, v.descByID)
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

func dedupeHits(results []chromem.Result, descByID map[string]string) []VectorHit {
	best := make(map[string]int)
	var hits []VectorHit
	for _, r := range results {
		docID := r.Metadata["doc_id"]
		if docID == "" {
			continue
		}
		if i, ok := best[docID]; ok {
			if r.Similarity > hits[i].Score {
				hits[i].Score = r.Similarity
			}
			continue
		}
		best[docID] = len(hits)
		hits = append(hits, VectorHit{DocID: docID, Description: descByID[docID], Score: r.Similarity})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	return hits
}

// mergeHits combines results from the original and rewritten queries: dedup
// by doc id with the best score winning, ties broken by first appearance,
// sorted by score.
func mergeHits(primary, secondary []VectorHit) []VectorHit {
	index := make(map[string]int)
	var merged []VectorHit
	for _, h := range append(append([]VectorHit(nil), primary...), secondary...) {
		if i, ok := index[h.DocID]; ok {
			if h.Score > merged[i].Score {
				merged[i].Score = h.Score
			}
			continue
		}
		index[h.DocID] = len(merged)
		merged = append(merged, h)
	}
	sort.SliceStable(merged, func(i, j int) bool { return merged[i].Score > merged[j].Score })
	return merged
}
