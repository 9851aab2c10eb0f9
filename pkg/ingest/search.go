package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/sodateru/sodateru/pkg/embeddings"
	"github.com/sodateru/sodateru/pkg/graphrag"
	"github.com/sodateru/sodateru/pkg/logger"
)

// Query defaults used when a caller leaves a parameter unset.
const (
	DefaultTopK            = 10
	DefaultRandomWalkSteps = 100
	DefaultRestartProb     = 0.15
)

type SearchOptions struct {
	TopK            int
	RandomWalkSteps int
	RestartProb     float64
}

func (o SearchOptions) withDefaults() SearchOptions {
	if o.TopK <= 0 {
		o.TopK = DefaultTopK
	}
	if o.RandomWalkSteps <= 0 {
		o.RandomWalkSteps = DefaultRandomWalkSteps
	}
	if o.RestartProb <= 0 {
		o.RestartProb = DefaultRestartProb
	}
	return o
}

// SearchResult mirrors the query tool's output.
type SearchResult struct {
	Success bool         `json:"success"`
	Message string       `json:"message"`
	Results []ResultItem `json:"results"`
}

type ResultItem struct {
	ID       string         `json:"id"`
	Content  string         `json:"content"`
	Score    float64        `json:"score"`
	Metadata map[string]any `json:"metadata"`
}

type Searcher struct {
	store    Store
	embedder embeddings.Embedder
}

func NewSearcher(store Store, embedder embeddings.Embedder) *Searcher {
	return &Searcher{store: store, embedder: embedder}
}

// Search embeds text and ranks the graph against it.
func (s *Searcher) Search(ctx context.Context, text string, opts SearchOptions) (SearchResult, error) {
	opts = opts.withDefaults()

	res, err := s.search(ctx, text, opts)
	if err != nil {
		logger.ErrorCF("ingest", "Query failed", map[string]interface{}{"error": err})
		return SearchResult{
			Message: "Query execution error: " + err.Error(),
			Results: []ResultItem{},
		}, err
	}
	return res, nil
}

func (s *Searcher) search(ctx context.Context, text string, opts SearchOptions) (SearchResult, error) {
	if text == "" {
		return SearchResult{}, errors.New("query text is empty")
	}
	vectors, err := s.embedder.Embed(ctx, []string{text})
	if err != nil {
		return SearchResult{}, fmt.Errorf("embed query: %w", err)
	}
	if len(vectors) != 1 {
		return SearchResult{}, &embeddings.MismatchError{Sent: 1, Received: len(vectors)}
	}

	ranked, err := s.store.Query(ctx, graphrag.Query{
		Vector:          vectors[0],
		TopK:            opts.TopK,
		RandomWalkSteps: opts.RandomWalkSteps,
		RestartProb:     opts.RestartProb,
	})
	if err != nil {
		return SearchResult{}, err
	}

	items := make([]ResultItem, 0, len(ranked))
	for _, r := range ranked {
		meta := r.Metadata
		if meta == nil {
			meta = map[string]any{}
		}
		items = append(items, ResultItem{ID: r.ID, Content: r.Content, Score: r.Score, Metadata: meta})
	}
	logger.DebugCF("ingest", "Query answered", map[string]interface{}{
		"results": len(items),
		"top_k":   opts.TopK,
	})
	return SearchResult{
		Success: true,
		Message: fmt.Sprintf("Retrieved %d results matching query.", len(items)),
		Results: items,
	}, nil
}
