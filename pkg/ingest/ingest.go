// Package ingest connects raw text to the knowledge store: it chunks and
// embeds documents for Upsert, and embeds questions for Query.
package ingest

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/sodateru/sodateru/pkg/chunker"
	"github.com/sodateru/sodateru/pkg/embeddings"
	"github.com/sodateru/sodateru/pkg/graphrag"
	"github.com/sodateru/sodateru/pkg/knowledge"
	"github.com/sodateru/sodateru/pkg/logger"
	"github.com/sodateru/sodateru/pkg/security"
)

// Store is the part of *knowledge.Store the adapters use.
type Store interface {
	Upsert(ctx context.Context, chunks []graphrag.Chunk, embeddings []graphrag.Embedding) (knowledge.UpsertResult, error)
	Query(ctx context.Context, q graphrag.Query) ([]graphrag.RankedNode, error)
}

const defaultConcurrency = 4

// IngestResult mirrors the upsert tool's output.
type IngestResult struct {
	Success         bool   `json:"success"`
	Message         string `json:"message"`
	ChunksProcessed int    `json:"chunksProcessed"`
	TotalNodes      int    `json:"totalNodes"`
}

type Ingestor struct {
	store       Store
	embedder    embeddings.Embedder
	splitter    chunker.Recursive
	concurrency int
	newDocID    func() string
	redactor    *security.Redactor
}

type IngestorOption func(*Ingestor)

// WithConcurrency bounds how many documents are chunked and embedded at once.
func WithConcurrency(n int) IngestorOption {
	return func(i *Ingestor) {
		if n > 0 {
			i.concurrency = n
		}
	}
}

// WithSplitter replaces the default 512/50 recursive splitter.
func WithSplitter(s chunker.Recursive) IngestorOption {
	return func(i *Ingestor) { i.splitter = s }
}

// WithDocIDFunc overrides document prefix generation.
func WithDocIDFunc(f func() string) IngestorOption {
	return func(i *Ingestor) { i.newDocID = f }
}

// WithRedactor scrubs credentials from each text before it is chunked.
func WithRedactor(r *security.Redactor) IngestorOption {
	return func(i *Ingestor) { i.redactor = r }
}

func NewIngestor(store Store, embedder embeddings.Embedder, opts ...IngestorOption) *Ingestor {
	i := &Ingestor{
		store:       store,
		embedder:    embedder,
		splitter:    chunker.NewRecursive(chunker.DefaultSize, chunker.DefaultOverlap),
		concurrency: defaultConcurrency,
		newDocID:    func() string { return "doc-" + uuid.NewString() },
	}
	for _, o := range opts {
		o(i)
	}
	return i
}

type prepared struct {
	chunks     []graphrag.Chunk
	embeddings []graphrag.Embedding
}

// UpsertTexts chunks and embeds every text concurrently, then writes all
// chunks in one Upsert. On failure the result reports the chunks prepared so
// far and the error is returned as well.
func (i *Ingestor) UpsertTexts(ctx context.Context, texts []string) (IngestResult, error) {
	docs := make([]prepared, len(texts))
	var (
		mu        sync.Mutex
		processed int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(i.concurrency)
	for n, text := range texts {
		g.Go(func() error {
			doc, err := i.prepare(gctx, text, i.newDocID())
			if err != nil {
				return err
			}
			docs[n] = doc
			mu.Lock()
			processed += len(doc.chunks)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return i.failed(processed, err)
	}

	var all prepared
	for _, d := range docs {
		all.chunks = append(all.chunks, d.chunks...)
		all.embeddings = append(all.embeddings, d.embeddings...)
	}
	res, err := i.store.Upsert(ctx, all.chunks, all.embeddings)
	if err != nil {
		return i.failed(processed, err)
	}
	total := res.NodeCount

	logger.InfoCF("ingest", "Texts ingested", map[string]interface{}{
		"texts":  len(texts),
		"chunks": len(all.chunks),
		"nodes":  total,
	})
	return IngestResult{
		Success:         true,
		Message:         fmt.Sprintf("Added/updated %d chunks to the knowledge graph.", len(all.chunks)),
		ChunksProcessed: processed,
		TotalNodes:      total,
	}, nil
}

func (i *Ingestor) failed(processed int, err error) (IngestResult, error) {
	logger.ErrorCF("ingest", "Ingestion failed", map[string]interface{}{
		"chunks_processed": processed,
		"error":            err,
	})
	return IngestResult{
		Message:         "Error occurred: " + err.Error(),
		ChunksProcessed: processed,
	}, err
}

func (i *Ingestor) prepare(ctx context.Context, text, docID string) (prepared, error) {
	if i.redactor != nil {
		var kinds []string
		if text, kinds = i.redactor.Redact(text); len(kinds) > 0 {
			logger.WarnCF("ingest", "Credentials redacted from document", map[string]interface{}{
				"doc":   docID,
				"kinds": kinds,
			})
		}
	}
	pieces := i.splitter.Split(text)
	if len(pieces) == 0 {
		return prepared{}, nil
	}

	vectors, err := i.embedder.Embed(ctx, pieces)
	if err != nil {
		return prepared{}, fmt.Errorf("embed %s: %w", docID, err)
	}
	if len(vectors) != len(pieces) {
		return prepared{}, &knowledge.DataMismatchError{Chunks: len(pieces), Embeddings: len(vectors)}
	}

	doc := prepared{
		chunks:     make([]graphrag.Chunk, len(pieces)),
		embeddings: make([]graphrag.Embedding, len(pieces)),
	}
	for n, piece := range pieces {
		id := fmt.Sprintf("%s-chunk-%d", docID, n)
		doc.chunks[n] = graphrag.Chunk{
			ID:   id,
			Text: piece,
			Metadata: map[string]any{
				"chunkIndex":  n,
				"docIdPrefix": docID,
			},
		}
		doc.embeddings[n] = graphrag.Embedding{ID: id, Vector: vectors[n]}
	}
	return doc, nil
}
