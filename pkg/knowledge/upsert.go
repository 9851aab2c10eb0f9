package knowledge

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/sodateru/sodateru/pkg/graphrag"
	"github.com/sodateru/sodateru/pkg/logger"
)

// Upsert paths.
const (
	PathNone        = "none"
	PathBulk        = "bulk"
	PathIncremental = "incremental"
)

// UpsertResult describes an applied batch. NodeCount is the durable node
// count observed inside the save transaction.
type UpsertResult struct {
	Path          string `json:"path"`
	ChunksApplied int    `json:"chunksApplied"`
	NodesSaved    int    `json:"nodesSaved"`
	EdgesSaved    int    `json:"edgesSaved"`
	NodeCount     int    `json:"nodeCount"`
}

// Upsert merges chunks into the graph and persists the whole graph.
//
// When the graph is empty the batch builds a new graph, including
// similarity edges; chunk and embedding counts must then match. Otherwise
// each chunk is added or overwritten as a node and no edges are inferred.
// Embeddings are matched to chunks by ID; a chunk without one gets no vector.
//
// A degraded store rejects the batch with *StateError so the rows it could
// not load survive. A save failure returns *TransactionError with the in-memory graph already
// updated; calling Upsert again retries the durable write.
func (s *Store) Upsert(ctx context.Context, chunks []graphrag.Chunk, embeddings []graphrag.Embedding) (res UpsertResult, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch st := s.State(); st {
	case StateUninitialized, StateInitializing:
		return res, ErrNotInitialized
	case StateDegraded:
		return res, &StateError{Op: "upsert", State: st, Err: ErrUninitializedGraph}
	}

	ctx, span := s.startSpan(ctx, "knowledge.Upsert")
	span.SetAttributes(attribute.Int("chunks", len(chunks)), attribute.Int("embeddings", len(embeddings)))
	defer func() { endSpan(span, err) }()
	defer s.metrics.observe("upsert", time.Now(), &err)

	if len(chunks) == 0 {
		n, err := s.Count(ctx)
		if err != nil {
			return res, err
		}
		return UpsertResult{Path: PathNone, NodeCount: n}, nil
	}

	if err := s.checkEmbeddings(embeddings); err != nil {
		return res, err
	}

	cur := s.current()
	var next GraphIndex
	if cur == nil || cur.NodeCount() == 0 {
		res.Path = PathBulk
		if len(embeddings) != len(chunks) {
			return res, &DataMismatchError{Chunks: len(chunks), Embeddings: len(embeddings)}
		}
		next = s.emptyIndex()
		if err := next.CreateGraph(chunks, embeddings); err != nil {
			return res, fmt.Errorf("knowledge: build graph: %w", err)
		}
	} else {
		res.Path = PathIncremental
		next, err = s.clone(cur)
		if err != nil {
			return res, fmt.Errorf("knowledge: copy graph: %w", err)
		}
		vectors := make(map[string][]float32, len(embeddings))
		for _, e := range embeddings {
			vectors[e.ID] = e.Vector
		}
		for _, c := range chunks {
			n := graphrag.Node{ID: c.ID, Content: c.Text, Embedding: vectors[c.ID], Metadata: c.Metadata}
			if err := next.AddNode(n); err != nil {
				return res, fmt.Errorf("knowledge: add node %s: %w", c.ID, err)
			}
		}
	}
	res.ChunksApplied = len(chunks)

	s.publish(next)
	span.SetAttributes(attribute.String("path", res.Path))

	saved, err := s.save(ctx, next)
	if err != nil {
		logger.ErrorCF("knowledge", "Save failed after graph update", map[string]interface{}{
			"path":  res.Path,
			"error": err,
		})
		return res, &TransactionError{Op: "save", Err: err}
	}
	res.NodesSaved = saved.nodes
	res.EdgesSaved = saved.edges
	res.NodeCount = saved.nodeCount

	logger.InfoCF("knowledge", "Knowledge upserted", map[string]interface{}{
		"path":       res.Path,
		"chunks":     res.ChunksApplied,
		"node_count": res.NodeCount,
		"edges":      res.EdgesSaved,
	})
	return res, nil
}

// checkEmbeddings rejects wrong-length vectors before anything is mutated.
func (s *Store) checkEmbeddings(embeddings []graphrag.Embedding) error {
	for _, e := range embeddings {
		if err := s.checkVector(e.ID, e.Vector); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) checkVector(id string, v []float32) error {
	if len(v) != 0 && len(v) != s.cfg.Dimension {
		return fmt.Errorf("%w: %s: %w", ErrInvalidVector, id,
			&graphrag.DimensionError{Got: len(v), Want: s.cfg.Dimension})
	}
	return nil
}
