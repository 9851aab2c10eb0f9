package ingest

import (
	"context"
	"sync"

	"github.com/sodateru/sodateru/pkg/graphrag"
	"github.com/sodateru/sodateru/pkg/knowledge"
)

// recordingStore captures what the adapters send to the store.
type recordingStore struct {
	mu         sync.Mutex
	chunks     []graphrag.Chunk
	embeddings []graphrag.Embedding
	lastQuery  graphrag.Query
	queryErr   error
	// nodeCount, when set, is reported instead of the number of chunks seen.
	nodeCount int
}

func (r *recordingStore) Upsert(_ context.Context, chunks []graphrag.Chunk, embeddings []graphrag.Embedding) (knowledge.UpsertResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chunks = append(r.chunks, chunks...)
	r.embeddings = append(r.embeddings, embeddings...)
	n := len(r.chunks)
	if r.nodeCount > 0 {
		n = r.nodeCount
	}
	return knowledge.UpsertResult{ChunksApplied: len(chunks), NodeCount: n}, nil
}

func (r *recordingStore) Query(_ context.Context, q graphrag.Query) ([]graphrag.RankedNode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastQuery = q
	return nil, r.queryErr
}
