package knowledge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sodateru/sodateru/pkg/config"
	"github.com/sodateru/sodateru/pkg/graphrag"
)

const testDim = 4

func testConfig(t *testing.T, dim int) Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data", "knowledge.db")
	c := config.DefaultConfig()
	c.Database.Type = config.DialectSQLite
	c.Database.Path = path
	return Config{
		Dialect:          config.DialectSQLite,
		DSN:              c.DSN(),
		SQLitePath:       path,
		Dimension:        dim,
		MaxConnections:   100,
		Threshold:        graphrag.DefaultThreshold,
		Seed:             7,
		OperationTimeout: DefaultOperationTimeout,
	}
}

// openTestStore opens an initialized store on a fresh sqlite file.
func openTestStore(t *testing.T, cfg Config, opts ...Option) *Store {
	t.Helper()
	s, err := Open(context.Background(), cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func fill(dim int, v float32) []float32 {
	out := make([]float32, dim)
	for i := range out {
		out[i] = v
	}
	return out
}

func chunk(id, text string) graphrag.Chunk {
	return graphrag.Chunk{ID: id, Text: text, Metadata: map[string]any{"source": "test"}}
}

func emb(id string, v []float32) graphrag.Embedding {
	return graphrag.Embedding{ID: id, Vector: v}
}

func durableEdgeCount(t *testing.T, s *Store) int {
	t.Helper()
	var n int
	require.NoError(t, s.DB().QueryRow(countEdges).Scan(&n))
	return n
}

func TestOpenAndInitializeIsIdempotent(t *testing.T) {
	cfg := testConfig(t, testDim)
	s := openTestStore(t, cfg)

	assert.Equal(t, StateReady, s.State())
	require.NoError(t, s.Initialize(context.Background()))
	require.NoError(t, s.Initialize(context.Background()))

	n, err := s.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// A second store on the same file re-runs the schema without error.
	other := openTestStore(t, cfg)
	assert.Equal(t, StateReady, other.State())
}

func TestUpsertBeforeInitialize(t *testing.T) {
	s, err := New(testConfig(t, testDim))
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, StateUninitialized, s.State())
	_, err = s.Upsert(context.Background(), []graphrag.Chunk{chunk("a", "a")}, nil)
	assert.ErrorIs(t, err, ErrNotInitialized)

	_, err = s.Query(context.Background(), graphrag.Query{Vector: fill(testDim, 1), TopK: 1, RandomWalkSteps: 1})
	assert.ErrorIs(t, err, ErrUninitializedGraph)
}

func TestNewRejectsBadConfig(t *testing.T) {
	cfg := testConfig(t, testDim)
	cfg.Dialect = "oracle"
	_, err := New(cfg)
	assert.Error(t, err)

	cfg = testConfig(t, 0)
	_, err = New(cfg)
	assert.Error(t, err)
}

func TestScenarioTwoNodesThenThree(t *testing.T) {
	const dim = 3072
	s := openTestStore(t, testConfig(t, dim))
	ctx := context.Background()

	res, err := s.Upsert(ctx,
		[]graphrag.Chunk{chunk("1", "one"), chunk("2", "two")},
		[]graphrag.Embedding{emb("1", fill(dim, 1)), emb("2", fill(dim, 2))},
	)
	require.NoError(t, err)
	assert.Equal(t, PathBulk, res.Path)
	assert.Equal(t, 2, res.NodeCount)
	// Parallel vectors are linked in both directions.
	assert.Equal(t, 2, res.EdgesSaved)

	res, err = s.Upsert(ctx,
		[]graphrag.Chunk{chunk("3", "three")},
		[]graphrag.Embedding{emb("3", fill(dim, 3))},
	)
	require.NoError(t, err)
	assert.Equal(t, PathIncremental, res.Path)
	assert.Equal(t, 3, res.NodeCount)
	assert.Equal(t, 2, res.EdgesSaved, "incremental upserts infer no edges")

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestRoundTripAcrossRestart(t *testing.T) {
	cfg := testConfig(t, testDim)
	ctx := context.Background()

	s1, err := Open(ctx, cfg)
	require.NoError(t, err)
	_, err = s1.Upsert(ctx,
		[]graphrag.Chunk{
			{ID: "a", Text: "alpha", Metadata: map[string]any{"docIdPrefix": "doc-1", "tags": []any{"x"}}},
			{ID: "b", Text: "beta"},
			{ID: "c", Text: "no vector"},
		},
		[]graphrag.Embedding{
			emb("a", []float32{1, 0, 0, 0}),
			emb("b", []float32{0.9, 0.1, 0, 0}),
			emb("c", nil),
		},
	)
	require.NoError(t, err)
	wantNodes := s1.current().Nodes()
	wantEdges := s1.current().Edges()
	require.NoError(t, s1.Close())

	s2 := openTestStore(t, cfg)
	got := s2.current()
	require.NotNil(t, got)

	assert.ElementsMatch(t, wantEdges, got.Edges())
	require.Len(t, got.Nodes(), len(wantNodes))

	byID := map[string]graphrag.Node{}
	for _, n := range got.Nodes() {
		byID[n.ID] = n
	}
	for _, want := range wantNodes {
		n := byID[want.ID]
		assert.Equal(t, want.Content, n.Content)
		assert.Equal(t, want.Embedding, n.Embedding)
		if len(want.Metadata) > 0 {
			assert.Equal(t, want.Metadata, n.Metadata)
		} else {
			assert.Empty(t, n.Metadata)
		}
	}
	assert.Empty(t, byID["c"].Embedding)
}

func TestIncrementalOverwriteAndGrowth(t *testing.T) {
	cfg := testConfig(t, testDim)
	s := openTestStore(t, cfg)
	ctx := context.Background()

	_, err := s.Upsert(ctx, []graphrag.Chunk{chunk("a", "v1")}, []graphrag.Embedding{emb("a", fill(testDim, 1))})
	require.NoError(t, err)

	res, err := s.Upsert(ctx, []graphrag.Chunk{chunk("a", "v2")}, []graphrag.Embedding{emb("a", fill(testDim, 2))})
	require.NoError(t, err)
	assert.Equal(t, 1, res.NodeCount, "overwrite keeps the count")

	res, err = s.Upsert(ctx,
		[]graphrag.Chunk{chunk("b", "b"), chunk("c", "c")},
		[]graphrag.Embedding{emb("b", fill(testDim, 1))},
	)
	require.NoError(t, err)
	assert.Equal(t, 3, res.NodeCount, "additive growth")

	reloaded := openTestStore(t, cfg)
	for _, n := range reloaded.current().Nodes() {
		if n.ID == "a" {
			assert.Equal(t, "v2", n.Content)
			assert.Equal(t, fill(testDim, 2), n.Embedding)
		}
		if n.ID == "c" {
			assert.Empty(t, n.Embedding, "chunk without embedding keeps an unset vector")
		}
	}
}

func TestBulkMismatchWritesNothing(t *testing.T) {
	s := openTestStore(t, testConfig(t, testDim))
	ctx := context.Background()

	_, err := s.Upsert(ctx,
		[]graphrag.Chunk{chunk("a", "a"), chunk("b", "b")},
		[]graphrag.Embedding{emb("a", fill(testDim, 1))},
	)
	var mismatch *DataMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, 2, mismatch.Chunks)
	assert.Equal(t, 1, mismatch.Embeddings)

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 0, s.current().NodeCount())
}

func TestWrongDimensionRejectedBeforeMutation(t *testing.T) {
	s := openTestStore(t, testConfig(t, testDim))
	ctx := context.Background()

	_, err := s.Upsert(ctx, []graphrag.Chunk{chunk("a", "a")}, []graphrag.Embedding{emb("a", fill(testDim, 1))})
	require.NoError(t, err)

	_, err = s.Upsert(ctx, []graphrag.Chunk{chunk("b", "b")}, []graphrag.Embedding{emb("b", fill(testDim+1, 1))})
	assert.ErrorIs(t, err, ErrInvalidVector)
	assert.ErrorIs(t, err, ErrDimensionMismatch)
	assert.Equal(t, 1, s.current().NodeCount())
}

func TestEmptyChunksIsNoop(t *testing.T) {
	s := openTestStore(t, testConfig(t, testDim))
	ctx := context.Background()

	_, err := s.Upsert(ctx, []graphrag.Chunk{chunk("a", "a")}, []graphrag.Embedding{emb("a", fill(testDim, 1))})
	require.NoError(t, err)

	res, err := s.Upsert(ctx, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, PathNone, res.Path)
	assert.Equal(t, 1, res.NodeCount)
}

// danglingIndex reports an extra edge to a node that does not exist once
// armed, so the durable save violates the foreign key.
type danglingIndex struct {
	*graphrag.Graph
	armed *atomic.Bool
}

func (d danglingIndex) Edges() []graphrag.Edge {
	edges := d.Graph.Edges()
	if d.armed.Load() {
		edges = append(edges, graphrag.Edge{Source: "1", Target: "ghost", Weight: 1, Type: "semantic"})
	}
	return edges
}

func (d danglingIndex) AddEdge(e graphrag.Edge) error {
	if e.Target == "ghost" {
		return nil
	}
	return d.Graph.AddEdge(e)
}

func TestFailedSaveLeavesDurableStateUnchanged(t *testing.T) {
	armed := &atomic.Bool{}
	factory := func(dim, maxConn int) GraphIndex {
		return danglingIndex{Graph: graphrag.New(dim, maxConn), armed: armed}
	}
	s := openTestStore(t, testConfig(t, testDim), WithIndexFactory(factory))
	ctx := context.Background()

	_, err := s.Upsert(ctx,
		[]graphrag.Chunk{chunk("1", "one"), chunk("2", "two")},
		[]graphrag.Embedding{emb("1", fill(testDim, 1)), emb("2", fill(testDim, 2))},
	)
	require.NoError(t, err)
	edgesBefore := durableEdgeCount(t, s)

	armed.Store(true)
	_, err = s.Upsert(ctx, []graphrag.Chunk{chunk("3", "three")}, []graphrag.Embedding{emb("3", fill(testDim, 3))})
	var txErr *TransactionError
	require.ErrorAs(t, err, &txErr)
	assert.Equal(t, "save", txErr.Op)

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "node 3 must not be durable")
	assert.Equal(t, edgesBefore, durableEdgeCount(t, s))

	// The in-memory graph keeps the update; a retry persists it.
	assert.Equal(t, 3, s.current().NodeCount())
	armed.Store(false)
	res, err := s.Upsert(ctx, []graphrag.Chunk{chunk("3", "three")}, []graphrag.Embedding{emb("3", fill(testDim, 3))})
	require.NoError(t, err)
	assert.Equal(t, 3, res.NodeCount)
}

func TestDeleteRemovesEverything(t *testing.T) {
	s := openTestStore(t, testConfig(t, testDim))
	ctx := context.Background()

	_, err := s.Upsert(ctx,
		[]graphrag.Chunk{chunk("a", "a"), chunk("b", "b")},
		[]graphrag.Embedding{emb("a", fill(testDim, 1)), emb("b", fill(testDim, 1))},
	)
	require.NoError(t, err)
	require.Positive(t, durableEdgeCount(t, s))

	require.NoError(t, s.Delete(ctx))

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 0, durableEdgeCount(t, s))

	results, err := s.Query(ctx, graphrag.Query{Vector: fill(testDim, 1), TopK: 5, RandomWalkSteps: 10, RestartProb: 0.15})
	require.NoError(t, err)
	assert.Empty(t, results)

	// The next batch takes the bulk path again.
	res, err := s.Upsert(ctx, []graphrag.Chunk{chunk("c", "c")}, []graphrag.Embedding{emb("c", fill(testDim, 1))})
	require.NoError(t, err)
	assert.Equal(t, PathBulk, res.Path)
}

// recordingIndex counts calls into Query.
type recordingIndex struct {
	*graphrag.Graph
	queries *atomic.Int32
}

func (r recordingIndex) Query(q graphrag.Query) ([]graphrag.RankedNode, error) {
	r.queries.Add(1)
	return r.Graph.Query(q)
}

func TestQueryDimensionGuard(t *testing.T) {
	calls := &atomic.Int32{}
	factory := func(dim, maxConn int) GraphIndex {
		return recordingIndex{Graph: graphrag.New(dim, maxConn), queries: calls}
	}
	s := openTestStore(t, testConfig(t, testDim), WithIndexFactory(factory))
	ctx := context.Background()

	_, err := s.Query(ctx, graphrag.Query{Vector: fill(testDim-1, 1), TopK: 3, RandomWalkSteps: 10})
	var qErr *QueryError
	require.ErrorAs(t, err, &qErr)
	assert.ErrorIs(t, err, ErrDimensionMismatch)
	assert.Zero(t, calls.Load(), "ranking engine must not be consulted")

	_, err = s.Query(ctx, graphrag.Query{Vector: fill(testDim, 1), TopK: 3, RandomWalkSteps: 10, RestartProb: 0.15})
	require.NoError(t, err)
	assert.EqualValues(t, 1, calls.Load())
}

func TestQueryReturnsRankedNodes(t *testing.T) {
	s := openTestStore(t, testConfig(t, testDim))
	ctx := context.Background()

	_, err := s.Upsert(ctx,
		[]graphrag.Chunk{chunk("x", "east"), chunk("y", "north")},
		[]graphrag.Embedding{emb("x", []float32{1, 0, 0, 0}), emb("y", []float32{0, 1, 0, 0})},
	)
	require.NoError(t, err)

	results, err := s.Query(ctx, graphrag.Query{Vector: []float32{1, 0, 0, 0}, TopK: 1, RandomWalkSteps: 50, RestartProb: 0.15})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "x", results[0].ID)
	assert.Equal(t, "east", results[0].Content)
	assert.Equal(t, "test", results[0].Metadata["source"])
}

func TestUnreadableRowDegradesStore(t *testing.T) {
	cfg := testConfig(t, testDim)
	ctx := context.Background()

	s1 := openTestStore(t, cfg)
	_, err := s1.Upsert(ctx, []graphrag.Chunk{chunk("a", "a")}, []graphrag.Embedding{emb("a", fill(testDim, 1))})
	require.NoError(t, err)
	_, err = s1.DB().Exec(`INSERT INTO nodes (id, content, embedding, metadata) VALUES ('bad', 'x', 'not-json', '{}')`)
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := Open(ctx, cfg)
	require.NoError(t, err, "load failures do not fail initialization")
	defer s2.Close()
	assert.Equal(t, StateDegraded, s2.State())

	_, err = s2.Query(ctx, graphrag.Query{Vector: fill(testDim, 1), TopK: 1, RandomWalkSteps: 1})
	var qErr *QueryError
	require.ErrorAs(t, err, &qErr)
	assert.ErrorIs(t, err, ErrUninitializedGraph)

	var loadErr *LoadError
	assert.ErrorAs(t, s2.Load(ctx), &loadErr)
	assert.Equal(t, StateDegraded, s2.State())

	// A reset brings the store back.
	require.NoError(t, s2.Delete(ctx))
	assert.Equal(t, StateReady, s2.State())
	results, err := s2.Query(ctx, graphrag.Query{Vector: fill(testDim, 1), TopK: 1, RandomWalkSteps: 1})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestDegradedStoreRejectsWrites(t *testing.T) {
	cfg := testConfig(t, testDim)
	ctx := context.Background()

	s1 := openTestStore(t, cfg)
	_, err := s1.Upsert(ctx,
		[]graphrag.Chunk{chunk("a", "a"), chunk("b", "b")},
		[]graphrag.Embedding{emb("a", fill(testDim, 1)), emb("b", fill(testDim, 1))},
	)
	require.NoError(t, err)
	var snap bytes.Buffer
	require.NoError(t, s1.ExportSnapshot(&snap))
	before, err := s1.Stats(ctx)
	require.NoError(t, err)
	require.Positive(t, before.StoredEdges)
	_, err = s1.DB().Exec(`INSERT INTO nodes (id, content, embedding, metadata) VALUES ('bad', 'x', 'not-json', '{}')`)
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := Open(ctx, cfg)
	require.NoError(t, err)
	defer s2.Close()
	require.Equal(t, StateDegraded, s2.State())

	_, err = s2.Upsert(ctx, []graphrag.Chunk{chunk("c", "c")}, []graphrag.Embedding{emb("c", fill(testDim, 1))})
	var stErr *StateError
	require.ErrorAs(t, err, &stErr)
	assert.Equal(t, "upsert", stErr.Op)
	assert.ErrorIs(t, err, ErrUninitializedGraph)

	_, err = s2.ImportSnapshot(ctx, bytes.NewReader(snap.Bytes()))
	require.ErrorAs(t, err, &stErr)
	assert.Equal(t, "import", stErr.Op)

	after, err := s2.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, before.StoredEdges, after.StoredEdges)
	assert.Equal(t, before.StoredNodes+1, after.StoredNodes)
	assert.False(t, after.GraphPresent)
	assert.Equal(t, StateDegraded, s2.State())
}

func TestStats(t *testing.T) {
	s := openTestStore(t, testConfig(t, testDim))
	ctx := context.Background()

	_, err := s.Upsert(ctx,
		[]graphrag.Chunk{chunk("a", "a"), chunk("b", "b")},
		[]graphrag.Embedding{emb("a", fill(testDim, 1)), emb("b", fill(testDim, 1))},
	)
	require.NoError(t, err)

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ready", st.State)
	assert.Equal(t, config.DialectSQLite, st.Dialect)
	assert.True(t, st.GraphPresent)
	assert.Equal(t, 2, st.StoredNodes)
	assert.Equal(t, 2, st.GraphNodes)
	assert.Equal(t, st.GraphEdges, st.StoredEdges)
}

func TestConcurrentUpsertsAndQueries(t *testing.T) {
	s := openTestStore(t, testConfig(t, testDim))
	ctx := context.Background()

	_, err := s.Upsert(ctx, []graphrag.Chunk{chunk("seed", "seed")}, []graphrag.Embedding{emb("seed", fill(testDim, 1))})
	require.NoError(t, err)

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers*2)
	for i := range writers {
		wg.Add(2)
		go func() {
			defer wg.Done()
			id := fmt.Sprintf("w-%d", i)
			if _, err := s.Upsert(ctx, []graphrag.Chunk{chunk(id, id)}, []graphrag.Embedding{emb(id, fill(testDim, float32(i+1)))}); err != nil {
				errs <- err
			}
		}()
		go func() {
			defer wg.Done()
			if _, err := s.Query(ctx, graphrag.Query{Vector: fill(testDim, 1), TopK: 3, RandomWalkSteps: 20, RestartProb: 0.15}); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, writers+1, n)
	assert.Equal(t, writers+1, s.current().NodeCount())
}

func TestMetricsAreRecorded(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := openTestStore(t, testConfig(t, testDim), WithRegisterer(reg))
	ctx := context.Background()

	_, err := s.Upsert(ctx, []graphrag.Chunk{chunk("a", "a")}, []graphrag.Embedding{emb("a", fill(testDim, 1))})
	require.NoError(t, err)
	_, _ = s.Query(ctx, graphrag.Query{Vector: fill(testDim+1, 1), TopK: 1, RandomWalkSteps: 1})

	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.operations.WithLabelValues("upsert", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.operations.WithLabelValues("query", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.nodes))

	// A second store cannot register the same collectors.
	_, err = New(testConfig(t, testDim), WithRegisterer(reg))
	assert.Error(t, err)
}

func TestErrorTypesUnwrap(t *testing.T) {
	cause := errors.New("boom")
	assert.ErrorIs(t, &SchemaError{Op: "x", Err: cause}, cause)
	assert.ErrorIs(t, &LoadError{Err: cause}, cause)
	assert.ErrorIs(t, &TransactionError{Op: "save", Err: cause}, cause)
	assert.ErrorIs(t, &QueryError{Err: cause}, cause)
	assert.ErrorIs(t, &StateError{Op: "upsert", State: StateDegraded, Err: cause}, cause)
	assert.Contains(t, (&DataMismatchError{Chunks: 2, Embeddings: 1}).Error(), "2 chunks but 1 embeddings")
}
