package graphrag

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func vec(xs ...float32) []float32 { return xs }

func threeNodeGraph(t *testing.T) *Graph {
	t.Helper()
	g := New(2, 10, WithSeed(42))
	err := g.CreateGraph(
		[]Chunk{
			{ID: "a", Text: "alpha", Metadata: map[string]any{"chunkIndex": 0}},
			{ID: "b", Text: "beta"},
			{ID: "c", Text: "gamma"},
		},
		[]Embedding{
			{ID: "a", Vector: vec(1, 0)},
			{ID: "b", Vector: vec(0.9, 0.1)},
			{ID: "c", Vector: vec(0, 1)},
		},
	)
	require.NoError(t, err)
	return g
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, CosineSimilarity(vec(1, 2, 3), vec(2, 4, 6)), 1e-9)
	assert.InDelta(t, 0.0, CosineSimilarity(vec(1, 0), vec(0, 1)), 1e-9)
	assert.InDelta(t, -1.0, CosineSimilarity(vec(1, 0), vec(-1, 0)), 1e-9)
	assert.Equal(t, 0.0, CosineSimilarity(vec(1), vec(1, 2)))
	assert.Equal(t, 0.0, CosineSimilarity(vec(0, 0), vec(1, 1)))
	assert.Equal(t, 0.0, CosineSimilarity(nil, nil))
}

func TestCreateGraphLinksSimilarChunks(t *testing.T) {
	g := threeNodeGraph(t)

	assert.Equal(t, 3, g.NodeCount())
	// a<->b exceed the threshold, c is orthogonal to a and close to nothing.
	edges := g.Edges()
	require.Len(t, edges, 2)
	for _, e := range edges {
		assert.Equal(t, EdgeTypeSemantic, e.Type)
		assert.Greater(t, e.Weight, DefaultThreshold)
		assert.NotEqual(t, "c", e.Source)
		assert.NotEqual(t, "c", e.Target)
	}

	nodes := g.Nodes()
	assert.Equal(t, []string{"a", "b", "c"}, []string{nodes[0].ID, nodes[1].ID, nodes[2].ID})
	assert.Equal(t, "alpha", nodes[0].Content)
	assert.Equal(t, 0, nodes[0].Metadata["chunkIndex"])
}

func TestCreateGraphMatchesEmbeddingsByID(t *testing.T) {
	g := New(2, 10)
	require.NoError(t, g.CreateGraph(
		[]Chunk{{ID: "x", Text: "x"}, {ID: "y", Text: "y"}},
		[]Embedding{{ID: "y", Vector: vec(0, 1)}, {ID: "x", Vector: vec(1, 0)}},
	))
	nodes := g.Nodes()
	assert.Equal(t, vec(1, 0), nodes[0].Embedding)
	assert.Equal(t, vec(0, 1), nodes[1].Embedding)
}

func TestCreateGraphRejectsBadInput(t *testing.T) {
	g := New(2, 10)

	err := g.CreateGraph([]Chunk{{ID: "a"}}, nil)
	assert.Error(t, err)

	assert.ErrorIs(t, g.CreateGraph(nil, nil), ErrEmptyInput)

	err = g.CreateGraph([]Chunk{{ID: "a"}}, []Embedding{{ID: "a", Vector: vec(1, 2, 3)}})
	assert.ErrorIs(t, err, ErrDimensionMismatch)
	assert.Equal(t, 0, g.NodeCount(), "failed build must not touch the graph")
}

func TestCreateGraphCapsOutgoingEdges(t *testing.T) {
	g := New(2, 1)
	require.NoError(t, g.CreateGraph(
		[]Chunk{{ID: "a"}, {ID: "b"}, {ID: "c"}},
		[]Embedding{
			{ID: "a", Vector: vec(1, 0)},
			{ID: "b", Vector: vec(1, 0.05)},
			{ID: "c", Vector: vec(1, 0.1)},
		},
	))

	outgoing := map[string]int{}
	for _, e := range g.Edges() {
		outgoing[e.Source]++
	}
	for id, n := range outgoing {
		assert.LessOrEqual(t, n, 1, "node %s", id)
	}
}

func TestCreateGraphReplacesContent(t *testing.T) {
	g := threeNodeGraph(t)
	require.NoError(t, g.CreateGraph([]Chunk{{ID: "z"}}, []Embedding{{ID: "z", Vector: vec(1, 1)}}))
	assert.Equal(t, 1, g.NodeCount())
	assert.Equal(t, 0, g.EdgeCount())
}

func TestAddNodeOverwritesAndValidates(t *testing.T) {
	g := New(3, 10)

	require.NoError(t, g.AddNode(Node{ID: "n", Content: "v1", Embedding: vec(1, 2, 3)}))
	require.NoError(t, g.AddNode(Node{ID: "n", Content: "v2"}))
	assert.Equal(t, 1, g.NodeCount())
	assert.Equal(t, "v2", g.Nodes()[0].Content)
	assert.Empty(t, g.Nodes()[0].Embedding)

	err := g.AddNode(Node{ID: "bad", Embedding: vec(1)})
	var derr *DimensionError
	require.True(t, errors.As(err, &derr))
	assert.Equal(t, 1, derr.Got)
	assert.Equal(t, 3, derr.Want)

	nan := float32(math.NaN())
	assert.ErrorIs(t, g.AddNode(Node{ID: "nan", Embedding: vec(nan, 0, 0)}), ErrInvalidVector)
	assert.Error(t, g.AddNode(Node{}))
}

func TestAddEdgeIdentity(t *testing.T) {
	g := New(2, 1)
	require.NoError(t, g.AddNode(Node{ID: "a"}))
	require.NoError(t, g.AddNode(Node{ID: "b"}))

	require.NoError(t, g.AddEdge(Edge{Source: "a", Target: "b", Weight: 0.1, Type: "semantic"}))
	require.NoError(t, g.AddEdge(Edge{Source: "a", Target: "b", Weight: 0.9, Type: "semantic"}))
	require.NoError(t, g.AddEdge(Edge{Source: "a", Target: "b", Weight: 0.5, Type: "cites"}))
	// Not capped by maxConnections.
	require.NoError(t, g.AddEdge(Edge{Source: "a", Target: "a", Weight: 1, Type: "self"}))

	assert.Equal(t, 3, g.EdgeCount())
	assert.Equal(t, 0.9, g.Edges()[0].Weight)

	assert.ErrorIs(t, g.AddEdge(Edge{Source: "a", Target: "ghost", Type: "semantic"}), ErrUnknownNode)
	assert.ErrorIs(t, g.AddEdge(Edge{Source: "ghost", Target: "a", Type: "semantic"}), ErrUnknownNode)
}

func TestQueryRanksClosestNodesFirst(t *testing.T) {
	g := threeNodeGraph(t)

	results, err := g.Query(Query{Vector: vec(1, 0), TopK: 2, RandomWalkSteps: 200, RestartProb: 0.15})
	require.NoError(t, err)
	require.Len(t, results, 2)

	ids := []string{results[0].ID, results[1].ID}
	assert.ElementsMatch(t, []string{"a", "b"}, ids)
	assert.GreaterOrEqual(t, results[0].Score, results[1].Score)
	for _, r := range results {
		assert.NotEmpty(t, r.Content)
	}
}

func TestQueryIsReproducibleWithSeed(t *testing.T) {
	q := Query{Vector: vec(0.7, 0.3), TopK: 3, RandomWalkSteps: 100, RestartProb: 0.2}

	r1, err := threeNodeGraph(t).Query(q)
	require.NoError(t, err)
	r2, err := threeNodeGraph(t).Query(q)
	require.NoError(t, err)
	assert.Equal(t, r1, r2)
}

func TestQueryValidation(t *testing.T) {
	g := threeNodeGraph(t)

	_, err := g.Query(Query{Vector: vec(1, 0, 0), TopK: 1, RandomWalkSteps: 10})
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	_, err = g.Query(Query{Vector: vec(1, 0), TopK: 0, RandomWalkSteps: 10})
	assert.ErrorIs(t, err, ErrInvalidQuery)

	_, err = g.Query(Query{Vector: vec(1, 0), TopK: 1, RandomWalkSteps: 10, RestartProb: 1.5})
	assert.ErrorIs(t, err, ErrInvalidQuery)
}

func TestQueryEmptyGraphAndVectorlessNodes(t *testing.T) {
	g := New(2, 10)
	results, err := g.Query(Query{Vector: vec(1, 0), TopK: 5, RandomWalkSteps: 10})
	require.NoError(t, err)
	assert.Empty(t, results)

	require.NoError(t, g.AddNode(Node{ID: "novec", Content: "x"}))
	results, err = g.Query(Query{Vector: vec(1, 0), TopK: 5, RandomWalkSteps: 10})
	require.NoError(t, err)
	assert.Empty(t, results, "nodes without vectors are never seeds")
}

func TestReturnedNodesDoNotAliasGraph(t *testing.T) {
	g := threeNodeGraph(t)

	ranked, err := g.Query(Query{Vector: vec(1, 0), TopK: 3, RandomWalkSteps: 50, RestartProb: 0.15})
	require.NoError(t, err)
	for _, r := range ranked {
		if r.ID == "a" {
			r.Metadata["chunkIndex"] = 99
		}
	}
	nodes := g.Nodes()
	nodes[0].Metadata["chunkIndex"] = 7
	nodes[0].Embedding[0] = -1

	got := g.Nodes()[0]
	assert.Equal(t, 0, got.Metadata["chunkIndex"])
	assert.Equal(t, vec(1, 0), got.Embedding)

	meta := map[string]any{"k": "v"}
	v := vec(0, 1)
	require.NoError(t, g.AddNode(Node{ID: "d", Content: "delta", Embedding: v, Metadata: meta}))
	meta["k"] = "changed"
	v[0] = 5
	d := g.Nodes()[3]
	assert.Equal(t, "v", d.Metadata["k"])
	assert.Equal(t, vec(0, 1), d.Embedding)
}
