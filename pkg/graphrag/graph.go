// Package graphrag is an in-memory similarity graph over embedded text chunks.
// Nodes are linked by cosine similarity and ranked for a query by a random
// walk with restart seeded at the most similar nodes.
package graphrag

import (
	"errors"
	"fmt"
	"maps"
	"math/rand/v2"
	"slices"
	"sort"
	"sync"
)

const DefaultThreshold = 0.7

var (
	ErrDimensionMismatch = errors.New("graphrag: vector dimension mismatch")
	ErrInvalidVector     = errors.New("graphrag: vector contains NaN or Inf")
	ErrUnknownNode       = errors.New("graphrag: edge endpoint not in graph")
	ErrEmptyInput        = errors.New("graphrag: no chunks to build a graph from")
	ErrInvalidQuery      = errors.New("graphrag: invalid query parameters")
)

// DimensionError reports a vector of the wrong length. It matches
// ErrDimensionMismatch under errors.Is.
type DimensionError struct {
	Got, Want int
}

func (e *DimensionError) Error() string {
	return fmt.Sprintf("graphrag: vector has %d dimensions, want %d", e.Got, e.Want)
}

func (e *DimensionError) Is(target error) bool { return target == ErrDimensionMismatch }

type Option func(*Graph)

// WithThreshold sets the minimum cosine similarity for CreateGraph edges.
func WithThreshold(t float64) Option {
	return func(g *Graph) { g.threshold = t }
}

// WithSeed makes random walks reproducible. Zero keeps them random.
func WithSeed(seed uint64) Option {
	return func(g *Graph) { g.seed = seed }
}

// Graph is safe for concurrent use.
type Graph struct {
	dimension      int
	maxConnections int
	threshold      float64
	seed           uint64

	mu    sync.RWMutex
	nodes map[string]*Node
	order []string // insertion order of node ids
	edges map[edgeKey]int
	list  []Edge
	out   map[string][]int // node id -> indexes into list
}

// New returns an empty graph for vectors of the given dimension. CreateGraph
// keeps at most maxConnections outgoing edges per node.
func New(dimension, maxConnections int, opts ...Option) *Graph {
	g := &Graph{
		dimension:      dimension,
		maxConnections: maxConnections,
		threshold:      DefaultThreshold,
	}
	for _, o := range opts {
		o(g)
	}
	g.reset()
	return g
}

func (g *Graph) reset() {
	g.nodes = make(map[string]*Node)
	g.order = nil
	g.edges = make(map[edgeKey]int)
	g.list = nil
	g.out = make(map[string][]int)
}

func (g *Graph) Dimension() int { return g.dimension }

// AddNode inserts n or overwrites the node with the same ID. Edges touching
// an overwritten node are kept.
func (g *Graph) AddNode(n Node) error {
	if n.ID == "" {
		return errors.New("graphrag: node id is empty")
	}
	if err := checkVector(n.Embedding, g.dimension); err != nil {
		return fmt.Errorf("node %s: %w", n.ID, err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.putNode(n)
	return nil
}

func (g *Graph) putNode(n Node) {
	if _, ok := g.nodes[n.ID]; !ok {
		g.order = append(g.order, n.ID)
	}
	cp := n.clone()
	g.nodes[n.ID] = &cp
}

// clone copies the embedding and the top level of the metadata so a node
// held by the graph never shares them with callers.
func (n Node) clone() Node {
	n.Embedding = slices.Clone(n.Embedding)
	n.Metadata = maps.Clone(n.Metadata)
	return n
}

// AddEdge inserts e, or updates the weight of the edge with the same
// identity. Both endpoints must already exist.
func (g *Graph) AddEdge(e Edge) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.nodes[e.Source]; !ok {
		return fmt.Errorf("%w: source %q", ErrUnknownNode, e.Source)
	}
	if _, ok := g.nodes[e.Target]; !ok {
		return fmt.Errorf("%w: target %q", ErrUnknownNode, e.Target)
	}
	g.putEdge(e)
	return nil
}

func (g *Graph) putEdge(e Edge) {
	k := e.key()
	if i, ok := g.edges[k]; ok {
		g.list[i].Weight = e.Weight
		return
	}
	g.edges[k] = len(g.list)
	g.out[e.Source] = append(g.out[e.Source], len(g.list))
	g.list = append(g.list, e)
}

// CreateGraph replaces the graph with one node per chunk and semantic edges
// between chunks whose similarity exceeds the threshold. Embeddings are
// matched to chunks by ID.
func (g *Graph) CreateGraph(chunks []Chunk, embeddings []Embedding) error {
	if len(chunks) != len(embeddings) {
		return fmt.Errorf("graphrag: %d chunks but %d embeddings", len(chunks), len(embeddings))
	}
	if len(chunks) == 0 {
		return ErrEmptyInput
	}

	vectors := make(map[string][]float32, len(embeddings))
	for _, e := range embeddings {
		if err := checkVector(e.Vector, g.dimension); err != nil {
			return fmt.Errorf("embedding %s: %w", e.ID, err)
		}
		vectors[e.ID] = e.Vector
	}

	nodes := make([]Node, 0, len(chunks))
	for _, c := range chunks {
		if c.ID == "" {
			return errors.New("graphrag: chunk id is empty")
		}
		nodes = append(nodes, Node{
			ID:        c.ID,
			Content:   c.Text,
			Embedding: vectors[c.ID],
			Metadata:  c.Metadata,
		})
	}

	candidates := make(map[string][]Edge, len(nodes))
	for i := range nodes {
		if len(nodes[i].Embedding) == 0 {
			continue
		}
		for j := i + 1; j < len(nodes); j++ {
			if len(nodes[j].Embedding) == 0 || nodes[i].ID == nodes[j].ID {
				continue
			}
			sim := CosineSimilarity(nodes[i].Embedding, nodes[j].Embedding)
			if sim <= g.threshold {
				continue
			}
			a, b := nodes[i].ID, nodes[j].ID
			candidates[a] = append(candidates[a], Edge{Source: a, Target: b, Weight: sim, Type: EdgeTypeSemantic})
			candidates[b] = append(candidates[b], Edge{Source: b, Target: a, Weight: sim, Type: EdgeTypeSemantic})
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.reset()
	for _, n := range nodes {
		g.putNode(n)
	}
	for _, id := range g.order {
		edges := candidates[id]
		sort.SliceStable(edges, func(i, j int) bool { return edges[i].Weight > edges[j].Weight })
		if g.maxConnections > 0 && len(edges) > g.maxConnections {
			edges = edges[:g.maxConnections]
		}
		for _, e := range edges {
			g.putEdge(e)
		}
	}
	return nil
}

// Query ranks nodes against q.Vector. The TopK most similar nodes seed
// random walks with restart; a node's score is the sum over seeds of the
// seed's similarity times the node's visit frequency.
func (g *Graph) Query(q Query) ([]RankedNode, error) {
	if len(q.Vector) != g.dimension {
		return nil, &DimensionError{Got: len(q.Vector), Want: g.dimension}
	}
	if q.TopK <= 0 || q.RandomWalkSteps <= 0 || q.RestartProb < 0 || q.RestartProb > 1 {
		return nil, fmt.Errorf("%w: topK=%d steps=%d restart=%v",
			ErrInvalidQuery, q.TopK, q.RandomWalkSteps, q.RestartProb)
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	type seed struct {
		id  string
		sim float64
	}
	seeds := make([]seed, 0, len(g.order))
	for _, id := range g.order {
		n := g.nodes[id]
		if len(n.Embedding) == 0 {
			continue
		}
		seeds = append(seeds, seed{id, CosineSimilarity(q.Vector, n.Embedding)})
	}
	sort.SliceStable(seeds, func(i, j int) bool { return seeds[i].sim > seeds[j].sim })
	if len(seeds) > q.TopK {
		seeds = seeds[:q.TopK]
	}

	rng := g.rng(len(seeds))
	scores := make(map[string]float64)
	for _, s := range seeds {
		for id, freq := range g.walk(rng, s.id, q.RandomWalkSteps, q.RestartProb) {
			scores[id] += s.sim * freq
		}
	}

	ranked := make([]RankedNode, 0, len(scores))
	for id, score := range scores {
		n := g.nodes[id]
		ranked = append(ranked, RankedNode{ID: id, Score: score, Content: n.Content, Metadata: maps.Clone(n.Metadata)})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].ID < ranked[j].ID
	})
	if len(ranked) > q.TopK {
		ranked = ranked[:q.TopK]
	}
	return ranked, nil
}

func (g *Graph) rng(stream int) *rand.Rand {
	if g.seed != 0 {
		return rand.New(rand.NewPCG(g.seed, uint64(stream)))
	}
	return rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
}

// walk returns visit frequencies of a random walk with restart from start.
// Dead ends and non-positive weights restart the walk.
func (g *Graph) walk(rng *rand.Rand, start string, steps int, restart float64) map[string]float64 {
	visits := make(map[string]int)
	cur := start
	for range steps {
		visits[cur]++
		if rng.Float64() < restart {
			cur = start
			continue
		}
		cur = g.step(rng, cur, start)
	}

	freq := make(map[string]float64, len(visits))
	for id, v := range visits {
		freq[id] = float64(v) / float64(steps)
	}
	return freq
}

func (g *Graph) step(rng *rand.Rand, cur, start string) string {
	var total float64
	for _, i := range g.out[cur] {
		if w := g.list[i].Weight; w > 0 {
			total += w
		}
	}
	if total == 0 {
		return start
	}
	r := rng.Float64() * total
	last := start
	for _, i := range g.out[cur] {
		w := g.list[i].Weight
		if w <= 0 {
			continue
		}
		if r < w {
			return g.list[i].Target
		}
		r -= w
		last = g.list[i].Target
	}
	return last
}

// Nodes returns the nodes in insertion order.
func (g *Graph) Nodes() []Node {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Node, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.nodes[id].clone())
	}
	return out
}

// Edges returns the edges in insertion order.
func (g *Graph) Edges() []Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]Edge(nil), g.list...)
}

func (g *Graph) NodeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

func (g *Graph) EdgeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.list)
}
