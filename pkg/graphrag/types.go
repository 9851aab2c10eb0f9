package graphrag

// EdgeTypeSemantic labels edges inferred from embedding similarity.
const EdgeTypeSemantic = "semantic"

// Node is a text chunk placed in the graph. An empty Embedding means the
// vector is unset; such nodes are stored but never chosen as walk seeds.
type Node struct {
	ID        string         `json:"id"`
	Content   string         `json:"content"`
	Embedding []float32      `json:"embedding,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Edge is a directed weighted relationship. (Source, Target, Type) is its
// identity; the same pair may be connected under several types.
type Edge struct {
	Source string  `json:"source"`
	Target string  `json:"target"`
	Weight float64 `json:"weight"`
	Type   string  `json:"type"`
}

type edgeKey struct {
	source, target, typ string
}

func (e Edge) key() edgeKey { return edgeKey{e.Source, e.Target, e.Type} }

// Chunk is an ingestion input: one piece of a source document.
type Chunk struct {
	ID       string         `json:"id"`
	Text     string         `json:"text"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Embedding carries the vector for the chunk with the same ID.
type Embedding struct {
	ID     string    `json:"id"`
	Vector []float32 `json:"vector"`
}

// Query parameters for ranking.
type Query struct {
	Vector          []float32
	TopK            int
	RandomWalkSteps int
	RestartProb     float64
}

// RankedNode is a query result.
type RankedNode struct {
	ID       string         `json:"id"`
	Score    float64        `json:"score"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}
