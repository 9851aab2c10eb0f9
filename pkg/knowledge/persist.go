package knowledge

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/multierr"

	"github.com/sodateru/sodateru/pkg/graphrag"
)

// edgeWriter writes the full edge set of a graph inside tx.
type edgeWriter interface {
	writeEdges(ctx context.Context, tx *sql.Tx, d dialect, edges []graphrag.Edge) (int, error)
}

// replaceEdges deletes every durable edge and inserts the in-memory set.
// Cost grows with the whole graph on every save.
type replaceEdges struct{}

func (replaceEdges) writeEdges(ctx context.Context, tx *sql.Tx, d dialect, edges []graphrag.Edge) (int, error) {
	if _, err := tx.ExecContext(ctx, d.clearEdges); err != nil {
		return 0, fmt.Errorf("clear edges: %w", err)
	}
	if len(edges) == 0 {
		return 0, nil
	}
	stmt, err := tx.PrepareContext(ctx, d.upsertEdge)
	if err != nil {
		return 0, fmt.Errorf("prepare edge insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range edges {
		if _, err := stmt.ExecContext(ctx, e.Source, e.Target, e.Weight, e.Type); err != nil {
			return 0, fmt.Errorf("insert edge %s->%s (%s): %w", e.Source, e.Target, e.Type, err)
		}
	}
	return len(edges), nil
}

type saveResult struct {
	nodes     int
	edges     int
	nodeCount int
}

// save writes the whole graph in one transaction and reports the durable
// node count read before commit.
func (s *Store) save(ctx context.Context, idx GraphIndex) (saveResult, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return saveResult{}, fmt.Errorf("begin: %w", err)
	}
	res, err := s.writeGraph(ctx, tx, idx)
	if err != nil {
		return saveResult{}, rollback(tx, err)
	}
	if err := tx.Commit(); err != nil {
		return saveResult{}, fmt.Errorf("commit: %w", err)
	}
	return res, nil
}

func (s *Store) writeGraph(ctx context.Context, tx *sql.Tx, idx GraphIndex) (saveResult, error) {
	var res saveResult

	nodes := idx.Nodes()
	if len(nodes) > 0 {
		stmt, err := tx.PrepareContext(ctx, s.dialect.upsertNode)
		if err != nil {
			return res, fmt.Errorf("prepare node upsert: %w", err)
		}
		defer stmt.Close()

		for _, n := range nodes {
			emb, meta, err := encodeNode(n)
			if err != nil {
				return res, err
			}
			if _, err := stmt.ExecContext(ctx, n.ID, n.Content, emb, meta); err != nil {
				return res, fmt.Errorf("upsert node %s: %w", n.ID, err)
			}
		}
	}
	res.nodes = len(nodes)

	edges, err := s.edges.writeEdges(ctx, tx, s.dialect, idx.Edges())
	if err != nil {
		return res, err
	}
	res.edges = edges

	if err := tx.QueryRowContext(ctx, countNodes).Scan(&res.nodeCount); err != nil {
		return res, fmt.Errorf("count nodes: %w", err)
	}
	return res, nil
}

// rollback aborts tx and combines any rollback failure with cause.
func rollback(tx *sql.Tx, cause error) error {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return multierr.Append(cause, fmt.Errorf("rollback: %w", err))
	}
	return cause
}

// encodeNode renders the JSON columns. An unset embedding is stored as NULL.
func encodeNode(n graphrag.Node) (emb sql.NullString, meta string, err error) {
	if len(n.Embedding) > 0 {
		b, err := json.Marshal(n.Embedding)
		if err != nil {
			return emb, "", fmt.Errorf("encode embedding of %s: %w", n.ID, err)
		}
		emb = sql.NullString{String: string(b), Valid: true}
	}
	m := n.Metadata
	if m == nil {
		m = map[string]any{}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return emb, "", fmt.Errorf("encode metadata of %s: %w", n.ID, err)
	}
	return emb, string(b), nil
}

func decodeNode(id, content string, emb, meta sql.NullString) (graphrag.Node, error) {
	n := graphrag.Node{ID: id, Content: content, Metadata: map[string]any{}}
	if emb.Valid && emb.String != "" {
		if err := json.Unmarshal([]byte(emb.String), &n.Embedding); err != nil {
			return n, fmt.Errorf("decode embedding of %s: %w", id, err)
		}
	}
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &n.Metadata); err != nil {
			return n, fmt.Errorf("decode metadata of %s: %w", id, err)
		}
		if n.Metadata == nil {
			n.Metadata = map[string]any{}
		}
	}
	return n, nil
}

// readGraph reads all rows in one transaction and builds a new index from
// them, nodes before edges.
func (s *Store) readGraph(ctx context.Context) (GraphIndex, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	nodes, err := readNodes(ctx, tx)
	if err != nil {
		return nil, err
	}
	edges, err := readEdges(ctx, tx)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	idx := s.emptyIndex()
	for _, n := range nodes {
		if err := idx.AddNode(n); err != nil {
			return nil, fmt.Errorf("add node %s: %w", n.ID, err)
		}
	}
	for _, e := range edges {
		if err := idx.AddEdge(e); err != nil {
			return nil, fmt.Errorf("add edge %s->%s: %w", e.Source, e.Target, err)
		}
	}
	return idx, nil
}

func readNodes(ctx context.Context, tx *sql.Tx) ([]graphrag.Node, error) {
	rows, err := tx.QueryContext(ctx, selectNodes)
	if err != nil {
		return nil, fmt.Errorf("select nodes: %w", err)
	}
	defer rows.Close()

	var nodes []graphrag.Node
	for rows.Next() {
		var (
			id, content string
			emb, meta   sql.NullString
		)
		if err := rows.Scan(&id, &content, &emb, &meta); err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		n, err := decodeNode(id, content, emb, meta)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

func readEdges(ctx context.Context, tx *sql.Tx) ([]graphrag.Edge, error) {
	rows, err := tx.QueryContext(ctx, selectEdges)
	if err != nil {
		return nil, fmt.Errorf("select edges: %w", err)
	}
	defer rows.Close()

	var edges []graphrag.Edge
	for rows.Next() {
		var e graphrag.Edge
		if err := rows.Scan(&e.Source, &e.Target, &e.Weight, &e.Type); err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}
