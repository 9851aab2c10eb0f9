package knowledge

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/sodateru/sodateru/pkg/graphrag"
)

// Query ranks the published graph against q. It never waits for writers.
func (s *Store) Query(ctx context.Context, q graphrag.Query) (results []graphrag.RankedNode, err error) {
	_, span := s.startSpan(ctx, "knowledge.Query")
	span.SetAttributes(attribute.Int("top_k", q.TopK), attribute.Int("steps", q.RandomWalkSteps))
	defer func() { endSpan(span, err) }()
	defer s.metrics.observe("query", time.Now(), &err)

	idx := s.current()
	if idx == nil {
		return nil, &QueryError{Err: ErrUninitializedGraph}
	}
	if len(q.Vector) != s.cfg.Dimension {
		return nil, &QueryError{Err: fmt.Errorf("%w: query has %d dimensions, want %d",
			ErrDimensionMismatch, len(q.Vector), s.cfg.Dimension)}
	}

	results, err = idx.Query(q)
	if err != nil {
		return nil, &QueryError{Err: err}
	}
	span.SetAttributes(attribute.Int("results", len(results)))
	return results, nil
}
