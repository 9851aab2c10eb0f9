package knowledge

import (
	"errors"
	"fmt"

	"github.com/sodateru/sodateru/pkg/graphrag"
)

var (
	// ErrUninitializedGraph means no graph is loaded: the store was never
	// initialized, or its last load failed.
	ErrUninitializedGraph = errors.New("knowledge: graph is not initialized")

	// ErrNotInitialized is returned by writes issued before Initialize.
	ErrNotInitialized = errors.New("knowledge: store is not initialized")

	ErrDimensionMismatch = graphrag.ErrDimensionMismatch
	ErrInvalidVector     = errors.New("knowledge: invalid vector")
)

// SchemaError is a failure to create the database or its tables.
type SchemaError struct {
	Op  string
	Err error
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("knowledge: schema %s: %v", e.Op, e.Err)
}

func (e *SchemaError) Unwrap() error { return e.Err }

// LoadError is a failure to rebuild the in-memory graph from durable rows.
type LoadError struct {
	Err error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("knowledge: load graph: %v", e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// TransactionError is a failed durable write. The transaction was rolled
// back and durable state is unchanged.
type TransactionError struct {
	Op  string
	Err error
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("knowledge: %s transaction: %v", e.Op, e.Err)
}

func (e *TransactionError) Unwrap() error { return e.Err }

// DataMismatchError reports a bulk batch whose embedding count differs from
// its chunk count.
type DataMismatchError struct {
	Chunks     int
	Embeddings int
}

func (e *DataMismatchError) Error() string {
	return fmt.Sprintf("knowledge: %d chunks but %d embeddings", e.Chunks, e.Embeddings)
}

// StateError rejects a write the store cannot apply in its current state.
// A degraded store holds durable rows it could not load, so a full-graph
// save would drop them; Load or Delete must succeed first.
type StateError struct {
	Op    string
	State State
	Err   error
}

func (e *StateError) Error() string {
	return fmt.Sprintf("knowledge: %s while %s: %v", e.Op, e.State, e.Err)
}

func (e *StateError) Unwrap() error { return e.Err }

// QueryError wraps every query failure.
type QueryError struct {
	Err error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("knowledge: query: %v", e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }
