// Package knowledge persists a similarity graph of text chunks in a
// relational database and keeps an in-memory copy of it for ranking.
//
// A Store owns one connection pool and one GraphIndex. Writes are serialized
// and rebuild the graph copy-on-write; queries read the published graph
// without locking.
package knowledge

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	_ "modernc.org/sqlite"

	"github.com/sodateru/sodateru/pkg/config"
	"github.com/sodateru/sodateru/pkg/graphrag"
	"github.com/sodateru/sodateru/pkg/logger"
)

const DefaultOperationTimeout = 30 * time.Second

// GraphIndex is the in-memory ranking engine a Store drives.
type GraphIndex interface {
	AddNode(n graphrag.Node) error
	AddEdge(e graphrag.Edge) error
	CreateGraph(chunks []graphrag.Chunk, embeddings []graphrag.Embedding) error
	Query(q graphrag.Query) ([]graphrag.RankedNode, error)
	Nodes() []graphrag.Node
	Edges() []graphrag.Edge
	NodeCount() int
	EdgeCount() int
}

// IndexFactory builds an empty GraphIndex.
type IndexFactory func(dimension, maxConnections int) GraphIndex

type State int32

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	// StateDegraded is ready without a graph: the last load failed.
	StateDegraded
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateDegraded:
		return "degraded"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Config describes the database and graph a Store works with.
type Config struct {
	Dialect      string // config.DialectPostgres or config.DialectSQLite
	DSN          string
	AdminDSN     string
	DatabaseName string
	SQLitePath   string

	Dimension      int
	MaxConnections int
	Threshold      float64
	Seed           uint64

	OperationTimeout time.Duration
	MaxOpenConns     int
	MaxIdleConns     int
	ConnMaxLifetime  time.Duration
}

// FromConfig maps application configuration onto a store Config.
func FromConfig(c *config.Config) Config {
	return Config{
		Dialect:          c.Dialect(),
		DSN:              c.DSN(),
		AdminDSN:         c.AdminDSN(),
		DatabaseName:     c.Database.Name,
		SQLitePath:       c.SQLitePath(),
		Dimension:        c.Embedding.Dimension,
		MaxConnections:   c.Graph.MaxConnections,
		Threshold:        c.Graph.Threshold,
		Seed:             c.Graph.Seed,
		OperationTimeout: c.Store.OperationTimeout,
		MaxOpenConns:     c.Database.MaxOpenConns,
		MaxIdleConns:     c.Database.MaxIdleConns,
		ConnMaxLifetime:  c.Database.ConnMaxLifetime,
	}
}

type Option func(*Store)

// WithIndexFactory replaces the default graphrag-backed index.
func WithIndexFactory(f IndexFactory) Option {
	return func(s *Store) { s.newIndex = f }
}

// WithRegisterer registers the store's collectors with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(s *Store) { s.registerer = reg }
}

// WithTracerProvider sets the provider spans are created from. The global
// provider is used otherwise.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Store) { s.tracer = tp.Tracer(tracerName) }
}

type indexRef struct {
	GraphIndex
}

type Store struct {
	cfg      Config
	db       *sql.DB
	dialect  dialect
	schema   *SchemaManager
	newIndex IndexFactory
	edges    edgeWriter

	registerer prometheus.Registerer
	metrics    *storeMetrics
	tracer     trace.Tracer

	mu    sync.Mutex // serializes writers
	graph atomic.Pointer[indexRef]
	state atomic.Int32
}

// New opens the connection pool. No statement is run until Initialize.
func New(cfg Config, opts ...Option) (*Store, error) {
	d, err := dialectFor(cfg.Dialect)
	if err != nil {
		return nil, err
	}
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("knowledge: dimension must be positive, got %d", cfg.Dimension)
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = DefaultOperationTimeout
	}

	driver := "pgx"
	if d.name == config.DialectSQLite {
		driver = "sqlite"
	}
	db, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("knowledge: open %s: %w", driver, err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	s := &Store{
		cfg:     cfg,
		db:      db,
		dialect: d,
		schema: &SchemaManager{
			db:         db,
			dialect:    d,
			driver:     driver,
			adminDSN:   cfg.AdminDSN,
			dbName:     cfg.DatabaseName,
			sqlitePath: cfg.SQLitePath,
		},
		edges:  replaceEdges{},
		tracer: otel.Tracer(tracerName),
	}
	s.newIndex = func(dim, maxConn int) GraphIndex {
		return graphrag.New(dim, maxConn,
			graphrag.WithThreshold(cfg.Threshold),
			graphrag.WithSeed(cfg.Seed))
	}
	for _, o := range opts {
		o(s)
	}

	s.metrics = newStoreMetrics(s)
	if s.registerer != nil {
		if err := s.metrics.register(s.registerer); err != nil {
			db.Close()
			return nil, fmt.Errorf("knowledge: register metrics: %w", err)
		}
	}
	return s, nil
}

// Open is New followed by Initialize.
func Open(ctx context.Context, cfg Config, opts ...Option) (*Store, error) {
	s, err := New(cfg, opts...)
	if err != nil {
		return nil, err
	}
	if err := s.Initialize(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// Schema exposes the schema manager for the init command.
func (s *Store) Schema() *SchemaManager { return s.schema }

// DB returns the underlying pool.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Dimension() int { return s.cfg.Dimension }

func (s *Store) State() State { return State(s.state.Load()) }

// Initialize ensures the database and schema exist, then loads the graph.
// Schema failures are returned. A load failure leaves the store degraded
// and is only logged. Calling Initialize again is a no-op.
func (s *Store) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st := s.State(); st == StateReady || st == StateDegraded {
		return nil
	}
	s.state.Store(int32(StateInitializing))

	if err := s.schema.EnsureDatabase(ctx); err != nil {
		s.state.Store(int32(StateUninitialized))
		return err
	}
	if err := s.schema.EnsureSchema(ctx); err != nil {
		s.state.Store(int32(StateUninitialized))
		return err
	}

	if err := s.load(ctx); err != nil {
		logger.ErrorCF("knowledge", "Graph load failed, queries disabled until a reset", map[string]interface{}{
			"error": err,
		})
		return nil
	}
	return nil
}

// Load rebuilds the in-memory graph from the database. On failure the graph
// becomes absent and a *LoadError is returned.
func (s *Store) Load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State() == StateUninitialized {
		return ErrNotInitialized
	}
	return s.load(ctx)
}

func (s *Store) load(ctx context.Context) (err error) {
	ctx, span := s.startSpan(ctx, "knowledge.Load")
	defer func() { endSpan(span, err) }()
	defer s.metrics.observe("load", time.Now(), &err)

	idx, err := s.readGraph(ctx)
	if err != nil {
		s.graph.Store(nil)
		s.state.Store(int32(StateDegraded))
		return &LoadError{Err: err}
	}
	s.publish(idx)
	logger.InfoCF("knowledge", "Graph loaded", map[string]interface{}{
		"nodes": idx.NodeCount(),
		"edges": idx.EdgeCount(),
	})
	return nil
}

// current returns the published graph, or nil when absent.
func (s *Store) current() GraphIndex {
	if ref := s.graph.Load(); ref != nil {
		return ref.GraphIndex
	}
	return nil
}

func (s *Store) publish(idx GraphIndex) {
	s.graph.Store(&indexRef{idx})
	s.state.Store(int32(StateReady))
}

func (s *Store) emptyIndex() GraphIndex {
	return s.newIndex(s.cfg.Dimension, s.cfg.MaxConnections)
}

// clone copies idx into a fresh index so writers never mutate the graph
// readers see.
func (s *Store) clone(idx GraphIndex) (GraphIndex, error) {
	next := s.emptyIndex()
	if idx == nil {
		return next, nil
	}
	for _, n := range idx.Nodes() {
		if err := next.AddNode(n); err != nil {
			return nil, fmt.Errorf("copy node %s: %w", n.ID, err)
		}
	}
	for _, e := range idx.Edges() {
		if err := next.AddEdge(e); err != nil {
			return nil, fmt.Errorf("copy edge %s->%s: %w", e.Source, e.Target, err)
		}
	}
	return next, nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.cfg.OperationTimeout)
}

// Count returns the number of durable nodes.
func (s *Store) Count(ctx context.Context) (int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var n int
	if err := s.db.QueryRowContext(ctx, countNodes).Scan(&n); err != nil {
		return 0, fmt.Errorf("knowledge: count nodes: %w", err)
	}
	return n, nil
}

// Stats describes durable and in-memory graph sizes.
type Stats struct {
	State        string `json:"state"`
	Dialect      string `json:"dialect"`
	Dimension    int    `json:"dimension"`
	StoredNodes  int    `json:"storedNodes"`
	StoredEdges  int    `json:"storedEdges"`
	GraphNodes   int    `json:"graphNodes"`
	GraphEdges   int    `json:"graphEdges"`
	GraphPresent bool   `json:"graphPresent"`
}

func (s *Store) Stats(ctx context.Context) (Stats, error) {
	st := Stats{
		State:     s.State().String(),
		Dialect:   s.dialect.name,
		Dimension: s.cfg.Dimension,
	}
	if idx := s.current(); idx != nil {
		st.GraphPresent = true
		st.GraphNodes = idx.NodeCount()
		st.GraphEdges = idx.EdgeCount()
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if err := s.db.QueryRowContext(ctx, countNodes).Scan(&st.StoredNodes); err != nil {
		return st, fmt.Errorf("knowledge: count nodes: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, countEdges).Scan(&st.StoredEdges); err != nil {
		return st, fmt.Errorf("knowledge: count edges: %w", err)
	}
	return st, nil
}

// Delete removes every node and edge, then resets the in-memory graph to
// empty. On failure nothing changes.
func (s *Store) Delete(ctx context.Context) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State() == StateUninitialized || s.State() == StateInitializing {
		return ErrNotInitialized
	}

	ctx, span := s.startSpan(ctx, "knowledge.Delete")
	defer func() { endSpan(span, err) }()
	defer s.metrics.observe("delete", time.Now(), &err)

	tctx, cancel := s.withTimeout(ctx)
	defer cancel()
	tx, err := s.db.BeginTx(tctx, nil)
	if err != nil {
		return &TransactionError{Op: "delete", Err: err}
	}
	if _, err := tx.ExecContext(tctx, s.dialect.clearNodes); err != nil {
		return &TransactionError{Op: "delete", Err: rollback(tx, err)}
	}
	if err := tx.Commit(); err != nil {
		return &TransactionError{Op: "delete", Err: err}
	}

	s.publish(s.emptyIndex())
	logger.InfoC("knowledge", "Knowledge graph deleted")
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	if s.registerer != nil {
		s.metrics.unregister(s.registerer)
	}
	if err := s.db.Close(); err != nil && !errors.Is(err, sql.ErrConnDone) {
		return err
	}
	return nil
}
