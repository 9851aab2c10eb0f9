// Package scheduler periodically exports the knowledge graph to a snapshot
// file on a cron schedule.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/sodateru/sodateru/pkg/logger"
)

// Exporter writes a snapshot of the current graph.
type Exporter interface {
	ExportSnapshot(w io.Writer) error
}

var ErrDisabled = errors.New("snapshot service is disabled")

type SnapshotService struct {
	exporter Exporter
	schedule string
	path     string
	enabled  bool
	onExit   bool
	timeout  time.Duration
	now      func() time.Time
	mu       sync.RWMutex
	stopChan chan struct{}
	done     chan struct{}
	started  bool
	lastRun  time.Time
	lastErr  error
}

type Options struct {
	Schedule string
	Path     string
	Enabled  bool
	// OnExit writes a final snapshot when Stop is called.
	OnExit  bool
	Timeout time.Duration
}

func NewSnapshotService(exporter Exporter, opts Options) (*SnapshotService, error) {
	if opts.Path == "" {
		return nil, errors.New("snapshot path is empty")
	}
	if opts.Enabled && !gronx.New().IsValid(opts.Schedule) {
		return nil, fmt.Errorf("invalid snapshot schedule %q", opts.Schedule)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = time.Minute
	}
	return &SnapshotService{
		exporter: exporter,
		schedule: opts.Schedule,
		path:     opts.Path,
		enabled:  opts.Enabled,
		onExit:   opts.OnExit,
		timeout:  opts.Timeout,
		now:      time.Now,
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

func (s *SnapshotService) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	if !s.enabled {
		return ErrDisabled
	}

	s.started = true
	go s.runLoop()

	logger.InfoCF("snapshot", "Snapshot service started", map[string]interface{}{
		"schedule": s.schedule,
		"path":     s.path,
	})
	return nil
}

// Stop ends the loop and waits for an in-flight export. With OnExit set it
// writes one last snapshot.
func (s *SnapshotService) Stop() {
	s.mu.Lock()
	if !s.started || !s.running() {
		s.mu.Unlock()
		return
	}
	close(s.stopChan)
	s.mu.Unlock()

	<-s.done

	if s.onExit {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		if err := s.RunOnce(ctx); err != nil {
			logger.ErrorCF("snapshot", "Exit snapshot failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}
}

func (s *SnapshotService) running() bool {
	select {
	case <-s.stopChan:
		return false
	default:
		return true
	}
}

func (s *SnapshotService) runLoop() {
	defer close(s.done)

	for {
		next, err := gronx.NextTickAfter(s.schedule, s.now(), false)
		if err != nil {
			logger.ErrorCF("snapshot", "Cannot compute next tick", map[string]interface{}{
				"schedule": s.schedule,
				"error":    err.Error(),
			})
			return
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-s.stopChan:
			timer.Stop()
			return
		case <-timer.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
			if err := s.RunOnce(ctx); err != nil {
				logger.ErrorCF("snapshot", "Scheduled snapshot failed", map[string]interface{}{
					"error": err.Error(),
				})
			}
			cancel()
		}
	}
}

// RunOnce exports to a temporary file in the target directory and renames it
// over the snapshot path, so readers never see a partial file.
func (s *SnapshotService) RunOnce(ctx context.Context) (err error) {
	defer func() {
		s.mu.Lock()
		s.lastRun, s.lastErr = s.now(), err
		s.mu.Unlock()
	}()

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := WriteFileAtomic(s.path, s.exporter.ExportSnapshot); err != nil {
		return err
	}

	logger.InfoCF("snapshot", "Snapshot written", map[string]interface{}{
		"path": s.path,
	})
	return nil
}

// LastRun reports when RunOnce last finished and its error.
func (s *SnapshotService) LastRun() (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastRun, s.lastErr
}

// NextRun is the next scheduled export after now.
func (s *SnapshotService) NextRun() (time.Time, error) {
	return gronx.NextTickAfter(s.schedule, s.now(), false)
}

// WriteFileAtomic streams write into a temp file next to path and renames it
// into place once it is synced.
func WriteFileAtomic(path string, write func(io.Writer) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	cleanup := func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}

	if err := write(tmp); err != nil {
		cleanup()
		return fmt.Errorf("export snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rename snapshot: %w", err)
	}
	return nil
}
