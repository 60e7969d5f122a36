package codec

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/username/chatstate/internal/domain/entities"
	"github.com/username/chatstate/internal/domain/metrics"
	"github.com/username/chatstate/internal/domain/ports"
	"github.com/username/chatstate/internal/pkg/logutil"
)

// Persister loads and saves one workspace snapshot under a storage key.
// Save requests are coalesced: only the newest pending snapshot is written,
// and writes happen in commit order on a single background goroutine.
type Persister struct {
	storage  ports.BlobStoragePort
	key      string
	greeting string
	timeout  time.Duration
	logger   *logutil.Logger
	metrics  *metrics.Collector

	mu      sync.Mutex
	pending *entities.Snapshot
	wake    chan struct{}

	writeMu sync.Mutex
}

// PersisterConfig holds persister configuration
type PersisterConfig struct {
	Key          string
	Greeting     string
	WriteTimeout time.Duration
}

// NewPersister creates a persister for one storage key
func NewPersister(storage ports.BlobStoragePort, cfg PersisterConfig, logger *logutil.Logger, collector *metrics.Collector) *Persister {
	if logger == nil {
		logger = logutil.NewDefaultLogger()
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &Persister{
		storage:  storage,
		key:      cfg.Key,
		greeting: cfg.Greeting,
		timeout:  cfg.WriteTimeout,
		logger:   logger,
		metrics:  collector,
		wake:     make(chan struct{}, 1),
	}
}

// Load reads the stored snapshot. Absent, corrupt or unrecognised data
// yields a fresh seeded snapshot; Load never fails.
func (p *Persister) Load(ctx context.Context) entities.Snapshot {
	fields := logutil.Fields{"key": p.key}

	data, err := p.storage.Load(ctx, p.key)
	if err != nil {
		if errors.Is(err, ports.ErrBlobNotFound) {
			p.logger.Info("No stored snapshot, starting fresh", fields)
		} else {
			fields["error"] = err.Error()
			p.logger.Warn("Failed to read stored snapshot, starting fresh", fields)
		}
		return entities.NewSnapshot(p.greeting)
	}

	snapshot, report, err := Decode(data, p.greeting)
	if err != nil {
		fields["error"] = err.Error()
		fields["schema"] = report.Schema
		p.logger.Warn("Stored snapshot is unreadable, starting fresh", fields)
		return entities.NewSnapshot(p.greeting)
	}

	fields["schema"] = report.Schema
	fields["conversations"] = len(snapshot.Conversations)
	fields["folders"] = len(snapshot.Folders)
	if len(report.Repairs) > 0 {
		fields["repairs"] = len(report.Repairs)
		for _, r := range report.Repairs {
			p.logger.Debug("Snapshot repair", logutil.Fields{"key": p.key, "repair": r})
		}
	}
	p.logger.Info("Loaded stored snapshot", fields)
	return snapshot
}

// Save encodes and writes a snapshot synchronously
func (p *Persister) Save(ctx context.Context, snapshot entities.Snapshot) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.save(ctx, snapshot)
}

func (p *Persister) save(ctx context.Context, snapshot entities.Snapshot) error {
	data, err := Encode(snapshot)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if err := p.storage.Save(ctx, p.key, data); err != nil {
		return fmt.Errorf("failed to save snapshot %s: %w", p.key, err)
	}
	return nil
}

// Persist queues a snapshot for writing and returns immediately.
// A snapshot queued before the previous one was written replaces it.
func (p *Persister) Persist(snapshot entities.Snapshot) {
	p.mu.Lock()
	p.pending = &snapshot
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Run writes queued snapshots until ctx is done, then flushes once more
func (p *Persister) Run(ctx context.Context) {
	for {
		select {
		case <-p.wake:
			p.flushPending(ctx)
		case <-ctx.Done():
			p.flushPending(context.Background())
			return
		}
	}
}

// Flush writes the pending snapshot, if any, before returning
func (p *Persister) Flush(ctx context.Context) {
	p.flushPending(ctx)
}

func (p *Persister) flushPending(ctx context.Context) {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	p.mu.Lock()
	snapshot := p.pending
	p.pending = nil
	p.mu.Unlock()

	if snapshot == nil {
		return
	}

	if err := p.save(ctx, *snapshot); err != nil {
		// The in-memory store stays authoritative; the next mutation retries.
		p.logger.Error("Failed to persist snapshot", logutil.Fields{
			"key":   p.key,
			"error": err.Error(),
		})
		if p.metrics != nil {
			p.metrics.RecordSaveFailure()
		}
		return
	}
	if p.metrics != nil {
		p.metrics.RecordSnapshotSaved()
	}
}
