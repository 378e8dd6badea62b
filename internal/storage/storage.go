// Package storage implements the Storage Manager: async,
// bounded-latency writes of channel-separated PCM to disk, an internal
// write buffer that can be emergency-flushed on shutdown, and backup
// creation/rotation with atomic publish semantics.
package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fankserver/audiotranscriber/internal/coreerr"
	"github.com/fankserver/audiotranscriber/internal/pool"
)

// Releaser is the subset of monitor.Coordinator the Storage Manager needs:
// buffers written to disk are returned through the Monitoring Coordinator,
// never to the pool directly, same as every other consumer in this
// pipeline.
type Releaser interface {
	ReleaseResource(owner string, id pool.BufferID, ch pool.Channel) error
}

// Config configures directory layout and write/backup behavior.
type Config struct {
	BaseDir string

	MaxWriteLatency time.Duration // default 500ms
	WriteBufferSize int
	WorkerCount     int

	MaxBackups        int
	MaxBackupAge      time.Duration
	MinFreeSpaceBytes int64
}

// DefaultConfig returns conservative defaults for a single-session pipeline.
func DefaultConfig() Config {
	return Config{
		BaseDir:           "./data",
		MaxWriteLatency:   500 * time.Millisecond,
		WriteBufferSize:   256,
		WorkerCount:       2,
		MaxBackups:        10,
		MaxBackupAge:      30 * 24 * time.Hour,
		MinFreeSpaceBytes: 100 * 1024 * 1024,
	}
}

const (
	recordingsDir = "recordings"
	backupDir     = "backup"
	emergencyDir  = "emergency_backup"
	transcriptDir = "transcriptions"
	archivesDir   = "archives"
)

// WriteJob is an owned write request: the Design Notes' replacement for
// "tuples of (bytes, filename, buffer_id) in a write buffer". The buffer it
// references stays checked out (owned by this job, not the queue) until
// the write durably completes or it is swept into an emergency dump.
type WriteJob struct {
	Seq        uint64
	Bytes      []byte
	Filename   string // relative to BaseDir, e.g. "recordings/left/seg_1.raw"
	BufferID   pool.BufferID
	Channel    pool.Channel
	Owner      string
	EnqueuedAt time.Time
}

// Manager owns the write buffer, the worker pool draining it, and the
// backup manifest.
type Manager struct {
	cfg      Config
	releaser Releaser
	logger   *logrus.Entry

	jobCh chan *WriteJob

	pendingMu sync.Mutex
	pending   map[uint64]*WriteJob
	nextSeq   uint64

	runMu   sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	metrics *Metrics

	backupMu sync.Mutex
	backups  []BackupMetadata
}

// New builds a Manager. releaser may be nil in tests that hand Write
// buffers it does not need released back to a pool.
func New(cfg Config, releaser Releaser) (*Manager, error) {
	if cfg.WriteBufferSize <= 0 {
		cfg.WriteBufferSize = DefaultConfig().WriteBufferSize
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = DefaultConfig().WorkerCount
	}
	if cfg.MaxWriteLatency <= 0 {
		cfg.MaxWriteLatency = DefaultConfig().MaxWriteLatency
	}

	m := &Manager{
		cfg:      cfg,
		releaser: releaser,
		logger:   logrus.WithField("component", "storage-manager"),
		jobCh:    make(chan *WriteJob, cfg.WriteBufferSize),
		pending:  make(map[uint64]*WriteJob),
		metrics:  NewMetrics(),
	}

	for _, dir := range []string{
		filepath.Join(cfg.BaseDir, recordingsDir, "left"),
		filepath.Join(cfg.BaseDir, recordingsDir, "right"),
		filepath.Join(cfg.BaseDir, backupDir),
		filepath.Join(cfg.BaseDir, emergencyDir),
		filepath.Join(cfg.BaseDir, transcriptDir),
		filepath.Join(cfg.BaseDir, archivesDir),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, coreerr.Wrap("storage.new", coreerr.KindIOError, "storage", err)
		}
	}

	return m, nil
}

// Start launches the worker pool that drains jobCh and performs durable
// writes. Idempotent.
func (m *Manager) Start() {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})

	for i := 0; i < m.cfg.WorkerCount; i++ {
		m.wg.Add(1)
		go m.worker(m.stopCh)
	}
}

// Stop signals workers to exit and waits for them to return. Workers do not
// drain the channel first: jobs still queued stay pending and unwritten, so
// callers that need a guaranteed drain should call EmergencyFlush first.
func (m *Manager) Stop() {
	m.runMu.Lock()
	if !m.running {
		m.runMu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	m.runMu.Unlock()
	m.wg.Wait()
}

func (m *Manager) worker(stop chan struct{}) {
	defer m.wg.Done()
	for {
		select {
		case <-stop:
			return
		case job := <-m.jobCh:
			if job == nil {
				continue
			}
			m.commit(job)
		}
	}
}

// Write enqueues bytes for durable storage under filename (relative to
// BaseDir). It never blocks beyond the channel send. If no worker has
// started, the queued job waits for one. If the channel is full, the job is
// staged only in the pending write buffer, which workers do not read: it
// stays there until EmergencyFlush sweeps it. bufferID,
// if non-zero, is released through the Monitoring Coordinator once the
// write durably completes (or is swept into an emergency dump).
func (m *Manager) Write(filename string, bytes []byte, bufferID pool.BufferID, ch pool.Channel, owner string) error {
	m.pendingMu.Lock()
	m.nextSeq++
	seq := m.nextSeq
	job := &WriteJob{
		Seq:        seq,
		Bytes:      bytes,
		Filename:   filename,
		BufferID:   bufferID,
		Channel:    ch,
		Owner:      owner,
		EnqueuedAt: time.Now(),
	}
	m.pending[seq] = job
	m.pendingMu.Unlock()

	select {
	case m.jobCh <- job:
	default:
		// Write buffer is at capacity; the job remains staged in pending,
		// where no worker picks it up, until EmergencyFlush sweeps it on
		// shutdown. Not an error: Write is async and never blocks beyond
		// the latency budget.
	}
	return nil
}

// commit performs the actual durable write for one job, bounded by
// MaxWriteLatency. Exceeding the budget does not fail the write: it
// completes and records a threshold-exceeded event.
func (m *Manager) commit(job *WriteJob) {
	start := time.Now()

	path := filepath.Join(m.cfg.BaseDir, job.Filename)
	err := os.MkdirAll(filepath.Dir(path), 0o755)
	if err == nil {
		err = os.WriteFile(path, job.Bytes, 0o644)
	}

	elapsed := time.Since(start)
	m.metrics.RecordWrite(uint64(len(job.Bytes)), uint64(elapsed), err == nil)

	if elapsed > m.cfg.MaxWriteLatency {
		m.logger.WithFields(logrus.Fields{
			"filename": job.Filename,
			"elapsed":  elapsed,
			"budget":   m.cfg.MaxWriteLatency,
		}).Warn("write exceeded latency budget")
	}

	if err != nil {
		m.logger.WithError(err).WithField("filename", job.Filename).Error("storage write failed")
	}

	m.pendingMu.Lock()
	delete(m.pending, job.Seq)
	m.pendingMu.Unlock()

	if job.BufferID != 0 && m.releaser != nil {
		if relErr := m.releaser.ReleaseResource(job.Owner, job.BufferID, job.Channel); relErr != nil {
			m.logger.WithError(relErr).WithField("filename", job.Filename).Warn("failed to release buffer after write")
		}
	}
}

// ClassifyIOError maps a filesystem error to its IOSubKind.
func ClassifyIOError(err error) coreerr.IOSubKind {
	switch {
	case err == nil:
		return coreerr.IOOther
	case os.IsNotExist(err):
		return coreerr.IONotFound
	case os.IsPermission(err):
		return coreerr.IOPermissionDenied
	default:
		return coreerr.IOOther
	}
}

// FlushReport is EmergencyFlush's best-effort result.
type FlushReport struct {
	Dumped  int
	Files   []string
	Elapsed time.Duration
}

// EmergencyFlush drains every job still in the pending write buffer
// (whether sitting in the channel or only staged) to the emergency
// directory with best-effort naming, never raising. Guaranteed to run
// during the Cleanup Coordinator's FLUSHING_STORAGE phase.
func (m *Manager) EmergencyFlush(ctx context.Context) FlushReport {
	start := time.Now()
	report := FlushReport{}

	// Drain whatever is still queued for a worker, without blocking.
	for {
		select {
		case job := <-m.jobCh:
			if job != nil {
				// Every queued job is also staged in pending; drop it there
				// so the sweep below does not dump it a second time.
				m.pendingMu.Lock()
				delete(m.pending, job.Seq)
				m.pendingMu.Unlock()
				m.dumpEmergency(job, &report)
			}
			continue
		default:
		}
		break
	}

	// Anything left in pending (e.g. no worker ever started, or a job
	// raced the channel drain above) is swept too.
	m.pendingMu.Lock()
	remaining := make([]*WriteJob, 0, len(m.pending))
	for _, job := range m.pending {
		remaining = append(remaining, job)
	}
	m.pending = make(map[uint64]*WriteJob)
	m.pendingMu.Unlock()

	for _, job := range remaining {
		if ctx.Err() != nil {
			break
		}
		m.dumpEmergency(job, &report)
	}

	report.Elapsed = time.Since(start)
	return report
}

func (m *Manager) dumpEmergency(job *WriteJob, report *FlushReport) {
	name := fmt.Sprintf("emergency_%d_%d.tmp", time.Now().UnixNano(), job.Seq)
	path := filepath.Join(m.cfg.BaseDir, emergencyDir, name)

	if err := os.WriteFile(path, job.Bytes, 0o644); err != nil {
		m.logger.WithError(err).WithField("job", job.Seq).Error("emergency flush failed to write dump")
		return
	}

	report.Dumped++
	report.Files = append(report.Files, path)

	if job.BufferID != 0 && m.releaser != nil {
		_ = m.releaser.ReleaseResource(job.Owner, job.BufferID, job.Channel)
	}
}

// Metrics returns a snapshot of write-latency/throughput/error metrics.
func (m *Manager) Metrics() MetricsSnapshot { return m.metrics.Snapshot() }

// PendingCount reports how many jobs are currently staged in the write
// buffer (queued or awaiting a worker), for tests and introspection.
func (m *Manager) PendingCount() int {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	return len(m.pending)
}

// BaseDir returns the configured base directory, for callers composing
// paths for recordings/transcriptions outside the write-job path.
func (m *Manager) BaseDir() string { return m.cfg.BaseDir }
