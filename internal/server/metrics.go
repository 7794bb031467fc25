package server

import (
	"sync"
	"time"

	"europa/internal/store"
)

// Metrics holds in-process counters for the transfer flow. The zero value
// is not usable; use NewMetrics.
type Metrics struct {
	mu sync.RWMutex

	// Upload metrics
	uploadsInitialized  int64
	uploadsFinalized    int64
	uploadBytesTotal    int64
	uploadErrorsTotal   int64
	uploadDurationTotal time.Duration
	chunksTotal         int64
	chunkBytesTotal     int64

	// Download metrics
	resolvesTotal         int64
	downloadsTotal        int64
	downloadBytesTotal    int64
	downloadErrorsTotal   int64
	downloadDurationTotal time.Duration

	// Cleanup metrics
	sweepsTotal         int64
	sweepFailuresTotal  int64
	sweepFilesDeleted   int64
	sweepErrorsTotal    int64
	sweepBytesFreed     int64
	sweepOrphansDeleted int64
	sweepStagedPurged   int64
	lastSweep           time.Time

	// System metrics
	requestsTotal    int64
	requestErrors4xx int64
	requestErrors5xx int64

	started time.Time
}

func NewMetrics() *Metrics {
	return &Metrics{started: time.Now()}
}

// RecordInit counts an opened upload session.
func (m *Metrics) RecordInit() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploadsInitialized++
}

// RecordChunk counts a stored chunk of the given size.
func (m *Metrics) RecordChunk(bytes int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chunksTotal++
	m.chunkBytesTotal += bytes
}

// RecordFinalize counts a transfer that was assembled and recorded.
func (m *Metrics) RecordFinalize(bytes int64, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploadsFinalized++
	m.uploadBytesTotal += bytes
	m.uploadDurationTotal += duration
}

func (m *Metrics) RecordUploadError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploadErrorsTotal++
}

func (m *Metrics) RecordResolve() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resolvesTotal++
}

// RecordDownload counts a served download. Range requests count once each.
func (m *Metrics) RecordDownload(bytes int64, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.downloadsTotal++
	m.downloadBytesTotal += bytes
	m.downloadDurationTotal += duration
}

func (m *Metrics) RecordDownloadError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.downloadErrorsTotal++
}

// RecordSweep adds one recorded cleanup run to the totals.
func (m *Metrics) RecordSweep(run store.CleanupRun, orphans, staged int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepsTotal++
	if run.Status == store.RunFailed {
		m.sweepFailuresTotal++
	}
	m.sweepFilesDeleted += int64(run.FilesDeleted)
	m.sweepErrorsTotal += int64(run.ErrorCount)
	m.sweepBytesFreed += run.BytesFreed
	m.sweepOrphansDeleted += int64(orphans)
	m.sweepStagedPurged += int64(staged)
	m.lastSweep = run.StartTime
}

// RecordRequest records an HTTP request
func (m *Metrics) RecordRequest(statusCode int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requestsTotal++

	if statusCode >= 500 {
		m.requestErrors5xx++
	} else if statusCode >= 400 {
		m.requestErrors4xx++
	}
}

// Snapshot returns a snapshot of current metrics
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := MetricsSnapshot{
		UploadsInitialized:    m.uploadsInitialized,
		UploadsFinalized:      m.uploadsFinalized,
		UploadBytesTotal:      m.uploadBytesTotal,
		UploadErrorsTotal:     m.uploadErrorsTotal,
		FinalizeAvgDurationMs: avgDuration(m.uploadDurationTotal, m.uploadsFinalized),
		ChunksTotal:           m.chunksTotal,
		ChunkBytesTotal:       m.chunkBytesTotal,
		ResolvesTotal:         m.resolvesTotal,
		DownloadsTotal:        m.downloadsTotal,
		DownloadBytesTotal:    m.downloadBytesTotal,
		DownloadErrorsTotal:   m.downloadErrorsTotal,
		DownloadAvgDurationMs: avgDuration(m.downloadDurationTotal, m.downloadsTotal),
		SweepsTotal:           m.sweepsTotal,
		SweepFailuresTotal:    m.sweepFailuresTotal,
		SweepFilesDeleted:     m.sweepFilesDeleted,
		SweepErrorsTotal:      m.sweepErrorsTotal,
		SweepBytesFreed:       m.sweepBytesFreed,
		SweepOrphansDeleted:   m.sweepOrphansDeleted,
		SweepStagedPurged:     m.sweepStagedPurged,
		RequestsTotal:         m.requestsTotal,
		RequestErrors4xx:      m.requestErrors4xx,
		RequestErrors5xx:      m.requestErrors5xx,
		UptimeSeconds:         time.Since(m.started).Seconds(),
	}
	if !m.lastSweep.IsZero() {
		snap.LastSweepUnix = m.lastSweep.Unix()
	}
	return snap
}

// MetricsSnapshot represents a point-in-time snapshot of metrics
type MetricsSnapshot struct {
	// Upload metrics
	UploadsInitialized    int64   `json:"uploads_initialized_total"`
	UploadsFinalized      int64   `json:"uploads_finalized_total"`
	UploadBytesTotal      int64   `json:"upload_bytes_total"`
	UploadErrorsTotal     int64   `json:"upload_errors_total"`
	FinalizeAvgDurationMs float64 `json:"finalize_avg_duration_ms"`
	ChunksTotal           int64   `json:"chunks_total"`
	ChunkBytesTotal       int64   `json:"chunk_bytes_total"`

	// Download metrics
	ResolvesTotal         int64   `json:"resolves_total"`
	DownloadsTotal        int64   `json:"downloads_total"`
	DownloadBytesTotal    int64   `json:"download_bytes_total"`
	DownloadErrorsTotal   int64   `json:"download_errors_total"`
	DownloadAvgDurationMs float64 `json:"download_avg_duration_ms"`

	// Cleanup metrics
	SweepsTotal         int64 `json:"sweeps_total"`
	SweepFailuresTotal  int64 `json:"sweep_failures_total"`
	SweepFilesDeleted   int64 `json:"sweep_files_deleted_total"`
	SweepErrorsTotal    int64 `json:"sweep_errors_total"`
	SweepBytesFreed     int64 `json:"sweep_bytes_freed_total"`
	SweepOrphansDeleted int64 `json:"sweep_orphans_deleted_total"`
	SweepStagedPurged   int64 `json:"sweep_staged_purged_total"`
	LastSweepUnix       int64 `json:"last_sweep_unix"`

	// System metrics
	RequestsTotal    int64   `json:"requests_total"`
	RequestErrors4xx int64   `json:"request_errors_4xx"`
	RequestErrors5xx int64   `json:"request_errors_5xx"`
	UptimeSeconds    float64 `json:"uptime_seconds"`
}

func avgDuration(total time.Duration, count int64) float64 {
	if count == 0 {
		return 0
	}
	return float64(total.Milliseconds()) / float64(count)
}
