// prometheus.go - Prometheus text exporter for Metrics
package server

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// metricsPrefix namespaces every exported series.
const metricsPrefix = "europa_"

type series struct {
	name   string
	help   string
	kind   string // counter or gauge
	labels string
	value  string
}

// series lists the snapshot in exposition order. Series sharing a name must
// be adjacent.
func (s MetricsSnapshot) series() []series {
	c := func(name, help string, v int64) series {
		return series{name: name, help: help, kind: "counter", value: strconv.FormatInt(v, 10)}
	}
	g := func(name, help string, v float64) series {
		return series{name: name, help: help, kind: "gauge", value: strconv.FormatFloat(v, 'f', -1, 64)}
	}
	requests := func(class string, v int64) series {
		r := c("http_responses_total", "HTTP responses by status class", v)
		r.labels = `class="` + class + `"`
		return r
	}

	return []series{
		c("requests_total", "Total number of HTTP requests", s.RequestsTotal),
		requests("4xx", s.RequestErrors4xx),
		requests("5xx", s.RequestErrors5xx),

		c("uploads_initialized_total", "Upload sessions opened", s.UploadsInitialized),
		c("uploads_finalized_total", "Uploads assembled and recorded behind a short link", s.UploadsFinalized),
		c("upload_bytes_total", "Ciphertext bytes of finalized uploads", s.UploadBytesTotal),
		c("upload_errors_total", "Failed init, chunk or finalize calls", s.UploadErrorsTotal),
		g("finalize_avg_duration_ms", "Mean finalize duration", s.FinalizeAvgDurationMs),
		c("chunks_total", "Chunks stored", s.ChunksTotal),
		c("chunk_bytes_total", "Bytes received in chunks", s.ChunkBytesTotal),

		c("resolves_total", "Short links resolved", s.ResolvesTotal),
		c("downloads_total", "Downloads served, one per request", s.DownloadsTotal),
		c("download_bytes_total", "Ciphertext bytes served", s.DownloadBytesTotal),
		c("download_errors_total", "Downloads refused or failed", s.DownloadErrorsTotal),
		g("download_avg_duration_ms", "Mean download duration", s.DownloadAvgDurationMs),

		c("sweeps_total", "Cleanup sweeps recorded", s.SweepsTotal),
		c("sweep_failures_total", "Cleanup sweeps that failed", s.SweepFailuresTotal),
		c("sweep_files_deleted_total", "Expired transfers deleted", s.SweepFilesDeleted),
		c("sweep_errors_total", "Per-transfer errors during sweeps", s.SweepErrorsTotal),
		c("sweep_bytes_freed_total", "Bytes freed by sweeps", s.SweepBytesFreed),
		c("sweep_orphans_deleted_total", "Objects deleted without a transfer row", s.SweepOrphansDeleted),
		c("sweep_staged_purged_total", "Stale staged chunks purged", s.SweepStagedPurged),
		g("last_sweep_timestamp_seconds", "Start of the last recorded sweep", float64(s.LastSweepUnix)),

		g("uptime_seconds", "Seconds since the process started", s.UptimeSeconds),
	}
}

// Handler serves the snapshot in the Prometheus text format.
func (m *Metrics) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var out strings.Builder
		last := ""
		for _, s := range m.Snapshot().series() {
			name := metricsPrefix + s.name
			if name != last {
				if last != "" {
					out.WriteString("\n")
				}
				fmt.Fprintf(&out, "# HELP %s %s\n# TYPE %s %s\n", name, s.help, name, s.kind)
				last = name
			}
			if s.labels != "" {
				name += "{" + s.labels + "}"
			}
			fmt.Fprintf(&out, "%s %s\n", name, s.value)
		}

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(out.String()))
	}
}
