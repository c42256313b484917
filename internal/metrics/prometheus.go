// Package metrics exports compaction job events as Prometheus metrics.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/aalhour/rockyardkv-compaction/internal/compaction"
)

const (
	namespace = "rockyardkv"
	subsystem = "compaction"
)

// Sink is a compaction.EventListener that records every event it sees.
type Sink struct {
	JobsTotal           *prometheus.CounterVec
	JobDuration         prometheus.Histogram
	SubcompactionsTotal *prometheus.CounterVec
	SubcompactionsBusy  prometheus.Gauge

	InputRecordsTotal    prometheus.Counter
	OutputRecordsTotal   prometheus.Counter
	ReplacedRecordsTotal prometheus.Counter
	DroppedRecordsTotal  *prometheus.CounterVec
	BytesReadTotal       prometheus.Counter
	BytesWrittenTotal    *prometheus.CounterVec

	OutputFilesTotal  *prometheus.CounterVec
	DeletedFilesTotal prometheus.Counter
	InputFiles        prometheus.Histogram

	reg prometheus.Registerer
}

var _ compaction.EventListener = (*Sink)(nil)

// NewSink creates the metrics and registers them with reg. A nil reg
// registers with the default registry.
func NewSink(reg prometheus.Registerer, constLabels prometheus.Labels) *Sink {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Sink{
		reg: reg,
		JobsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "jobs_total",
			Help:        "Total number of finished compaction jobs by status and reason",
			ConstLabels: constLabels,
		}, []string{"status", "reason", "remote"}),
		JobDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "job_duration_seconds",
			Help:        "Histogram of compaction job run times",
			ConstLabels: constLabels,
			Buckets:     prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
		SubcompactionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "subcompactions_total",
			Help:        "Total number of finished subcompactions by status",
			ConstLabels: constLabels,
		}, []string{"status"}),
		SubcompactionsBusy: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "subcompactions_running",
			Help:        "Number of subcompactions currently running",
			ConstLabels: constLabels,
		}),
		InputRecordsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "input_records_total",
			Help:        "Total records read by compactions",
			ConstLabels: constLabels,
		}),
		OutputRecordsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "output_records_total",
			Help:        "Total records written by compactions",
			ConstLabels: constLabels,
		}),
		ReplacedRecordsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "replaced_records_total",
			Help:        "Total records dropped because a newer version hid them",
			ConstLabels: constLabels,
		}),
		DroppedRecordsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "dropped_records_total",
			Help:        "Total records dropped by compactions, by cause",
			ConstLabels: constLabels,
		}, []string{"cause"}),
		BytesReadTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "bytes_read_total",
			Help:        "Total input bytes of compactions",
			ConstLabels: constLabels,
		}),
		BytesWrittenTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "bytes_written_total",
			Help:        "Total output bytes of compactions by destination",
			ConstLabels: constLabels,
		}, []string{"destination"}),
		OutputFilesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "output_files_total",
			Help:        "Total output files created, by level",
			ConstLabels: constLabels,
		}, []string{"level"}),
		DeletedFilesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "discarded_files_total",
			Help:        "Total output files removed because their job failed",
			ConstLabels: constLabels,
		}),
		InputFiles: f.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "input_files",
			Help:        "Histogram of input files per compaction job",
			ConstLabels: constLabels,
			Buckets:     prometheus.ExponentialBuckets(1, 2, 8),
		}),
	}
}

// RegisterLedger exports the slots held in ledger.
func (s *Sink) RegisterLedger(ledger *compaction.ResourceLedger) error {
	inUse := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "extra_threads_in_use",
		Help:      "Extra subcompaction threads currently reserved",
	}, func() float64 { return float64(ledger.InUse()) })
	capacity := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "extra_threads_capacity",
		Help:      "Ceiling of extra subcompaction threads",
	}, func() float64 { return float64(ledger.Capacity()) })
	if err := s.reg.Register(inUse); err != nil {
		return err
	}
	return s.reg.Register(capacity)
}

func (s *Sink) OnSubcompactionBegin(*compaction.SubcompactionJobInfo) {
	s.SubcompactionsBusy.Inc()
}

func (s *Sink) OnSubcompactionCompleted(info *compaction.SubcompactionJobInfo) {
	s.SubcompactionsBusy.Dec()
	s.SubcompactionsTotal.WithLabelValues(statusLabel(info.Status)).Inc()
}

func (s *Sink) OnTableFileCreated(info *compaction.TableFileCreationInfo) {
	if info.Status != nil {
		return
	}
	s.OutputFilesTotal.WithLabelValues(strconv.Itoa(info.Level)).Inc()
}

func (s *Sink) OnTableFileDeleted(*compaction.TableFileDeletionInfo) {
	s.DeletedFilesTotal.Inc()
}

// OnCompactionCompleted records the job totals. Failed jobs count toward
// jobs_total only; their records never reached the database.
func (s *Sink) OnCompactionCompleted(info *compaction.CompactionJobInfo) {
	st := &info.Stats
	s.JobsTotal.WithLabelValues(statusLabel(info.Status), info.CompactionReason.String(),
		strconv.FormatBool(st.IsRemoteCompaction)).Inc()
	s.JobDuration.Observe((time.Duration(st.ElapsedMicros) * time.Microsecond).Seconds())
	s.InputFiles.Observe(float64(st.NumInputFiles))
	if info.Status != nil {
		return
	}
	s.InputRecordsTotal.Add(float64(st.NumInputRecords))
	s.OutputRecordsTotal.Add(float64(st.NumOutputRecords))
	s.ReplacedRecordsTotal.Add(float64(st.NumRecordsReplaced))
	s.DroppedRecordsTotal.WithLabelValues("obsolete_deletion").Add(float64(st.NumExpiredDeletionRecords))
	s.DroppedRecordsTotal.WithLabelValues("range_deletion").Add(float64(st.NumRangeDelDropped))
	s.BytesReadTotal.Add(float64(st.TotalInputBytes))

	ls := &info.LevelStats
	s.BytesWrittenTotal.WithLabelValues("output_level").Add(float64(ls.OutputLevelStats.BytesWritten))
	if ls.HasProximalLevelOutput {
		s.BytesWrittenTotal.WithLabelValues("proximal_level").Add(float64(ls.ProximalLevelStats.BytesWritten))
	}
}

func statusLabel(err error) string {
	return compaction.StatusFromError(err).Code.String()
}
