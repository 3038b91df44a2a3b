package app

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/artpar/metergate/domain/usage"
	"github.com/artpar/metergate/ports"
)

// RecordJob is one post-response usage/billing recording task.
type RecordJob struct {
	RequestID   string
	APIKey      string
	APIKeyID    string
	APIID       string
	EndpointID  string
	DeveloperID string
	AmountUSDC  float64
	StatusCode  int
	Timestamp   time.Time
}

// Recorder runs usage recording and billing deduction on a worker pool,
// decoupled from the response path. Job failures feed logging only; a
// response already sent to the client is never affected.
type Recorder struct {
	usage  ports.UsageStore
	ledger *LedgerService
	idGen  ports.IDGenerator
	logger zerolog.Logger

	jobs       chan RecordJob
	jobTimeout time.Duration
	queueDepth prometheus.Gauge
	dropped    prometheus.Counter
	wg         sync.WaitGroup
	closeOnce  sync.Once
}

// RecorderConfig configures the background recorder.
type RecorderConfig struct {
	Workers    int           // default 4
	QueueSize  int           // default 256
	JobTimeout time.Duration // default 30s

	// Optional gauges/counters; nil disables the instrument.
	QueueDepth prometheus.Gauge
	Dropped    prometheus.Counter
}

// NewRecorder creates and starts a background recorder.
func NewRecorder(usageStore ports.UsageStore, ledger *LedgerService, idGen ports.IDGenerator, logger zerolog.Logger, cfg RecorderConfig) *Recorder {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 30 * time.Second
	}

	r := &Recorder{
		usage:      usageStore,
		ledger:     ledger,
		idGen:      idGen,
		logger:     logger,
		jobs:       make(chan RecordJob, cfg.QueueSize),
		jobTimeout: cfg.JobTimeout,
		queueDepth: cfg.QueueDepth,
		dropped:    cfg.Dropped,
	}

	r.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go r.worker()
	}

	return r
}

// Submit queues a job without blocking. Returns false (and logs) when the
// queue is full; a dropped recording is a logged loss, never a client error.
func (r *Recorder) Submit(job RecordJob) bool {
	select {
	case r.jobs <- job:
		r.setQueueDepth()
		return true
	default:
		if r.dropped != nil {
			r.dropped.Inc()
		}
		r.logger.Error().
			Str("request_id", job.RequestID).
			Msg("recorder queue full, dropping usage record")
		return false
	}
}

func (r *Recorder) setQueueDepth() {
	if r.queueDepth != nil {
		r.queueDepth.Set(float64(len(r.jobs)))
	}
}

func (r *Recorder) worker() {
	defer r.wg.Done()
	for job := range r.jobs {
		r.setQueueDepth()
		r.process(job)
	}
}

func (r *Recorder) process(job RecordJob) {
	ctx, cancel := context.WithTimeout(context.Background(), r.jobTimeout)
	defer cancel()

	var txHash string
	if job.AmountUSDC > 0 {
		res, err := r.ledger.Deduct(ctx, DeductParams{
			RequestID:   job.RequestID,
			DeveloperID: job.DeveloperID,
			APIID:       job.APIID,
			EndpointID:  job.EndpointID,
			APIKeyID:    job.APIKeyID,
			AmountUSDC:  job.AmountUSDC,
		})
		if err != nil {
			// Swallowed after logging: the client already has its response.
			r.logger.Error().
				Str("request_id", job.RequestID).
				Str("developer_id", job.DeveloperID).
				Err(err).
				Msg("background deduction failed")
		} else {
			txHash = res.TxHash
		}
	}

	recorded, err := r.usage.Record(ctx, usage.Event{
		ID:               r.idGen.New(),
		RequestID:        job.RequestID,
		APIKey:           job.APIKey,
		APIKeyID:         job.APIKeyID,
		APIID:            job.APIID,
		EndpointID:       job.EndpointID,
		DeveloperID:      job.DeveloperID,
		AmountUSDC:       job.AmountUSDC,
		StatusCode:       job.StatusCode,
		Timestamp:        job.Timestamp,
		SettlementTxHash: txHash,
	})
	if err != nil {
		r.logger.Error().
			Str("request_id", job.RequestID).
			Err(err).
			Msg("background usage recording failed")
		return
	}
	if !recorded {
		// A retry can settle a deduction the original recording missed;
		// carry the hash over to the existing event.
		if txHash != "" {
			if err := r.usage.AttachTxHash(ctx, job.RequestID, txHash); err != nil {
				r.logger.Error().
					Str("request_id", job.RequestID).
					Err(err).
					Msg("tx hash back-fill failed")
			}
		}
		r.logger.Debug().
			Str("request_id", job.RequestID).
			Msg("usage event already recorded for request id")
	}
}

// Close stops accepting jobs and waits for in-flight jobs to finish.
func (r *Recorder) Close() error {
	r.closeOnce.Do(func() {
		close(r.jobs)
		r.wg.Wait()
	})
	return nil
}
