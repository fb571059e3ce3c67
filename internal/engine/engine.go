package engine

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"sopline/internal/audit"
	"sopline/internal/config"
	"sopline/internal/domain"
	"sopline/internal/metrics"
	"sopline/internal/policy"
	"sopline/internal/repo"
	"sopline/internal/sequence"
	"sopline/internal/telemetry"
)

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Audit     audit.Recorder
	Sequencer *sequence.Sequencer
	Config    *config.Config
	Logger    *zap.Logger
	Tracer    trace.Tracer
	Now       func() time.Time
}

// New wires an engine over an already migrated database. A nil cfg means
// defaults and a nil logger discards output.
func New(db *sql.DB, cfg *config.Config, logger *zap.Logger) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := repo.Repo{DB: db}
	// A nil sequencer still validates, it only skips caching.
	seq, err := sequence.New(cfg.Sequence.CacheSize)
	if err != nil {
		logger.Warn("sequence cache disabled", zap.Error(err))
	}
	return Engine{
		DB:        db,
		Repo:      r,
		Audit:     audit.Recorder{Repo: r},
		Sequencer: seq,
		Config:    cfg,
		Logger:    logger,
		Tracer:    telemetry.Tracer(),
		Now:       time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) log() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

func (e Engine) policy() policy.Config {
	if e.Config == nil {
		return policy.Default()
	}
	return e.Config.PolicyConfig()
}

func (e Engine) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	tracer := e.Tracer
	if tracer == nil {
		tracer = telemetry.Tracer()
	}
	return tracer.Start(ctx, name)
}

// record appends an audit row with the engine clock. Any failure is wrapped
// so callers roll back.
func (e Engine) record(ctx context.Context, tx *sql.Tx, entry audit.Entry) (domain.AuditLog, error) {
	rec := e.Audit
	rec.Repo = e.Repo
	rec.Now = e.now
	row, err := rec.Record(ctx, tx, entry)
	if err != nil {
		e.log().Error("audit append failed", zap.String("entity_type", string(entry.EntityType)),
			zap.String("entity_id", entry.EntityID), zap.String("action", entry.Action), zap.Error(err))
		return domain.AuditLog{}, &AuditWriteError{Err: err}
	}
	metrics.IncrementAuditRecord(string(entry.EntityType))
	return row, nil
}

// outcome classifies an operation error for metrics and log level.
func outcome(err error) string {
	var (
		vErr  *ValidationError
		nfErr *NotFoundError
		itErr *InvalidTransitionError
		cmErr *ConcurrentModificationError
		siErr *SequenceIntegrityError
		rnErr *RetryNotAllowedError
	)
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &cmErr):
		return "conflict"
	case errors.As(err, &vErr), errors.As(err, &nfErr), errors.As(err, &itErr), errors.As(err, &siErr), errors.As(err, &rnErr):
		return "rejected"
	}
	return "error"
}

// finish records metrics, span status and a log line for one operation.
func (e Engine) finish(span trace.Span, event string, started time.Time, err error, fields ...zap.Field) {
	result := outcome(err)
	metrics.RecordTransition(event, result, time.Since(started))
	fields = append(fields, zap.String("event", event))
	switch result {
	case "ok":
		e.log().Info("transition committed", fields...)
	case "conflict", "rejected":
		span.SetStatus(codes.Error, err.Error())
		e.log().Warn("transition refused", append(fields, zap.Error(err))...)
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.log().Error("transition failed", append(fields, zap.Error(err))...)
	}
	span.End()
}
