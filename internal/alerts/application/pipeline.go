package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	alerts "vitals-alerting/internal/alerts/domain"
	"vitals-alerting/internal/eventing"
	"vitals-alerting/internal/inference"
	"vitals-alerting/internal/observability/logging"
	"vitals-alerting/internal/observability/metrics"
)

// ErrNoCondition is returned when the scorer flags an anomaly without naming it.
var ErrNoCondition = errors.New("alerts: anomaly without triggered condition")

// State is a step of a reading's trip through the pipeline.
type State string

const (
	StateReceived      State = "received"
	StateRejected      State = "rejected"
	StateScored        State = "scored"
	StateScoringFailed State = "scoring_failed"
	StateSuppressed    State = "suppressed"
	StateClassified    State = "classified"
	StatePersisted     State = "persisted"
	StatePersistFailed State = "persist_failed"
	StatePublished     State = "published"
	StatePublishFailed State = "publish_failed"
	StateDone          State = "done"
)

// Result describes how a reading was handled. Alert is set once persisted.
type Result struct {
	State     State
	Path      []State
	Condition string
	Alert     *alerts.Alert
}

func (r *Result) move(state State) {
	r.State = state
	r.Path = append(r.Path, state)
}

// Scorer classifies vitals as normal or anomalous.
type Scorer interface {
	Score(ctx context.Context, vitals alerts.Vitals) (inference.Score, error)
}

// SpamFilter gates repeated alerts per patient and condition.
type SpamFilter interface {
	ShouldSuppress(ctx context.Context, patientID, condition string, now time.Time) (bool, error)
}

// AlertRepository persists alerts.
type AlertRepository interface {
	Create(ctx context.Context, alert alerts.Alert) (alerts.Alert, error)
}

// AlertPublisher announces persisted alerts.
type AlertPublisher interface {
	PublishAlert(ctx context.Context, alert alerts.Alert) error
}

// Clock provides time.
type Clock interface {
	Now() time.Time
}

// Pipeline turns readings into stored and published alerts. It is safe for
// concurrent use; per-patient ordering is the caller's concern.
type Pipeline struct {
	scorer    Scorer
	filter    SpamFilter
	repo      AlertRepository
	publisher AlertPublisher
	clock     Clock
	logger    *zap.Logger
}

// Option customizes the pipeline.
type Option func(*Pipeline)

// WithClock assigns a clock.
func WithClock(clock Clock) Option {
	return func(p *Pipeline) {
		if clock != nil {
			p.clock = clock
		}
	}
}

// WithLogger assigns a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewPipeline constructs a pipeline.
func NewPipeline(scorer Scorer, filter SpamFilter, repo AlertRepository, publisher AlertPublisher, opts ...Option) (*Pipeline, error) {
	if scorer == nil {
		return nil, errors.New("alerts: nil scorer")
	}
	if filter == nil {
		return nil, errors.New("alerts: nil spam filter")
	}
	if repo == nil {
		return nil, errors.New("alerts: nil repository")
	}
	if publisher == nil {
		return nil, errors.New("alerts: nil publisher")
	}
	p := &Pipeline{
		scorer:    scorer,
		filter:    filter,
		repo:      repo,
		publisher: publisher,
		clock:     systemClock{},
		logger:    logging.OrNop(nil),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// HandleReading runs one reading through scoring, suppression, classification,
// persistence and publication. The returned error is non-nil for every failed
// terminal state; a publish failure still reports the persisted alert.
func (p *Pipeline) HandleReading(ctx context.Context, reading alerts.Reading) (res Result, err error) {
	if p == nil {
		return Result{}, errors.New("alerts: nil pipeline")
	}
	res.move(StateReceived)
	defer func() {
		metrics.IncReading(string(res.State))
	}()

	log := p.logger.With(zap.String("patient_id", reading.PatientID), zap.String("device_id", reading.DeviceID))
	if msg, ok := eventing.MessageFromContext(ctx); ok {
		log = log.With(zap.String("message_id", msg.ID))
	}

	if err := reading.Validate(); err != nil {
		res.move(StateRejected)
		log.Warn("reading rejected", zap.Error(err))
		return res, err
	}

	start := time.Now()
	score, err := p.scorer.Score(ctx, reading.Vitals)
	if err != nil {
		metrics.ObserveInference(metrics.ResultError, time.Since(start))
		res.move(StateScoringFailed)
		log.Warn("scoring failed", zap.Error(err))
		return res, fmt.Errorf("alerts: score reading: %w", err)
	}
	metrics.ObserveInference(metrics.ResultSuccess, time.Since(start))
	res.move(StateScored)

	if !score.IsAnomaly {
		res.move(StateDone)
		return res, nil
	}
	condition, ok := score.FirstCondition()
	if !ok {
		res.move(StateScoringFailed)
		log.Warn("scoring failed", zap.Error(ErrNoCondition))
		return res, ErrNoCondition
	}
	res.Condition = condition
	log = log.With(zap.String("condition", condition))

	suppressed, err := p.filter.ShouldSuppress(ctx, reading.PatientID, condition, p.clock.Now().UTC())
	if err != nil {
		log.Warn("spam filter unavailable, emitting alert", zap.Error(err))
	} else if suppressed {
		res.move(StateSuppressed)
		log.Debug("alert suppressed")
		return res, nil
	}

	severity := alerts.Classify(condition)
	alert := alerts.BuildAlert(reading, condition, severity)
	res.move(StateClassified)

	stored, err := p.repo.Create(ctx, alert)
	if err != nil {
		res.move(StatePersistFailed)
		log.Error("alert persist failed", zap.Error(err))
		return res, fmt.Errorf("alerts: persist alert: %w", err)
	}
	res.Alert = &stored
	res.move(StatePersisted)
	metrics.IncAlertCreated(string(stored.Severity))

	if err := p.publisher.PublishAlert(ctx, stored); err != nil {
		res.move(StatePublishFailed)
		log.Error("alert publish failed", zap.String("alert_id", stored.ID), zap.Error(err))
		return res, fmt.Errorf("alerts: publish alert %s: %w", stored.ID, err)
	}
	res.move(StatePublished)
	res.move(StateDone)
	log.Info("alert emitted",
		zap.String("alert_id", stored.ID),
		zap.String("severity", string(stored.Severity)))
	return res, nil
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }
