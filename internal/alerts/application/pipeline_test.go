package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"vitals-alerting/internal/alerts/dedup"
	alerts "vitals-alerting/internal/alerts/domain"
	"vitals-alerting/internal/eventing"
	"vitals-alerting/internal/inference"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type stubScorer struct {
	mu     sync.Mutex
	score  inference.Score
	err    error
	calls  int
	byRate map[float64]inference.Score
}

func (s *stubScorer) Score(_ context.Context, vitals alerts.Vitals) (inference.Score, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return inference.Score{}, s.err
	}
	if score, ok := s.byRate[vitals.HeartRate]; ok {
		return score, nil
	}
	return s.score, nil
}

type memRepo struct {
	mu     sync.Mutex
	seq    int
	alerts map[string]alerts.Alert
	err    error
	clock  Clock
}

func newMemRepo(clock Clock) *memRepo {
	return &memRepo{alerts: make(map[string]alerts.Alert), clock: clock}
}

func (r *memRepo) Create(_ context.Context, alert alerts.Alert) (alerts.Alert, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return alerts.Alert{}, r.err
	}
	r.seq++
	alert.ID = fmt.Sprintf("alert-%d", r.seq)
	alert.CreatedAt = r.clock.Now()
	alert.UpdatedAt = alert.CreatedAt
	r.alerts[alert.ID] = alert
	return alert, nil
}

func (r *memRepo) has(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.alerts[id]
	return ok
}

func (r *memRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.alerts)
}

type recordingPublisher struct {
	mu             sync.Mutex
	repo           *memRepo
	published      []alerts.Alert
	missingInStore int
	err            error
}

func (p *recordingPublisher) PublishAlert(_ context.Context, alert alerts.Alert) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.repo != nil && !p.repo.has(alert.ID) {
		p.missingInStore++
	}
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, alert)
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.published)
}

func newTestPipeline(t *testing.T, scorer Scorer) (*Pipeline, *fakeClock, *memRepo, *recordingPublisher) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)}
	repo := newMemRepo(clock)
	pub := &recordingPublisher{repo: repo}
	p, err := NewPipeline(scorer, dedup.NewMemoryFilter(5*time.Minute), repo, pub, WithClock(clock))
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	return p, clock, repo, pub
}

func reading(patientID string, heartRate, spo2 float64) alerts.Reading {
	return alerts.Reading{
		PatientID: patientID,
		DeviceID:  "smartwatch_123",
		Timestamp: time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC),
		Vitals: alerts.Vitals{
			HeartRate:     heartRate,
			SpO2:          spo2,
			BloodPressure: alerts.BloodPressure{Systolic: 120, Diastolic: 80},
		},
	}
}

func TestPipelineScenario(t *testing.T) {
	scorer := &stubScorer{byRate: map[float64]inference.Score{
		80:  {IsAnomaly: true, Conditions: []string{"hypoxia"}},
		160: {IsAnomaly: true, Conditions: []string{"critical_tachycardia", "hypoxia"}},
	}}
	p, clock, repo, pub := newTestPipeline(t, scorer)
	ctx := context.Background()
	t0 := clock.Now()

	res, err := p.HandleReading(ctx, reading("p1", 80, 85))
	if err != nil {
		t.Fatalf("R1: %v", err)
	}
	if res.Alert == nil || res.Alert.Severity != alerts.SeverityCritical || res.Alert.Type != "hypoxia" {
		t.Fatalf("R1: unexpected result %+v", res)
	}

	clock.Set(t0.Add(60 * time.Second))
	res, err = p.HandleReading(ctx, reading("p1", 80, 85))
	if err != nil || res.State != StateSuppressed || res.Alert != nil {
		t.Fatalf("R2: expected suppression, got %+v err=%v", res, err)
	}

	res, err = p.HandleReading(ctx, reading("p1", 160, 85))
	if err != nil {
		t.Fatalf("R4: %v", err)
	}
	if res.Alert == nil || res.Alert.Message != "Anomalie critical: tachycardia" {
		t.Fatalf("R4: unexpected result %+v", res)
	}

	clock.Set(t0.Add(310 * time.Second))
	res, err = p.HandleReading(ctx, reading("p1", 80, 85))
	if err != nil || res.Alert == nil {
		t.Fatalf("R3: expected a second hypoxia alert, got %+v err=%v", res, err)
	}

	if repo.count() != 3 || pub.count() != 3 {
		t.Fatalf("expected 3 stored and published alerts, got %d/%d", repo.count(), pub.count())
	}
	if pub.missingInStore != 0 {
		t.Fatalf("published %d alerts absent from the store", pub.missingInStore)
	}
}

func TestPipelineStatePath(t *testing.T) {
	scorer := &stubScorer{score: inference.Score{IsAnomaly: true, Conditions: []string{"hypertension"}}}
	p, _, _, _ := newTestPipeline(t, scorer)

	res, err := p.HandleReading(context.Background(), reading("p1", 90, 97))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	want := []State{StateReceived, StateScored, StateClassified, StatePersisted, StatePublished, StateDone}
	if !reflect.DeepEqual(res.Path, want) {
		t.Fatalf("unexpected path %v", res.Path)
	}
}

func TestPipelineNormalReadingHasNoSideEffects(t *testing.T) {
	scorer := &stubScorer{score: inference.Score{IsAnomaly: false}}
	p, _, repo, pub := newTestPipeline(t, scorer)

	res, err := p.HandleReading(context.Background(), reading("p1", 72, 98))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if res.State != StateDone || res.Alert != nil {
		t.Fatalf("unexpected result %+v", res)
	}
	if repo.count() != 0 || pub.count() != 0 {
		t.Fatalf("normal reading produced side effects")
	}
}

func TestPipelineScoringFailure(t *testing.T) {
	scorer := &stubScorer{err: inference.ErrUnavailable}
	p, _, repo, pub := newTestPipeline(t, scorer)

	res, err := p.HandleReading(context.Background(), reading("p1", 160, 85))
	if !errors.Is(err, inference.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if res.State != StateScoringFailed {
		t.Fatalf("unexpected state %s", res.State)
	}
	if repo.count() != 0 || pub.count() != 0 {
		t.Fatalf("failed scoring produced side effects")
	}
}

func TestPipelineAnomalyWithoutCondition(t *testing.T) {
	scorer := &stubScorer{score: inference.Score{IsAnomaly: true}}
	p, _, repo, _ := newTestPipeline(t, scorer)

	res, err := p.HandleReading(context.Background(), reading("p1", 160, 85))
	if !errors.Is(err, ErrNoCondition) || res.State != StateScoringFailed {
		t.Fatalf("expected ErrNoCondition, got %v (%s)", err, res.State)
	}
	if repo.count() != 0 {
		t.Fatalf("unexpected alert stored")
	}
}

func TestPipelinePersistFailureSkipsPublish(t *testing.T) {
	scorer := &stubScorer{score: inference.Score{IsAnomaly: true, Conditions: []string{"hypoxia"}}}
	p, _, repo, pub := newTestPipeline(t, scorer)
	repo.err = errors.New("connection reset")

	res, err := p.HandleReading(context.Background(), reading("p1", 80, 85))
	if err == nil || res.State != StatePersistFailed {
		t.Fatalf("expected persist failure, got %+v err=%v", res, err)
	}
	if pub.count() != 0 {
		t.Fatalf("alert published without persistence")
	}
}

func TestPipelinePublishFailureKeepsRecord(t *testing.T) {
	scorer := &stubScorer{score: inference.Score{IsAnomaly: true, Conditions: []string{"hypoxia"}}}
	p, _, repo, pub := newTestPipeline(t, scorer)
	pub.err = errors.New("bus down")

	res, err := p.HandleReading(context.Background(), reading("p1", 80, 85))
	if err == nil || res.State != StatePublishFailed {
		t.Fatalf("expected publish failure, got %+v err=%v", res, err)
	}
	if res.Alert == nil || !repo.has(res.Alert.ID) {
		t.Fatalf("persisted alert lost after publish failure")
	}
}

func TestPipelineRejectsInvalidReading(t *testing.T) {
	scorer := &stubScorer{score: inference.Score{IsAnomaly: true, Conditions: []string{"hypoxia"}}}
	p, _, _, _ := newTestPipeline(t, scorer)

	res, err := p.HandleReading(context.Background(), alerts.Reading{})
	if !errors.Is(err, alerts.ErrInvalidReading) || res.State != StateRejected {
		t.Fatalf("expected rejection, got %+v err=%v", res, err)
	}
	if scorer.calls != 0 {
		t.Fatalf("invalid reading reached the scorer")
	}
}

type failingFilter struct{}

func (failingFilter) ShouldSuppress(context.Context, string, string, time.Time) (bool, error) {
	return false, errors.New("redis down")
}

func TestPipelineFilterErrorEmits(t *testing.T) {
	scorer := &stubScorer{score: inference.Score{IsAnomaly: true, Conditions: []string{"hypoxia"}}}
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	repo := newMemRepo(clock)
	pub := &recordingPublisher{repo: repo}
	p, err := NewPipeline(scorer, failingFilter{}, repo, pub, WithClock(clock))
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	res, err := p.HandleReading(context.Background(), reading("p1", 80, 85))
	if err != nil || res.Alert == nil {
		t.Fatalf("expected alert despite filter error, got %+v err=%v", res, err)
	}
}

func TestPipelineIndependentKeysConcurrently(t *testing.T) {
	scorer := &stubScorer{byRate: map[float64]inference.Score{
		80:  {IsAnomaly: true, Conditions: []string{"hypoxia"}},
		160: {IsAnomaly: true, Conditions: []string{"critical_tachycardia"}},
	}}
	p, _, repo, _ := newTestPipeline(t, scorer)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		for _, patient := range []string{"patientA", "patientB"} {
			for _, rate := range []float64{80, 160} {
				wg.Add(1)
				go func(patient string, rate float64) {
					defer wg.Done()
					_, _ = p.HandleReading(ctx, reading(patient, rate, 85))
				}(patient, rate)
			}
		}
	}
	wg.Wait()
	if repo.count() != 4 {
		t.Fatalf("expected one alert per key (4), got %d", repo.count())
	}
}

func TestStreamPublisher(t *testing.T) {
	bus := eventing.NewMemoryBus(8, nil)
	defer bus.Close()
	got := make(chan eventing.Message, 1)
	_, _ = bus.Subscribe(context.Background(), "alerts-channel", func(_ context.Context, msg eventing.Message) error {
		got <- msg
		return nil
	})

	pub, err := NewStreamPublisher(bus, "alerts-channel")
	if err != nil {
		t.Fatalf("new publisher: %v", err)
	}
	alert := alerts.Alert{ID: "a1", PatientID: "p1", Type: "hypoxia", Severity: alerts.SeverityCritical}
	if err := pub.PublishAlert(context.Background(), alert); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case msg := <-got:
		var decoded alerts.Alert
		if err := json.Unmarshal(msg.Payload, &decoded); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if decoded.ID != "a1" || msg.Key != "p1" {
			t.Fatalf("unexpected message %+v", decoded)
		}
	case <-time.After(time.Second):
		t.Fatalf("alert not published")
	}
}
