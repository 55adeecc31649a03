package main

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"vitals-alerting/internal/observability/logging"
)

type fakeInferenceServer struct {
	rules    RuleSet
	latency  time.Duration
	failRate float64
	logger   *zap.Logger

	calls     atomic.Int64
	anomalies atomic.Int64
}

type predictRequest struct {
	Vitals *vitals `json:"vitals"`
}

type predictResponse struct {
	IsAnomaly      bool     `json:"is_anomaly"`
	RulesTriggered []string `json:"rules_triggered"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func main() {
	logger, err := logging.New(getenvDefault("LOG_LEVEL", "info"), getenvDefault("LOG_FORMAT", "console"), "fake-inference")
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	rules := DefaultRuleSet()
	if path := os.Getenv("FAKE_INFERENCE_RULES"); path != "" {
		if rules, err = LoadRuleSet(path); err != nil {
			logger.Fatal("load rules failed", zap.Error(err))
		}
	}

	srv := &fakeInferenceServer{
		rules:    rules,
		latency:  time.Duration(getenvIntDefault("FAKE_INFERENCE_LATENCY_MS", 0)) * time.Millisecond,
		failRate: getenvFloatDefault("FAKE_INFERENCE_FAIL_RATE", 0),
		logger:   logger,
	}

	httpServer := &http.Server{
		Addr:              getenvDefault("FAKE_INFERENCE_ADDR", ":5000"),
		Handler:           srv.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("fake inference listening",
			zap.String("addr", httpServer.Addr),
			zap.Int("rules", len(rules.Rules)))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen failed", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(ctx)
}

func (s *fakeInferenceServer) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleHealth)
	mux.HandleFunc("/predict", s.handlePredict)
	mux.HandleFunc("/metrics", s.handleMetrics)
	return mux
}

func (s *fakeInferenceServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	_, _ = w.Write([]byte("Fake inference service is running. Rules loaded: " + strconv.Itoa(len(s.rules.Rules))))
}

func (s *fakeInferenceServer) handlePredict(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	s.calls.Add(1)
	if s.latency > 0 {
		time.Sleep(s.latency)
	}
	if s.failRate > 0 && rand.Float64() < s.failRate {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "injected failure"})
		return
	}

	var req predictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json"})
		return
	}
	if req.Vitals == nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: `Missing or null "vitals" in request body`})
		return
	}

	anomalous, triggered := s.rules.Evaluate(*req.Vitals)
	if anomalous {
		s.anomalies.Add(1)
	}
	s.logger.Debug("scored vitals",
		zap.Bool("is_anomaly", anomalous),
		zap.Strings("rules_triggered", triggered))
	writeJSON(w, http.StatusOK, predictResponse{IsAnomaly: anomalous, RulesTriggered: triggered})
}

func (s *fakeInferenceServer) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	_, _ = w.Write([]byte("fake_inference_calls_total " + strconv.FormatInt(s.calls.Load(), 10) + "\n"))
	_, _ = w.Write([]byte("fake_inference_anomalies_total " + strconv.FormatInt(s.anomalies.Load(), 10) + "\n"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func getenvDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getenvIntDefault(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvFloatDefault(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}
