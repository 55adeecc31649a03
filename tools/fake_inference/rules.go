package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

const (
	metricHeartRate = "heartRate"
	metricSpO2      = "spo2"
	metricSystolic  = "systolic"
	metricDiastolic = "diastolic"

	defaultFallback = "isolation_forest_anomaly"
)

// Rule fires Name when Metric compares to Threshold with Op ("<" or ">").
type Rule struct {
	Name      string  `yaml:"name"`
	Metric    string  `yaml:"metric"`
	Op        string  `yaml:"op"`
	Threshold float64 `yaml:"threshold"`
}

// Band is an inclusive normal range.
type Band struct {
	Min float64 `yaml:"min"`
	Max float64 `yaml:"max"`
}

// RuleSet holds threshold rules plus normal bands. A reading outside a band
// that trips no rule is reported under Fallback, standing in for the
// statistical outlier model.
type RuleSet struct {
	Rules    []Rule          `yaml:"rules"`
	Normal   map[string]Band `yaml:"normal"`
	Fallback string          `yaml:"fallback"`
}

type bloodPressure struct {
	Systolic  *float64 `json:"systolic"`
	Diastolic *float64 `json:"diastolic"`
}

type vitals struct {
	HeartRate     *float64       `json:"heartRate"`
	SpO2          *float64       `json:"spo2"`
	BloodPressure *bloodPressure `json:"bloodPressure"`
}

// DefaultRuleSet mirrors the production scorer's clinical thresholds.
func DefaultRuleSet() RuleSet {
	return RuleSet{
		Rules: []Rule{
			{Name: "critical_bradycardia", Metric: metricHeartRate, Op: "<", Threshold: 40},
			{Name: "critical_tachycardia", Metric: metricHeartRate, Op: ">", Threshold: 150},
			{Name: "hypoxia", Metric: metricSpO2, Op: "<", Threshold: 90},
			{Name: "hypotension", Metric: metricSystolic, Op: "<", Threshold: 90},
			{Name: "hypertension", Metric: metricSystolic, Op: ">", Threshold: 180},
		},
		Normal: map[string]Band{
			metricHeartRate: {Min: 45, Max: 130},
			metricSpO2:      {Min: 92, Max: 100},
			metricSystolic:  {Min: 95, Max: 165},
		},
		Fallback: defaultFallback,
	}
}

// LoadRuleSet reads a YAML rule file. Sections left out keep their defaults.
func LoadRuleSet(path string) (RuleSet, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return RuleSet{}, fmt.Errorf("rules: read %s: %w", path, err)
	}
	var parsed RuleSet
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&parsed); err != nil {
		return RuleSet{}, fmt.Errorf("rules: decode %s: %w", path, err)
	}
	rs := DefaultRuleSet()
	if len(parsed.Rules) > 0 {
		rs.Rules = parsed.Rules
	}
	if parsed.Normal != nil {
		rs.Normal = parsed.Normal
	}
	if parsed.Fallback != "" {
		rs.Fallback = parsed.Fallback
	}
	if err := rs.Validate(); err != nil {
		return RuleSet{}, err
	}
	return rs, nil
}

// Validate checks rule metrics and operators.
func (rs RuleSet) Validate() error {
	for i, rule := range rs.Rules {
		if rule.Name == "" {
			return fmt.Errorf("rules: rule %d has no name", i)
		}
		if !knownMetric(rule.Metric) {
			return fmt.Errorf("rules: rule %s has unknown metric %q", rule.Name, rule.Metric)
		}
		if rule.Op != "<" && rule.Op != ">" {
			return fmt.Errorf("rules: rule %s has unknown op %q", rule.Name, rule.Op)
		}
	}
	for metric, band := range rs.Normal {
		if !knownMetric(metric) {
			return fmt.Errorf("rules: normal band for unknown metric %q", metric)
		}
		if band.Min > band.Max {
			return fmt.Errorf("rules: normal band for %s has min above max", metric)
		}
	}
	if rs.Fallback == "" {
		return errors.New("rules: empty fallback condition")
	}
	return nil
}

// Evaluate returns whether v is anomalous and the conditions it triggered,
// in rule order. Missing metrics never fire.
func (rs RuleSet) Evaluate(v vitals) (bool, []string) {
	triggered := []string{}
	for _, rule := range rs.Rules {
		value, ok := metricValue(v, rule.Metric)
		if !ok {
			continue
		}
		if (rule.Op == "<" && value < rule.Threshold) || (rule.Op == ">" && value > rule.Threshold) {
			triggered = append(triggered, rule.Name)
		}
	}
	if len(triggered) > 0 {
		return true, triggered
	}
	for metric, band := range rs.Normal {
		value, ok := metricValue(v, metric)
		if ok && (value < band.Min || value > band.Max) {
			return true, []string{rs.Fallback}
		}
	}
	return false, triggered
}

func knownMetric(metric string) bool {
	switch metric {
	case metricHeartRate, metricSpO2, metricSystolic, metricDiastolic:
		return true
	default:
		return false
	}
}

func metricValue(v vitals, metric string) (float64, bool) {
	var p *float64
	switch metric {
	case metricHeartRate:
		p = v.HeartRate
	case metricSpO2:
		p = v.SpO2
	case metricSystolic:
		if v.BloodPressure != nil {
			p = v.BloodPressure.Systolic
		}
	case metricDiastolic:
		if v.BloodPressure != nil {
			p = v.BloodPressure.Diastolic
		}
	}
	if p == nil {
		return 0, false
	}
	return *p, true
}
