package models

import "time"

// EntityKind which side of a session a risk record describes
type EntityKind string

const (
	EntityClient   EntityKind = "client"
	EntityEmployee EntityKind = "employee"
)

// Valid reports whether k is a known entity kind
func (k EntityKind) Valid() bool {
	return k == EntityClient || k == EntityEmployee
}

// RiskLevel derived from RiskScore with fixed thresholds
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// PatternTag closed vocabulary for observed patterns and derived indicators
type PatternTag string

// Observation tags, counted per record
const (
	PatternOverDuration     PatternTag = "OVER_DURATION"
	PatternUnderDuration    PatternTag = "UNDER_DURATION"
	PatternOverConsumption  PatternTag = "OVER_CONSUMPTION"
	PatternUnderConsumption PatternTag = "UNDER_CONSUMPTION"
	PatternTimePattern      PatternTag = "TIME_PATTERN"
)

// Derived flags, recomputed from counters after every update
const (
	PatternSingleEmployeeFavoritism PatternTag = "SINGLE_EMPLOYEE_FAVORITISM"
	IndicatorAlwaysExtended         PatternTag = "ALWAYS_EXTENDED"
	IndicatorAlwaysShort            PatternTag = "ALWAYS_SHORT"
	IndicatorEnergyWaste            PatternTag = "ENERGY_WASTE"
	IndicatorHighAnomalyRate        PatternTag = "HIGH_ANOMALY_RATE"
	IndicatorCriticalAnomalyRate    PatternTag = "CRITICAL_ANOMALY_RATE"
	IndicatorClientFavoritism       PatternTag = "CLIENT_FAVORITISM"
)

// TimeBucket time-of-day bucket of an anomalous session
type TimeBucket string

const (
	BucketMorning   TimeBucket = "morning"
	BucketAfternoon TimeBucket = "afternoon"
	BucketEvening   TimeBucket = "evening"
	BucketNight     TimeBucket = "night"
)

// AnomalyScore consolidated risk record for one (system, entity).
// Clinic is descriptive only and never part of the key.
type AnomalyScore struct {
	ID       string     `json:"id"`
	Kind     EntityKind `json:"kind"`
	SystemID string     `json:"system_id"`
	EntityID string     `json:"entity_id"`
	ClinicID string     `json:"clinic_id,omitempty"`

	TotalServices       int64     `json:"total_services"`
	TotalAnomalies      int64     `json:"total_anomalies"`
	AnomalyRate         float64   `json:"anomaly_rate"`
	AvgDeviationPercent float64   `json:"avg_deviation_percent"`
	MaxDeviationPercent float64   `json:"max_deviation_percent"`
	RiskScore           int       `json:"risk_score"`
	RiskLevel           RiskLevel `json:"risk_level"`

	// Counterparts anomalies per counterpart id: employees favoring a
	// client, or clients favored by an employee.
	Counterparts map[string]int64     `json:"counterparts"`
	Patterns     map[PatternTag]int64 `json:"patterns"`
	TimeBuckets  map[TimeBucket]int64 `json:"time_buckets"`
	Indicators   []PatternTag         `json:"indicators"`

	// Employee-only quality metrics, nil on client records. Efficiency starts
	// at 100, drops 5 per over-duration anomaly and gains 3 per short one.
	// Consistency is 100 - 2*AnomalyRate. Both are clamped to [0, 100].
	AvgEfficiency    *float64 `json:"avg_efficiency,omitempty"`
	ConsistencyScore *float64 `json:"consistency_score,omitempty"`

	LastAnomalyDate *time.Time `json:"last_anomaly_date,omitempty"`
	LastCalculated  time.Time  `json:"last_calculated"`
}

// NewAnomalyScore empty record for an entity
func NewAnomalyScore(kind EntityKind, systemID, entityID string) *AnomalyScore {
	s := &AnomalyScore{
		Kind:         kind,
		SystemID:     systemID,
		EntityID:     entityID,
		RiskLevel:    RiskLow,
		Counterparts: map[string]int64{},
		Patterns:     map[PatternTag]int64{},
		TimeBuckets:  map[TimeBucket]int64{},
		Indicators:   []PatternTag{},
	}
	if kind == EntityEmployee {
		efficiency, consistency := 100.0, 100.0
		s.AvgEfficiency = &efficiency
		s.ConsistencyScore = &consistency
	}
	return s
}

// HasIndicator reports whether tag is among the derived indicators
func (s *AnomalyScore) HasIndicator(tag PatternTag) bool {
	for _, t := range s.Indicators {
		if t == tag {
			return true
		}
	}
	return false
}
