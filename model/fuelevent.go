package model

import "time"

// DetectionMethod tells which estimator path observed a refuel.
type DetectionMethod string

const (
	DetectSensor DetectionMethod = "sensor"
	DetectKalman DetectionMethod = "kalman"
	DetectBoth   DetectionMethod = "both"
)

// RefuelEvent is an accepted refuel. Deduplicated per truck within a
// 5-minute window by the persistence gateway.
type RefuelEvent struct {
	ID             string          `json:"id"`
	TruckID        string          `json:"truck_id"`
	Timestamp      time.Time       `json:"timestamp"`
	FuelBeforePct  float64         `json:"fuel_before_pct"`
	FuelAfterPct   float64         `json:"fuel_after_pct"`
	GallonsAdded   float64         `json:"gallons_added"`
	Method         DetectionMethod `json:"detection_method"`
	Confidence     float64         `json:"confidence"`
	Latitude       float64         `json:"latitude"`
	Longitude      float64         `json:"longitude"`
}

// TheftClassification labels the kind of theft event.
type TheftClassification string

const (
	TheftConfirmed TheftClassification = "THEFT_CONFIRMED"
	TheftSuspected TheftClassification = "THEFT_SUSPECTED"
	SlowSiphon     TheftClassification = "SLOW_SIPHON"
)

// TheftFactors is the per-factor breakdown behind a theft confidence score.
type TheftFactors struct {
	Movement float64 `json:"movement"`
	Time     float64 `json:"time"`
	Sensor   float64 `json:"sensor"`
	DropSize float64 `json:"drop_size"`
	Location float64 `json:"location"`
	Pattern  float64 `json:"pattern"`
	Recovery float64 `json:"recovery"`
}

// TheftEvent is a confirmed or suspected fuel loss.
type TheftEvent struct {
	ID              string              `json:"id"`
	TruckID         string              `json:"truck_id"`
	Timestamp       time.Time           `json:"timestamp"`
	FuelDropGal     float64             `json:"fuel_drop_gal"`
	DropPct         float64             `json:"drop_pct"`
	Classification  TheftClassification `json:"classification"`
	Confidence      float64             `json:"confidence_0_100"`
	EstLossGalMin   float64             `json:"estimated_loss_gal_min"`
	EstLossGalMax   float64             `json:"estimated_loss_gal_max"`
	Factors         TheftFactors        `json:"factors"`
}

// DTCSeverity ranks a decoded diagnostic code.
type DTCSeverity int

const (
	SeverityInfo DTCSeverity = iota
	SeverityLow
	SeverityModerate
	SeverityHigh
	SeverityCritical
)

func (s DTCSeverity) String() string {
	switch s {
	case SeverityCritical:
		return "CRITICAL"
	case SeverityHigh:
		return "HIGH"
	case SeverityModerate:
		return "MODERATE"
	case SeverityLow:
		return "LOW"
	}
	return "INFO"
}

// DTCStatus is the lifecycle state of a diagnostic event.
type DTCStatus string

const (
	DTCNew      DTCStatus = "NEW"
	DTCActive   DTCStatus = "ACTIVE"
	DTCResolved DTCStatus = "RESOLVED"
)

// DTCEvent is a decoded J1939 diagnostic trouble code for one truck.
// At most one unresolved row exists per (truck_id, dtc_code).
type DTCEvent struct {
	ID               string      `json:"id"`
	TruckID          string      `json:"truck_id"`
	Timestamp        time.Time   `json:"timestamp"`
	DTCCode          string      `json:"dtc_code"` // "SPN-FMI"
	SPN              int         `json:"spn"`
	FMI              int         `json:"fmi"`
	Severity         DTCSeverity `json:"severity"`
	Category         string      `json:"category"`
	DescriptionES    string      `json:"description_es"`
	SPNExplanationES string      `json:"spn_explanation_es,omitempty"`
	FMIExplanationES string      `json:"fmi_explanation_es"`
	HasDetailedInfo  bool        `json:"has_detailed_info"`
	OEM              string      `json:"oem"`
	ActionRequired   string      `json:"action_required"`
	Status           DTCStatus   `json:"status"`
}

// RULStatus flags how close a component is to failure.
type RULStatus int

const (
	RULOK RULStatus = iota
	RULWarning
	RULCritical
)

func (s RULStatus) String() string {
	switch s {
	case RULCritical:
		return "CRITICAL"
	case RULWarning:
		return "WARNING"
	}
	return "OK"
}

// RULModel identifies the degradation curve that fit best.
type RULModel string

const (
	RULLinear      RULModel = "linear"
	RULExponential RULModel = "exponential"
)

// RULPrediction is a remaining-useful-life estimate for one component.
type RULPrediction struct {
	TruckID        string    `json:"truck_id"`
	ComponentID    string    `json:"component_id"`
	Model          RULModel  `json:"model"`
	CurrentScore   float64   `json:"current_score"`
	RULDays        float64   `json:"rul_days"`
	RULMiles       float64   `json:"rul_miles"`
	ConfidenceR2   float64   `json:"confidence_r2"`
	EstimatedCost  float64   `json:"estimated_cost"`
	ServiceDate    time.Time `json:"recommended_service_date"`
	Status         RULStatus `json:"status"`
	ComputedAt     time.Time `json:"computed_at"`
}
