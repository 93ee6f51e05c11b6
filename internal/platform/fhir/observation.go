package fhir

import (
	"encoding/json"
	"fmt"
	"time"
)

// Observation is the decoded subset of a FHIR R4 Observation that the
// pipeline reads. Unknown fields survive transport untouched because the
// gateway forwards the raw JSON; this type only drives conversion.
type Observation struct {
	ResourceType         string                      `json:"resourceType"`
	ID                   string                      `json:"id,omitempty"`
	Status               string                      `json:"status,omitempty"`
	Category             []CodeableConcept           `json:"category,omitempty"`
	Code                 *CodeableConcept            `json:"code,omitempty"`
	Subject              *Reference                  `json:"subject,omitempty"`
	EffectiveDateTime    string                      `json:"effectiveDateTime,omitempty"`
	EffectivePeriod      *Period                     `json:"effectivePeriod,omitempty"`
	EffectiveInstant     string                      `json:"effectiveInstant,omitempty"`
	ValueQuantity        *Quantity                   `json:"valueQuantity,omitempty"`
	ValueCodeableConcept *CodeableConcept            `json:"valueCodeableConcept,omitempty"`
	ValueString          *string                     `json:"valueString,omitempty"`
	ValueBoolean         *bool                       `json:"valueBoolean,omitempty"`
	ValueInteger         *int                        `json:"valueInteger,omitempty"`
	ValueRange           *Range                      `json:"valueRange,omitempty"`
	ValueRatio           *Ratio                      `json:"valueRatio,omitempty"`
	ValuePeriod          *Period                     `json:"valuePeriod,omitempty"`
	Interpretation       []CodeableConcept           `json:"interpretation,omitempty"`
	ReferenceRange       []ObservationReferenceRange `json:"referenceRange,omitempty"`
	Component            []ObservationComponent      `json:"component,omitempty"`
}

type ObservationReferenceRange struct {
	Low  *Quantity `json:"low,omitempty"`
	High *Quantity `json:"high,omitempty"`
	Text string    `json:"text,omitempty"`
}

// ObservationComponent carries one component measurement, such as the heart
// rate embedded in an ECG observation.
type ObservationComponent struct {
	Code                 *CodeableConcept `json:"code,omitempty"`
	ValueQuantity        *Quantity        `json:"valueQuantity,omitempty"`
	ValueCodeableConcept *CodeableConcept `json:"valueCodeableConcept,omitempty"`
	ValueString          *string          `json:"valueString,omitempty"`
	ValueInteger         *int             `json:"valueInteger,omitempty"`
}

// DecodeObservation parses raw JSON into an Observation and verifies the
// resource type.
func DecodeObservation(raw []byte) (*Observation, error) {
	var obs Observation
	if err := json.Unmarshal(raw, &obs); err != nil {
		return nil, fmt.Errorf("decoding observation: %w", err)
	}
	if obs.ResourceType != "Observation" {
		return nil, fmt.Errorf("expected resourceType Observation, got %q", obs.ResourceType)
	}
	return &obs, nil
}

// EffectiveTime returns the observation's effective time, trying
// effectiveDateTime, then effectivePeriod.start, then effectiveInstant.
// The returned time keeps the client's original UTC offset.
func (o *Observation) EffectiveTime() (time.Time, bool) {
	candidates := []string{o.EffectiveDateTime}
	if o.EffectivePeriod != nil {
		candidates = append(candidates, o.EffectivePeriod.Start)
	}
	candidates = append(candidates, o.EffectiveInstant)

	for _, c := range candidates {
		if c == "" {
			continue
		}
		if t, err := parseFHIRTime(c); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// parseFHIRTime accepts the timestamp precisions FHIR allows for dateTime
// and instant values.
func parseFHIRTime(s string) (time.Time, error) {
	for _, layout := range []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// FirstCoding returns the first coding of the observation's primary code.
func (o *Observation) FirstCoding() (Coding, bool) {
	if o.Code == nil || len(o.Code.Coding) == 0 {
		return Coding{}, false
	}
	return o.Code.Coding[0], true
}
