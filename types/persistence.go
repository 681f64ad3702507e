package types

import "time"

// PredictionRecord is an append-only, time-partitioned row derived from
// features samples and from consumer-originated prediction envelopes.
type PredictionRecord struct {
	Timestamp         time.Time
	SessionID         string
	UserID            string
	PredictionType    string
	ClassifierName    string
	Data              Payload
	Confidence        *float64
	ClassifierVersion *string
	ProcessingTimeMS  *float64
}

// RawSampleRecord is an append-only, time-partitioned row derived from raw
// samples.
type RawSampleRecord struct {
	Timestamp time.Time
	SessionID string
	UserID    string
	Data      Payload
}
