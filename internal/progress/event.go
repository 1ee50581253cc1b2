package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/inat-scraper/internal/inat"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageRunStart      Stage = "RUN_START"
	StageRunDone       Stage = "RUN_DONE"
	StageRunError      Stage = "RUN_ERROR"
	StageRunCanceled   Stage = "RUN_CANCELED"
	StageFetchDone     Stage = "FETCH_DONE"
	StageRecordStored  Stage = "RECORD_STORED"
	StageRecordFailed  Stage = "RECORD_FAILED"
	StageRecordRetry   Stage = "RECORD_RETRY"
	StageRecordSkipped Stage = "RECORD_SKIPPED"
)

// Terminal reports whether the stage ends a run.
func (s Stage) Terminal() bool {
	return s == StageRunDone || s == StageRunError || s == StageRunCanceled
}

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// Supported HTTP status classes tracked for fetch completions.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Event captures a single milestone of a pipeline run.
type Event struct {
	// RunID uniquely identifies a run using the 16-byte UUID form.
	RunID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS       time.Time
	Stage    Stage
	Pipeline inat.Pipeline
	// ObservationID scopes record and fetch events.
	ObservationID int64
	// Host is the fetched host for FETCH_DONE events.
	Host        string
	StatusClass StatusClass
	Bytes       int64
	// Dur is the fetch latency or, on terminal run events, the run wall time.
	Dur time.Duration
	// Succeeded and Failed carry final counters on terminal run events.
	Succeeded int64
	Failed    int64
	// Note lets emitters attach low-volume context (e.g. error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	if e.Pipeline == "" {
		return errors.New("pipeline is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunDone, StageRunError, StageRunCanceled:
	case StageFetchDone:
		if e.Host == "" {
			return errors.New("fetch done requires host")
		}
		if e.StatusClass == "" {
			return errors.New("fetch done requires status class")
		}
	case StageRecordStored, StageRecordFailed, StageRecordRetry, StageRecordSkipped:
		if e.ObservationID <= 0 {
			return fmt.Errorf("%s requires observation id", e.Stage)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// RunUUID converts the binary run ID to uuid.UUID.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}

// ClassifyStatus groups HTTP status codes for fetch events.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}
