package memory

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/go-playground/validator/v10"

	"aibuddy/internal/apperr"
)

// ErrExtractionFailed marks model output that does not match the extraction schema.
var ErrExtractionFailed = errors.New("extraction output rejected")

var validate = validator.New()

// Extraction is the JSON document the extraction model must answer with.
type Extraction struct {
	ProfileUpdates    []FactUpdate  `json:"profile_updates" validate:"required"`
	Events            []EventUpdate `json:"events" validate:"required"`
	RelationshipDelta *DeltaInput   `json:"relationship_delta" validate:"required"`
}

type FactUpdate struct {
	Key        string   `json:"key"`
	Value      string   `json:"value"`
	Importance *float64 `json:"importance,omitempty"`
}

type EventUpdate struct {
	Title      *string  `json:"title,omitempty"`
	Summary    string   `json:"summary"`
	Importance *float64 `json:"importance,omitempty"`
}

type DeltaInput struct {
	Bond   *float64 `json:"bond,omitempty"`
	Trust  *float64 `json:"trust,omitempty"`
	Warmth *float64 `json:"warmth,omitempty"`
	Repair *float64 `json:"repair,omitempty"`
}

// Delta is the bounded change applied to the relationship axes.
type Delta struct {
	Bond   int `json:"bond"`
	Trust  int `json:"trust"`
	Warmth int `json:"warmth"`
	Repair int `json:"repair"`
}

// ParseExtraction decodes model output strictly: one JSON object, no extra
// text, no unknown top-level shape. Anything else is an extraction failure.
func ParseExtraction(raw string) (*Extraction, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	var out Extraction
	if err := dec.Decode(&out); err != nil {
		return nil, extractionError("output is not valid json", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, extractionError("trailing data after json object", ErrExtractionFailed)
	}
	if err := validate.Struct(&out); err != nil {
		return nil, extractionError("output misses required fields", err)
	}
	return &out, nil
}

func extractionError(detail string, err error) error {
	return apperr.Wrap(apperr.KindExtractionFailed, detail, fmt.Errorf("%w: %w", ErrExtractionFailed, err))
}

// Clamped bounds the proposed deltas: bond to [-2, 4], the others to [-2, 3].
func (d *DeltaInput) Clamped() Delta {
	if d == nil {
		return Delta{}
	}
	return Delta{
		Bond:   clampInt(d.Bond, 0, -2, 4),
		Trust:  clampInt(d.Trust, 0, -2, 3),
		Warmth: clampInt(d.Warmth, 0, -2, 3),
		Repair: clampInt(d.Repair, 0, -2, 3),
	}
}

// clampInt truncates v toward zero and bounds it; nil and NaN yield def.
func clampInt(v *float64, def, lo, hi int) int {
	if v == nil || math.IsNaN(*v) {
		return def
	}
	n := math.Trunc(*v)
	if n < float64(lo) {
		return lo
	}
	if n > float64(hi) {
		return hi
	}
	return int(n)
}
