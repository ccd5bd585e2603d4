// Package prediction is the client side of the heart-disease scoring
// service. The models themselves run elsewhere.
package prediction

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

var ErrUnavailable = errors.New("prediction service unavailable")

// Features are the 13 clinical inputs of the heart-disease models, using the
// dataset's column names on the wire.
type Features struct {
	Age      float64 `json:"age"`
	Sex      int     `json:"sex"`
	CP       int     `json:"cp"`
	TrestBPS float64 `json:"trestbps"`
	Chol     float64 `json:"chol"`
	FBS      int     `json:"fbs"`
	RestECG  int     `json:"restecg"`
	Thalach  float64 `json:"thalach"`
	Exang    int     `json:"exang"`
	Oldpeak  float64 `json:"oldpeak"`
	Slope    int     `json:"slope"`
	CA       int     `json:"ca"`
	Thal     int     `json:"thal"`
}

type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string { return fmt.Sprintf("%s: %s", e.Field, e.Reason) }

func intIn(field string, v, lo, hi int) error {
	if v < lo || v > hi {
		return &FieldError{Field: field, Reason: fmt.Sprintf("must be between %d and %d", lo, hi)}
	}
	return nil
}

func positive(field string, v float64) error {
	if v <= 0 {
		return &FieldError{Field: field, Reason: "must be positive"}
	}
	return nil
}

func (f Features) Validate() error {
	if f.Age <= 0 || f.Age > 120 {
		return &FieldError{Field: "age", Reason: "must be between 1 and 120"}
	}
	if f.Oldpeak < 0 {
		return &FieldError{Field: "oldpeak", Reason: "must not be negative"}
	}
	for _, err := range []error{
		intIn("sex", f.Sex, 0, 1),
		intIn("cp", f.CP, 0, 3),
		positive("trestbps", f.TrestBPS),
		positive("chol", f.Chol),
		intIn("fbs", f.FBS, 0, 1),
		intIn("restecg", f.RestECG, 0, 2),
		positive("thalach", f.Thalach),
		intIn("exang", f.Exang, 0, 1),
		intIn("slope", f.Slope, 0, 2),
		intIn("ca", f.CA, 0, 4),
		intIn("thal", f.Thal, 0, 3),
	} {
		if err != nil {
			return err
		}
	}
	return nil
}

// ModelResult is one model's verdict; Confidence is a percentage.
type ModelResult struct {
	Prediction bool `json:"prediction"`
	Confidence int  `json:"confidence"`
}

// Result maps model name to its verdict.
type Result map[string]ModelResult

// Best returns the most confident model, ties broken by name.
func (r Result) Best() (name string, res ModelResult, ok bool) {
	names := make([]string, 0, len(r))
	for n := range r {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		if !ok || r[n].Confidence > res.Confidence {
			name, res, ok = n, r[n], true
		}
	}
	return name, res, ok
}

type Scorer interface {
	Predict(ctx context.Context, f Features) (Result, error)
}
