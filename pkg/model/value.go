package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Value statuses. A clipped write keeps the clamped value and flags the
// transition so downstream consumers can tell it apart from a clean read.
const (
	StatusOK      int32 = 0
	StatusClipped int32 = -1
)

// Value is one observed tag transition. Exactly one of the typed slots
// is meaningful, selected by Type. Values flow from connectors and
// scripts through the snapshot into the history store.
type Value struct {
	Name   string
	Type   TagType
	Status int32
	Time   time.Time

	Bool  bool
	Int   int64
	Float float64
	Array []float64
}

func BoolValue(name string, v bool) Value {
	return Value{Name: name, Type: TypeBool, Time: time.Now().UTC(), Bool: v}
}

func IntValue(name string, v int64) Value {
	return Value{Name: name, Type: TypeInt, Time: time.Now().UTC(), Int: v}
}

func FloatValue(name string, v float64) Value {
	return Value{Name: name, Type: TypeFloat, Time: time.Now().UTC(), Float: v}
}

func ArrayValue(name string, v []float64) Value {
	return Value{Name: name, Type: TypeArray, Time: time.Now().UTC(), Array: v}
}

// Text renders the populated slot as a string. Arrays are joined by
// commas, which is also the form they are persisted in.
func (v Value) Text() string {
	switch v.Type {
	case TypeBool:
		return strconv.FormatBool(v.Bool)
	case TypeInt:
		return strconv.FormatInt(v.Int, 10)
	case TypeFloat:
		return strconv.FormatFloat(v.Float, 'g', -1, 64)
	case TypeArray:
		return JoinArray(v.Array)
	}
	return ""
}

func (v Value) String() string {
	return fmt.Sprintf("%s=%s status=%d", v.Name, v.Text(), v.Status)
}

// JoinArray renders an array value in its persisted comma-joined form.
// Whole numbers render without a decimal point.
func JoinArray(vals []float64) string {
	if len(vals) == 0 {
		return ""
	}
	parts := make([]string, len(vals))
	for i, f := range vals {
		parts[i] = strconv.FormatFloat(f, 'g', -1, 64)
	}
	return strings.Join(parts, ",")
}

// SplitArray parses the comma-joined form back into an array value.
func SplitArray(s string) ([]float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	vals := make([]float64, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("array element %d: %w", i, err)
		}
		vals[i] = f
	}
	return vals, nil
}
