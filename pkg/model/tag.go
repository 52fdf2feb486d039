package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TagType enumerates the value kinds a tag can hold.
type TagType int32

const (
	TypeBool TagType = iota
	TypeInt
	TypeFloat
	TypeArray
)

var tagTypeNames = map[TagType]string{
	TypeBool:  "bool",
	TypeInt:   "int",
	TypeFloat: "float",
	TypeArray: "array",
}

func (t TagType) String() string {
	if s, ok := tagTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("tagtype(%d)", int32(t))
}

// ParseTagType maps the persisted type name onto a TagType.
func ParseTagType(s string) (TagType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "bool", "boolean":
		return TypeBool, nil
	case "int", "integer":
		return TypeInt, nil
	case "float", "double":
		return TypeFloat, nil
	case "array":
		return TypeArray, nil
	}
	return TypeBool, fmt.Errorf("unknown tag type %q", s)
}

// Tag is one process point: its configuration plus the last accepted
// value. A tag with a connector name is sampled by that connector,
// otherwise it only changes through scripts or writes.
//
// Tags are owned by the scan loop goroutine and must not be mutated
// concurrently.
type Tag struct {
	Name          string
	Type          TagType
	Min           float64
	Max           float64
	IsLog         bool
	ConnectorName string
	Source        string
	Description   string

	Status     int32
	UpdateTime time.Time

	Bool  bool
	Int   int64
	Float float64
	Array []float64
}

// NewTag builds a tag from its persisted configuration. The initial
// value is parsed from its text form according to the declared type; an
// empty text yields the type's zero value.
func NewTag(name string, typ TagType, min, max float64, isLog bool, connectorName, source, initial, description string) (*Tag, error) {
	t := &Tag{
		Name:          name,
		Type:          typ,
		Min:           min,
		Max:           max,
		IsLog:         isLog,
		ConnectorName: connectorName,
		Source:        source,
		Description:   description,
		UpdateTime:    time.Now().UTC(),
	}
	if err := t.setInitial(initial); err != nil {
		return nil, fmt.Errorf("tag %s: %w", name, err)
	}
	return t, nil
}

func (t *Tag) setInitial(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	switch t.Type {
	case TypeBool:
		switch strings.ToLower(text) {
		case "1", "true", "on", "yes":
			t.Bool = true
		case "0", "false", "off", "no":
			t.Bool = false
		default:
			return fmt.Errorf("invalid bool value %q", text)
		}
	case TypeInt:
		v, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			// Config files routinely carry "0.0" for integer tags.
			f, ferr := strconv.ParseFloat(text, 64)
			if ferr != nil {
				return fmt.Errorf("invalid int value %q", text)
			}
			v = int64(f)
		}
		t.Int = v
	case TypeFloat:
		v, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return fmt.Errorf("invalid float value %q", text)
		}
		t.Float = v
	case TypeArray:
		v, err := SplitArray(text)
		if err != nil {
			return err
		}
		t.Array = v
	}
	return nil
}

// Set clamps v into the tag's bounds, stores it and returns the accepted
// transition. Clamping applies to int and float tags with min < max;
// min == max disables it. A clipped value is replaced by the violated
// bound and the status forced to StatusClipped. Bool and array values
// pass through untouched.
func (t *Tag) Set(v Value) Value {
	status := v.Status
	switch t.Type {
	case TypeBool:
		t.Bool = v.Bool
	case TypeInt:
		x := v.Int
		if t.Min != t.Max {
			if float64(x) < t.Min {
				x = int64(t.Min)
				status = StatusClipped
			} else if float64(x) > t.Max {
				x = int64(t.Max)
				status = StatusClipped
			}
		}
		t.Int = x
	case TypeFloat:
		x := v.Float
		if t.Min != t.Max {
			if x < t.Min {
				x = t.Min
				status = StatusClipped
			} else if x > t.Max {
				x = t.Max
				status = StatusClipped
			}
		}
		t.Float = x
	case TypeArray:
		t.Array = v.Array
	}
	t.Status = status
	t.UpdateTime = time.Now().UTC()
	return t.Snapshot()
}

// Snapshot returns the tag's current value as a transition stamped with
// the last update time.
func (t *Tag) Snapshot() Value {
	return Value{
		Name:   t.Name,
		Type:   t.Type,
		Status: t.Status,
		Time:   t.UpdateTime,
		Bool:   t.Bool,
		Int:    t.Int,
		Float:  t.Float,
		Array:  t.Array,
	}
}
