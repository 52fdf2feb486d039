package connector

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"strconv"
	"time"

	"github.com/rtds-project/rtds/pkg/model"
)

const (
	defaultSimPeriod = 60
	defaultSimScale  = 100
)

// Simulator synthesizes tag values without any device. Each owned tag
// declares a generator function in its source, e.g.
// "func=sin;period=60;scale=100".
type Simulator struct {
	name  string
	cycle time.Duration
	tags  []*simTag
}

type simTag struct {
	tag    *model.Tag
	fn     string
	period float64
	scale  float64
	phase  float64 // degrees
}

// NewSimulator parses the owned tags' sources. An unknown function or a
// malformed parameter fails construction.
func NewSimulator(def Definition, tags []*model.Tag) (*Simulator, error) {
	s := &Simulator{
		name:  def.Name,
		cycle: def.Cycle,
	}
	for _, t := range tags {
		st, err := parseSimSource(t)
		if err != nil {
			return nil, fmt.Errorf("connector %s: %w", def.Name, err)
		}
		s.tags = append(s.tags, st)
	}
	return s, nil
}

func parseSimSource(t *model.Tag) (*simTag, error) {
	_, params, err := parseParams(t.Source)
	if err != nil {
		return nil, fmt.Errorf("tag %s: %w", t.Name, err)
	}

	st := &simTag{
		tag:    t,
		fn:     params["func"],
		period: defaultSimPeriod,
		scale:  defaultSimScale,
	}
	switch st.fn {
	case "sin", "cos", "rnd", "line":
	default:
		return nil, fmt.Errorf("tag %s: unknown simulator function %q", t.Name, st.fn)
	}
	if v, ok := params["period"]; ok {
		st.period, err = strconv.ParseFloat(v, 64)
		if err != nil || st.period <= 0 {
			return nil, fmt.Errorf("tag %s: invalid period %q", t.Name, v)
		}
	}
	if v, ok := params["scale"]; ok {
		st.scale, err = strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("tag %s: invalid scale %q", t.Name, v)
		}
	}
	return st, nil
}

func (s *Simulator) Name() string         { return s.name }
func (s *Simulator) Cycle() time.Duration { return s.cycle }

func (s *Simulator) Open(context.Context) error { return nil }
func (s *Simulator) Close() error               { return nil }

// Read emits one value per owned tag. Periodic functions emit the value
// at the current phase, then advance it by 360*cycle/(60*period)
// degrees, so a full sweep takes period minutes at a one second cycle.
func (s *Simulator) Read(context.Context) ([]model.Value, error) {
	values := make([]model.Value, 0, len(s.tags))
	for _, st := range s.tags {
		values = append(values, s.emit(st))
	}
	return values, nil
}

func (s *Simulator) emit(st *simTag) model.Value {
	var v float64
	switch st.fn {
	case "sin":
		v = st.scale * math.Sin(st.phase*math.Pi/180)
		s.advance(st)
	case "cos":
		v = st.scale * math.Cos(st.phase*math.Pi/180)
		s.advance(st)
	case "rnd":
		v = st.scale * rand.Float64()
	case "line":
		v = st.scale
	}

	switch st.tag.Type {
	case model.TypeBool:
		return model.BoolValue(st.tag.Name, v != 0)
	case model.TypeInt:
		return model.IntValue(st.tag.Name, int64(math.Round(v)))
	case model.TypeArray:
		return model.ArrayValue(st.tag.Name, []float64{v})
	default:
		return model.FloatValue(st.tag.Name, v)
	}
}

func (s *Simulator) advance(st *simTag) {
	st.phase += 360 * s.cycle.Seconds() / (60 * st.period)
	st.phase = math.Mod(st.phase, 360)
}

// Write drops queued values: there is no device behind a simulator.
func (s *Simulator) Write(_ context.Context, values []model.Value) error {
	return nil
}
