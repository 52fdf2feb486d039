package script

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/rtds-project/rtds/pkg/metrics"
	"github.com/rtds-project/rtds/pkg/model"
)

// Host is the tag surface scripts run against, implemented by the
// snapshot.
type Host interface {
	Get(name string) (model.Value, bool)
	Set(v model.Value)
}

// Definition is the persisted configuration of one script.
type Definition struct {
	Name        string
	Cycle       time.Duration
	IsActive    bool
	Body        string
	Description string
}

// Script is one compiled expression run by the scan loop on its own
// cadence. A body that fails to compile deactivates the script; a body
// that fails at runtime is logged and the script stays active.
type Script struct {
	name    string
	cycle   time.Duration
	active  bool
	program *vm.Program
	env     map[string]any
	lastRun time.Time

	sink   *metrics.Sink
	logger log.Logger
}

// New compiles the script body against the host environment. An empty
// body is a configuration error; a compile error returns a deactivated
// script so one broken expression cannot block loading the rest.
func New(def Definition, host Host, sink *metrics.Sink, logger log.Logger) (*Script, error) {
	if strings.TrimSpace(def.Body) == "" {
		return nil, fmt.Errorf("script %s: empty body", def.Name)
	}

	s := &Script{
		name:   def.Name,
		cycle:  def.Cycle,
		active: def.IsActive,
		env:    newEnv(host),
		sink:   sink,
		logger: log.With(logger, "script", def.Name),
	}

	program, err := expr.Compile(def.Body, expr.Env(s.env))
	if err != nil {
		level.Error(s.logger).Log("msg", "script failed to compile, deactivating", "err", err)
		s.active = false
		return s, nil
	}
	s.program = program
	return s, nil
}

// newEnv binds the host tag functions plus a few math helpers into the
// expression environment.
func newEnv(host Host) map[string]any {
	return map[string]any{
		"get": func(name string) any {
			v, ok := host.Get(name)
			if !ok {
				return nil
			}
			switch v.Type {
			case model.TypeBool:
				return v.Bool
			case model.TypeInt:
				return v.Int
			case model.TypeFloat:
				return v.Float
			default:
				return v.Array
			}
		},
		"set": func(name string, value any) bool {
			current, ok := host.Get(name)
			if !ok {
				return false
			}
			v, err := coerce(current.Type, name, value)
			if err != nil {
				return false
			}
			host.Set(v)
			return true
		},
		"now": func() time.Time { return time.Now().UTC() },
		"abs": math.Abs,
		"min": math.Min,
		"max": math.Max,
		"sin": math.Sin,
		"cos": math.Cos,
		"pow": math.Pow,
	}
}

// coerce converts a script value onto the target tag's type.
func coerce(typ model.TagType, name string, value any) (model.Value, error) {
	switch typ {
	case model.TypeBool:
		switch x := value.(type) {
		case bool:
			return model.BoolValue(name, x), nil
		case int:
			return model.BoolValue(name, x != 0), nil
		case int64:
			return model.BoolValue(name, x != 0), nil
		case float64:
			return model.BoolValue(name, x != 0), nil
		}
	case model.TypeInt:
		switch x := value.(type) {
		case int:
			return model.IntValue(name, int64(x)), nil
		case int64:
			return model.IntValue(name, x), nil
		case float64:
			return model.IntValue(name, int64(math.Round(x))), nil
		case bool:
			if x {
				return model.IntValue(name, 1), nil
			}
			return model.IntValue(name, 0), nil
		}
	case model.TypeFloat:
		switch x := value.(type) {
		case float64:
			return model.FloatValue(name, x), nil
		case int:
			return model.FloatValue(name, float64(x)), nil
		case int64:
			return model.FloatValue(name, float64(x)), nil
		}
	case model.TypeArray:
		switch x := value.(type) {
		case []float64:
			return model.ArrayValue(name, x), nil
		case []any:
			out := make([]float64, len(x))
			for i, e := range x {
				switch n := e.(type) {
				case float64:
					out[i] = n
				case int:
					out[i] = float64(n)
				case int64:
					out[i] = float64(n)
				default:
					return model.Value{}, fmt.Errorf("array element %d is %T", i, e)
				}
			}
			return model.ArrayValue(name, out), nil
		}
	}
	return model.Value{}, fmt.Errorf("cannot assign %T to %s tag %s", value, typ, name)
}

func (s *Script) Name() string { return s.name }

// Active reports whether the script is eligible to run.
func (s *Script) Active() bool { return s.active }

// Run evaluates the script when it is active and its cycle has elapsed
// since the previous run. last_run advances before evaluation so a slow
// or failing script cannot run twice in one window.
func (s *Script) Run(now time.Time) {
	if !s.active || s.program == nil {
		return
	}
	if now.Sub(s.lastRun) <= s.cycle {
		return
	}
	s.lastRun = now

	started := time.Now()
	_, err := expr.Run(s.program, s.env)
	s.sink.Publish(metrics.ScriptRun(s.name, metrics.StatusFor(err), time.Since(started).Seconds()))
	if err != nil {
		level.Error(s.logger).Log("msg", "script failed", "err", err)
	}
}
