package connector

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/goburrow/modbus"
	"github.com/pkg/errors"
	"github.com/sony/gobreaker"
	"go.uber.org/multierr"

	"github.com/rtds-project/rtds/pkg/model"
)

// Register areas addressable from a tag source.
const (
	areaCoil            = "C"
	areaDiscreteInput   = "DI"
	areaInputRegister   = "RI"
	areaHoldingRegister = "RH"
)

// regClient is the slice of the modbus client the connector uses.
// Narrowed out so tests can stand in for a device.
type regClient interface {
	ReadCoils(address, quantity uint16) ([]byte, error)
	ReadDiscreteInputs(address, quantity uint16) ([]byte, error)
	ReadInputRegisters(address, quantity uint16) ([]byte, error)
	ReadHoldingRegisters(address, quantity uint16) ([]byte, error)
	WriteSingleCoil(address, value uint16) ([]byte, error)
	WriteSingleRegister(address, value uint16) ([]byte, error)
}

// Modbus samples tags from a Modbus TCP device. Tag sources address a
// register area: "AREA:ADDR:COUNT" with AREA one of C (coils), DI
// (discrete inputs), RI (input registers), RH (holding registers).
// COUNT 1 reads a scalar, anything larger an array.
//
// Device I/O runs behind a circuit breaker: after repeated consecutive
// failures cycles fail fast until the device recovers.
type Modbus struct {
	name  string
	cycle time.Duration

	addr      string
	autoOpen  bool
	autoClose bool

	handler *modbus.TCPClientHandler
	client  regClient
	breaker *gobreaker.CircuitBreaker
	logger  log.Logger

	reads []modbusRead
	tags  map[string]modbusSource
}

type modbusSource struct {
	area  string
	addr  uint16
	count uint16
}

type modbusRead struct {
	tag    *model.Tag
	source modbusSource
}

// NewModbus builds the connector from its connection parameters and
// parses every owned tag's source. Connection parameters: host
// (required), port (default 502), unit_id (default 1), timeout seconds
// (default 10), auto_open (default true), auto_close (default false).
func NewModbus(def Definition, params map[string]string, tags []*model.Tag, logger log.Logger) (*Modbus, error) {
	host := params["host"]
	if host == "" {
		return nil, fmt.Errorf("connector %s: modbus requires host=", def.Name)
	}
	port := 502
	unitID := 1
	timeout := 10 * time.Second
	autoOpen, autoClose := true, false

	var err error
	if v, ok := params["port"]; ok {
		if port, err = strconv.Atoi(v); err != nil {
			return nil, fmt.Errorf("connector %s: invalid port %q", def.Name, v)
		}
	}
	if v, ok := params["unit_id"]; ok {
		if unitID, err = strconv.Atoi(v); err != nil || unitID < 0 || unitID > 255 {
			return nil, fmt.Errorf("connector %s: invalid unit_id %q", def.Name, v)
		}
	}
	if v, ok := params["timeout"]; ok {
		secs, terr := strconv.ParseFloat(v, 64)
		if terr != nil || secs <= 0 {
			return nil, fmt.Errorf("connector %s: invalid timeout %q", def.Name, v)
		}
		timeout = time.Duration(secs * float64(time.Second))
	}
	if v, ok := params["auto_open"]; ok {
		if autoOpen, err = parseBoolParam(v); err != nil {
			return nil, fmt.Errorf("connector %s: invalid auto_open %q", def.Name, v)
		}
	}
	if v, ok := params["auto_close"]; ok {
		if autoClose, err = parseBoolParam(v); err != nil {
			return nil, fmt.Errorf("connector %s: invalid auto_close %q", def.Name, v)
		}
	}

	m := &Modbus{
		name:      def.Name,
		cycle:     def.Cycle,
		addr:      fmt.Sprintf("%s:%d", host, port),
		autoOpen:  autoOpen,
		autoClose: autoClose,
		logger:    logger,
		tags:      map[string]modbusSource{},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:     def.Name,
			Interval: time.Minute,
			Timeout:  30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures > 5
			},
		}),
	}

	m.handler = modbus.NewTCPClientHandler(m.addr)
	m.handler.Timeout = timeout
	m.handler.SlaveId = byte(unitID)
	m.client = modbus.NewClient(m.handler)

	for _, t := range tags {
		src, err := parseModbusSource(t.Source)
		if err != nil {
			return nil, fmt.Errorf("connector %s: tag %s: %w", def.Name, t.Name, err)
		}
		if src.count > 1 && t.Type != model.TypeArray {
			return nil, fmt.Errorf("connector %s: tag %s: count %d requires an array tag", def.Name, t.Name, src.count)
		}
		if src.count == 1 && t.Type == model.TypeArray {
			return nil, fmt.Errorf("connector %s: tag %s: array tags need count > 1", def.Name, t.Name)
		}
		m.reads = append(m.reads, modbusRead{tag: t, source: src})
		m.tags[t.Name] = src
	}
	return m, nil
}

func parseBoolParam(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "1", "true", "on", "yes":
		return true, nil
	case "0", "false", "off", "no":
		return false, nil
	}
	return false, fmt.Errorf("not a boolean")
}

// parseModbusSource parses "AREA:ADDR:COUNT"; COUNT may be omitted and
// defaults to 1.
func parseModbusSource(s string) (modbusSource, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return modbusSource{}, fmt.Errorf("malformed source %q, want AREA:ADDR:COUNT", s)
	}

	src := modbusSource{area: strings.ToUpper(strings.TrimSpace(parts[0])), count: 1}
	switch src.area {
	case areaCoil, areaDiscreteInput, areaInputRegister, areaHoldingRegister:
	default:
		return modbusSource{}, fmt.Errorf("unknown register area %q", parts[0])
	}

	addr, err := strconv.ParseUint(strings.TrimSpace(parts[1]), 10, 16)
	if err != nil {
		return modbusSource{}, fmt.Errorf("invalid address %q", parts[1])
	}
	src.addr = uint16(addr)

	if len(parts) == 3 {
		count, err := strconv.ParseUint(strings.TrimSpace(parts[2]), 10, 16)
		if err != nil || count == 0 {
			return modbusSource{}, fmt.Errorf("invalid count %q", parts[2])
		}
		src.count = uint16(count)
	}
	return src, nil
}

func (m *Modbus) Name() string         { return m.name }
func (m *Modbus) Cycle() time.Duration { return m.cycle }

// Open connects eagerly when auto_open is disabled; otherwise the
// transport dials lazily on first use.
func (m *Modbus) Open(context.Context) error {
	if m.autoOpen {
		return nil
	}
	_, err := m.breaker.Execute(func() (any, error) {
		return nil, m.handler.Connect()
	})
	return errors.Wrap(err, "connecting to modbus device")
}

// Close hangs up after each cycle only when auto_close is set; the
// connection is otherwise kept across cycles and released on Disconnect.
func (m *Modbus) Close() error {
	if !m.autoClose {
		return nil
	}
	return m.handler.Close()
}

// Disconnect releases the device connection when the runner stops.
func (m *Modbus) Disconnect() error {
	return m.handler.Close()
}

func (m *Modbus) Read(_ context.Context) ([]model.Value, error) {
	values := make([]model.Value, 0, len(m.reads))
	for _, r := range m.reads {
		v, err := m.readTag(r)
		if err != nil {
			return nil, errors.Wrapf(err, "reading %s (%s:%d:%d)", r.tag.Name, r.source.area, r.source.addr, r.source.count)
		}
		values = append(values, v)
	}
	return values, nil
}

func (m *Modbus) readTag(r modbusRead) (model.Value, error) {
	src := r.source
	res, err := m.breaker.Execute(func() (any, error) {
		switch src.area {
		case areaCoil:
			return m.client.ReadCoils(src.addr, src.count)
		case areaDiscreteInput:
			return m.client.ReadDiscreteInputs(src.addr, src.count)
		case areaInputRegister:
			return m.client.ReadInputRegisters(src.addr, src.count)
		default:
			return m.client.ReadHoldingRegisters(src.addr, src.count)
		}
	})
	if err != nil {
		return model.Value{}, err
	}
	raw := res.([]byte)

	switch src.area {
	case areaCoil, areaDiscreteInput:
		bits, err := unpackBits(raw, src.count)
		if err != nil {
			return model.Value{}, err
		}
		if src.count == 1 {
			return model.BoolValue(r.tag.Name, bits[0] != 0), nil
		}
		return model.ArrayValue(r.tag.Name, bits), nil
	default:
		regs, err := unpackRegisters(raw, src.count)
		if err != nil {
			return model.Value{}, err
		}
		if src.count == 1 {
			return scalarFromRegister(r.tag, regs[0]), nil
		}
		return model.ArrayValue(r.tag.Name, regs), nil
	}
}

func scalarFromRegister(t *model.Tag, reg float64) model.Value {
	switch t.Type {
	case model.TypeBool:
		return model.BoolValue(t.Name, reg != 0)
	case model.TypeInt:
		return model.IntValue(t.Name, int64(reg))
	default:
		return model.FloatValue(t.Name, reg)
	}
}

// unpackBits expands the wire encoding of coil reads, one bit per coil
// packed LSB first.
func unpackBits(raw []byte, count uint16) ([]float64, error) {
	if len(raw)*8 < int(count) {
		return nil, fmt.Errorf("short coil response: %d bytes for %d coils", len(raw), count)
	}
	out := make([]float64, count)
	for i := 0; i < int(count); i++ {
		if raw[i/8]&(1<<(i%8)) != 0 {
			out[i] = 1
		}
	}
	return out, nil
}

// unpackRegisters decodes big-endian 16 bit registers.
func unpackRegisters(raw []byte, count uint16) ([]float64, error) {
	if len(raw) < 2*int(count) {
		return nil, fmt.Errorf("short register response: %d bytes for %d registers", len(raw), count)
	}
	out := make([]float64, count)
	for i := 0; i < int(count); i++ {
		out[i] = float64(uint16(raw[2*i])<<8 | uint16(raw[2*i+1]))
	}
	return out, nil
}

// Write emits queued transitions to the device. Bool values hit coils,
// int values holding registers; anything else is logged and skipped so
// one stray write cannot poison the cycle.
func (m *Modbus) Write(_ context.Context, values []model.Value) error {
	var errs error
	for _, v := range values {
		src, ok := m.tags[v.Name]
		if !ok {
			level.Warn(m.logger).Log("msg", "write for tag not owned by connector", "tag", v.Name)
			continue
		}
		var err error
		switch v.Type {
		case model.TypeBool:
			coil := uint16(0x0000)
			if v.Bool {
				coil = 0xFF00
			}
			_, err = m.breaker.Execute(func() (any, error) {
				return m.client.WriteSingleCoil(src.addr, coil)
			})
		case model.TypeInt:
			_, err = m.breaker.Execute(func() (any, error) {
				return m.client.WriteSingleRegister(src.addr, uint16(v.Int))
			})
		default:
			level.Warn(m.logger).Log("msg", "unsupported write type", "tag", v.Name, "type", v.Type)
			continue
		}
		if err != nil {
			errs = multierr.Append(errs, errors.Wrapf(err, "writing %s", v.Name))
		}
	}
	return errs
}
