package connector

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rtds-project/rtds/pkg/model"
)

type fakeRegClient struct {
	coils     []byte
	discretes []byte
	inputs    []byte
	holdings  []byte
	err       error

	wroteCoil     map[uint16]uint16
	wroteRegister map[uint16]uint16
}

func (f *fakeRegClient) ReadCoils(uint16, uint16) ([]byte, error)          { return f.coils, f.err }
func (f *fakeRegClient) ReadDiscreteInputs(uint16, uint16) ([]byte, error) { return f.discretes, f.err }
func (f *fakeRegClient) ReadInputRegisters(uint16, uint16) ([]byte, error) { return f.inputs, f.err }
func (f *fakeRegClient) ReadHoldingRegisters(uint16, uint16) ([]byte, error) {
	return f.holdings, f.err
}

func (f *fakeRegClient) WriteSingleCoil(address, value uint16) ([]byte, error) {
	if f.wroteCoil == nil {
		f.wroteCoil = map[uint16]uint16{}
	}
	f.wroteCoil[address] = value
	return nil, f.err
}

func (f *fakeRegClient) WriteSingleRegister(address, value uint16) ([]byte, error) {
	if f.wroteRegister == nil {
		f.wroteRegister = map[uint16]uint16{}
	}
	f.wroteRegister[address] = value
	return nil, f.err
}

func modbusTag(t *testing.T, name, source string, typ model.TagType) *model.Tag {
	t.Helper()
	tag, err := model.NewTag(name, typ, 0, 0, true, "plc", source, "", "")
	require.NoError(t, err)
	return tag
}

func newTestModbus(t *testing.T, tags []*model.Tag) (*Modbus, *fakeRegClient) {
	t.Helper()
	m, err := NewModbus(
		Definition{Name: "plc", Cycle: time.Second},
		map[string]string{"host": "127.0.0.1", "port": "1502"},
		tags,
		log.NewNopLogger(),
	)
	require.NoError(t, err)
	fake := &fakeRegClient{}
	m.client = fake
	return m, fake
}

func TestParseModbusSource(t *testing.T) {
	for _, tc := range []struct {
		in       string
		expected modbusSource
		errors   bool
	}{
		{in: "RH:100:3", expected: modbusSource{area: "RH", addr: 100, count: 3}},
		{in: "c:5", expected: modbusSource{area: "C", addr: 5, count: 1}},
		{in: "DI:0:1", expected: modbusSource{area: "DI", addr: 0, count: 1}},
		{in: " ri : 7 : 2 ", expected: modbusSource{area: "RI", addr: 7, count: 2}},
		{in: "XX:1:1", errors: true},
		{in: "RH", errors: true},
		{in: "RH:abc", errors: true},
		{in: "RH:1:0", errors: true},
		{in: "RH:1:2:3", errors: true},
	} {
		actual, err := parseModbusSource(tc.in)
		if tc.errors {
			assert.Error(t, err, "input %q", tc.in)
			continue
		}
		require.NoError(t, err, "input %q", tc.in)
		assert.Equal(t, tc.expected, actual)
	}
}

func TestNewModbusValidatesConfig(t *testing.T) {
	_, err := NewModbus(Definition{Name: "plc"}, map[string]string{}, nil, log.NewNopLogger())
	assert.ErrorContains(t, err, "requires host")

	_, err = NewModbus(Definition{Name: "plc"}, map[string]string{"host": "x", "port": "nope"}, nil, log.NewNopLogger())
	assert.ErrorContains(t, err, "invalid port")

	// count > 1 must be an array tag
	_, err = NewModbus(Definition{Name: "plc"}, map[string]string{"host": "x"},
		[]*model.Tag{modbusTag(t, "r", "RH:0:4", model.TypeFloat)}, log.NewNopLogger())
	assert.ErrorContains(t, err, "requires an array tag")

	_, err = NewModbus(Definition{Name: "plc"}, map[string]string{"host": "x"},
		[]*model.Tag{modbusTag(t, "r", "RH:0", model.TypeArray)}, log.NewNopLogger())
	assert.ErrorContains(t, err, "need count > 1")
}

func TestModbusReadScalarAndArray(t *testing.T) {
	m, fake := newTestModbus(t, []*model.Tag{
		modbusTag(t, "running", "C:0", model.TypeBool),
		modbusTag(t, "regs", "RH:10:3", model.TypeArray),
		modbusTag(t, "speed", "RI:2", model.TypeInt),
	})
	fake.coils = []byte{0x01}
	fake.holdings = []byte{0x00, 0x64, 0x00, 0xC8, 0x01, 0x2C} // 100, 200, 300
	fake.inputs = []byte{0x05, 0x39}                           // 1337

	values, err := m.Read(context.Background())
	require.NoError(t, err)
	require.Len(t, values, 3)

	// sorted by tag name: regs, running, speed
	byName := map[string]model.Value{}
	for _, v := range values {
		byName[v.Name] = v
	}
	assert.Equal(t, []float64{100, 200, 300}, byName["regs"].Array)
	assert.True(t, byName["running"].Bool)
	assert.Equal(t, int64(1337), byName["speed"].Int)
}

func TestModbusReadUnpacksCoilBits(t *testing.T) {
	m, fake := newTestModbus(t, []*model.Tag{
		modbusTag(t, "flags", "DI:0:10", model.TypeArray),
	})
	fake.discretes = []byte{0b10100101, 0b00000010}

	values, err := m.Read(context.Background())
	require.NoError(t, err)
	require.Len(t, values, 1)
	assert.Equal(t, []float64{1, 0, 1, 0, 0, 1, 0, 1, 0, 1}, values[0].Array)
}

func TestModbusReadErrorFailsCycle(t *testing.T) {
	m, fake := newTestModbus(t, []*model.Tag{
		modbusTag(t, "speed", "RI:2", model.TypeInt),
	})
	fake.err = errors.New("connection refused")

	_, err := m.Read(context.Background())
	assert.ErrorContains(t, err, "connection refused")
}

func TestModbusBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	m, fake := newTestModbus(t, []*model.Tag{
		modbusTag(t, "speed", "RI:2", model.TypeInt),
	})
	fake.err = errors.New("connection refused")

	for i := 0; i < 10; i++ {
		_, err := m.Read(context.Background())
		require.Error(t, err)
	}

	// Device recovers, but the breaker is open and fails fast.
	fake.err = nil
	fake.inputs = []byte{0x00, 0x01}
	_, err := m.Read(context.Background())
	assert.ErrorContains(t, err, "circuit breaker is open")
}

func TestModbusWrite(t *testing.T) {
	m, fake := newTestModbus(t, []*model.Tag{
		modbusTag(t, "enable", "C:3", model.TypeBool),
		modbusTag(t, "setpoint", "RH:20", model.TypeInt),
	})

	err := m.Write(context.Background(), []model.Value{
		model.BoolValue("enable", true),
		model.IntValue("setpoint", 750),
		model.FloatValue("enable", 1), // unsupported type, skipped
	})
	require.NoError(t, err)

	assert.Equal(t, uint16(0xFF00), fake.wroteCoil[3])
	assert.Equal(t, uint16(750), fake.wroteRegister[20])
}
