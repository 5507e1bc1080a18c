// Package mocks provides mock implementations for testing.
package mocks

import (
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"github.com/goburrow/modbus"
	pollermodbus "github.com/nexus-edge/plant-poller/internal/adapter/modbus"
	"github.com/nexus-edge/plant-poller/internal/domain"
)

// WriteCall records a register or coil write seen by the PLC.
type WriteCall struct {
	FunctionCode byte
	Address      uint16
	Values       []uint16
}

// MockPLC is an in-memory Modbus device. Dial satisfies the transport Dialer.
type MockPLC struct {
	mu sync.Mutex

	Holding  map[uint16]uint16
	Input    map[uint16]uint16
	Coils    map[uint16]bool
	Discrete map[uint16]bool

	// Function overrides
	DialFunc  func(ep domain.Endpoint, timeout time.Duration) error
	ReadFunc  func(fc byte, address, quantity uint16) error
	WriteFunc func(fc byte, address uint16) error

	// Call tracking
	DialCalls  int
	CloseCalls int
	ReadCalls  int
	Writes     []WriteCall
}

// NewMockPLC creates an empty device.
func NewMockPLC() *MockPLC {
	return &MockPLC{
		Holding:  make(map[uint16]uint16),
		Input:    make(map[uint16]uint16),
		Coils:    make(map[uint16]bool),
		Discrete: make(map[uint16]bool),
	}
}

// Dial opens a session against the device.
func (m *MockPLC) Dial(ep domain.Endpoint, timeout time.Duration) (pollermodbus.Session, error) {
	m.mu.Lock()
	m.DialCalls++
	fn := m.DialFunc
	m.mu.Unlock()

	if fn != nil {
		if err := fn(ep, timeout); err != nil {
			return nil, err
		}
	}
	return &plcSession{plc: m}, nil
}

// SetHolding sets a holding register.
func (m *MockPLC) SetHolding(addr, value uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Holding[addr] = value
}

// HoldingValue returns a holding register.
func (m *MockPLC) HoldingValue(addr uint16) uint16 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Holding[addr]
}

// CoilValue returns a coil.
func (m *MockPLC) CoilValue(addr uint16) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Coils[addr]
}

// WriteCount returns the number of write requests received.
func (m *MockPLC) WriteCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Writes)
}

// WritesTo returns the write requests that started at addr.
func (m *MockPLC) WritesTo(addr uint16) []WriteCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []WriteCall
	for _, w := range m.Writes {
		if w.Address == addr {
			out = append(out, w)
		}
	}
	return out
}

// Reset clears all call counts.
func (m *MockPLC) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DialCalls = 0
	m.CloseCalls = 0
	m.ReadCalls = 0
	m.Writes = nil
}

// plcSession implements modbus.Client against the MockPLC.
type plcSession struct {
	plc    *MockPLC
	closed bool
}

var errSessionClosed = errors.New("session closed")

func (s *plcSession) Close() error {
	s.plc.mu.Lock()
	defer s.plc.mu.Unlock()
	s.plc.CloseCalls++
	s.closed = true
	return nil
}

func (s *plcSession) read(fc byte, address, quantity uint16) error {
	s.plc.mu.Lock()
	s.plc.ReadCalls++
	fn := s.plc.ReadFunc
	closed := s.closed
	s.plc.mu.Unlock()
	if closed {
		return errSessionClosed
	}
	if fn != nil {
		return fn(fc, address, quantity)
	}
	return nil
}

func (s *plcSession) write(fc byte, address uint16, values []uint16) error {
	s.plc.mu.Lock()
	fn := s.plc.WriteFunc
	closed := s.closed
	s.plc.mu.Unlock()
	if closed {
		return errSessionClosed
	}
	if fn != nil {
		if err := fn(fc, address); err != nil {
			return err
		}
	}
	s.plc.mu.Lock()
	s.plc.Writes = append(s.plc.Writes, WriteCall{FunctionCode: fc, Address: address, Values: values})
	s.plc.mu.Unlock()
	return nil
}

func (s *plcSession) words(src map[uint16]uint16, address, quantity uint16) []byte {
	s.plc.mu.Lock()
	defer s.plc.mu.Unlock()
	out := make([]byte, int(quantity)*2)
	for i := uint16(0); i < quantity; i++ {
		binary.BigEndian.PutUint16(out[int(i)*2:], src[address+i])
	}
	return out
}

func (s *plcSession) bits(src map[uint16]bool, address, quantity uint16) []byte {
	s.plc.mu.Lock()
	defer s.plc.mu.Unlock()
	out := make([]byte, (int(quantity)+7)/8)
	for i := uint16(0); i < quantity; i++ {
		if src[address+i] {
			out[i/8] |= 1 << (i % 8)
		}
	}
	return out
}

func (s *plcSession) ReadCoils(address, quantity uint16) ([]byte, error) {
	if err := s.read(0x01, address, quantity); err != nil {
		return nil, err
	}
	return s.bits(s.plc.Coils, address, quantity), nil
}

func (s *plcSession) ReadDiscreteInputs(address, quantity uint16) ([]byte, error) {
	if err := s.read(0x02, address, quantity); err != nil {
		return nil, err
	}
	return s.bits(s.plc.Discrete, address, quantity), nil
}

func (s *plcSession) ReadHoldingRegisters(address, quantity uint16) ([]byte, error) {
	if err := s.read(0x03, address, quantity); err != nil {
		return nil, err
	}
	return s.words(s.plc.Holding, address, quantity), nil
}

func (s *plcSession) ReadInputRegisters(address, quantity uint16) ([]byte, error) {
	if err := s.read(0x04, address, quantity); err != nil {
		return nil, err
	}
	return s.words(s.plc.Input, address, quantity), nil
}

func (s *plcSession) WriteSingleCoil(address, value uint16) ([]byte, error) {
	if err := s.write(0x05, address, []uint16{value}); err != nil {
		return nil, err
	}
	s.plc.mu.Lock()
	s.plc.Coils[address] = value == 0xFF00
	s.plc.mu.Unlock()
	return []byte{byte(value >> 8), byte(value)}, nil
}

func (s *plcSession) WriteMultipleCoils(address, quantity uint16, value []byte) ([]byte, error) {
	vals := make([]uint16, quantity)
	for i := uint16(0); i < quantity; i++ {
		if value[i/8]&(1<<(i%8)) != 0 {
			vals[i] = 1
		}
	}
	if err := s.write(0x0F, address, vals); err != nil {
		return nil, err
	}
	s.plc.mu.Lock()
	for i, v := range vals {
		s.plc.Coils[address+uint16(i)] = v == 1
	}
	s.plc.mu.Unlock()
	return nil, nil
}

func (s *plcSession) WriteSingleRegister(address, value uint16) ([]byte, error) {
	if err := s.write(0x06, address, []uint16{value}); err != nil {
		return nil, err
	}
	s.plc.mu.Lock()
	s.plc.Holding[address] = value
	s.plc.mu.Unlock()
	return nil, nil
}

func (s *plcSession) WriteMultipleRegisters(address, quantity uint16, value []byte) ([]byte, error) {
	vals := make([]uint16, quantity)
	for i := range vals {
		vals[i] = binary.BigEndian.Uint16(value[i*2:])
	}
	if err := s.write(0x10, address, vals); err != nil {
		return nil, err
	}
	s.plc.mu.Lock()
	for i, v := range vals {
		s.plc.Holding[address+uint16(i)] = v
	}
	s.plc.mu.Unlock()
	return nil, nil
}

func (s *plcSession) ReadWriteMultipleRegisters(readAddress, readQuantity, writeAddress, writeQuantity uint16, value []byte) ([]byte, error) {
	if _, err := s.WriteMultipleRegisters(writeAddress, writeQuantity, value); err != nil {
		return nil, err
	}
	return s.ReadHoldingRegisters(readAddress, readQuantity)
}

func (s *plcSession) MaskWriteRegister(address, andMask, orMask uint16) ([]byte, error) {
	return nil, &modbus.ModbusError{FunctionCode: 0x16, ExceptionCode: modbus.ExceptionCodeIllegalFunction}
}

func (s *plcSession) ReadFIFOQueue(address uint16) ([]byte, error) {
	return nil, &modbus.ModbusError{FunctionCode: 0x18, ExceptionCode: modbus.ExceptionCodeIllegalFunction}
}
