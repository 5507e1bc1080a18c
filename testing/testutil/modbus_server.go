package testutil

import (
	"net"
	"strconv"
	"sync"
	"testing"

	"github.com/tbrandon/mbserver"
)

// ModbusServer is a loopback Modbus/TCP slave backed by mbserver memory.
// Every function code is served under one lock so tests can inspect registers
// while the poller is connected.
type ModbusServer struct {
	serv *mbserver.Server
	host string
	port int

	mu     sync.Mutex
	writes int
	closed bool
}

// NewModbusServer listens on a free loopback port and stops when the test ends.
func NewModbusServer(t *testing.T) *ModbusServer {
	t.Helper()

	s := &ModbusServer{serv: mbserver.NewServer(), host: "127.0.0.1"}
	var err error
	for attempt := 0; attempt < 5; attempt++ {
		s.port, err = freePort(s.host)
		if err != nil {
			continue
		}
		if err = s.serv.ListenTCP(net.JoinHostPort(s.host, strconv.Itoa(s.port))); err == nil {
			break
		}
	}
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	for _, fc := range []uint8{1, 2, 3, 4} {
		s.serv.RegisterFunctionHandler(fc, s.locked(builtin(fc), false))
	}
	for _, fc := range []uint8{5, 6, 15, 16} {
		s.serv.RegisterFunctionHandler(fc, s.locked(builtin(fc), true))
	}

	t.Cleanup(s.Close)
	return s
}

type handlerFunc func(*mbserver.Server, mbserver.Framer) ([]byte, *mbserver.Exception)

func builtin(fc uint8) handlerFunc {
	switch fc {
	case 1:
		return mbserver.ReadCoils
	case 2:
		return mbserver.ReadDiscreteInputs
	case 3:
		return mbserver.ReadHoldingRegisters
	case 4:
		return mbserver.ReadInputRegisters
	case 5:
		return mbserver.WriteSingleCoil
	case 6:
		return mbserver.WriteHoldingRegister
	case 15:
		return mbserver.WriteMultipleCoils
	default:
		return mbserver.WriteHoldingRegisters
	}
}

// locked serializes a built-in handler with the accessors and counts successful writes.
func (s *ModbusServer) locked(next handlerFunc, write bool) handlerFunc {
	return func(srv *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
		s.mu.Lock()
		defer s.mu.Unlock()
		data, exc := next(srv, frame)
		if write && (exc == nil || *exc == mbserver.Success) {
			s.writes++
		}
		return data, exc
	}
}

func freePort(host string) (int, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, err
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port, nil
}

// Host returns the listening host.
func (s *ModbusServer) Host() string { return s.host }

// Port returns the listening port.
func (s *ModbusServer) Port() int { return s.port }

// SetHolding sets a holding register. Input registers mirror it for function code 0x04.
func (s *ModbusServer) SetHolding(addr, value uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.serv.HoldingRegisters[addr] = value
	s.serv.InputRegisters[addr] = value
}

// Holding returns a holding register.
func (s *ModbusServer) Holding(addr uint16) uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serv.HoldingRegisters[addr]
}

// Coil reports a coil.
func (s *ModbusServer) Coil(addr uint16) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serv.Coils[addr] != 0
}

// Writes returns the number of write requests served.
func (s *ModbusServer) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// Close stops the listener. Safe to call more than once.
func (s *ModbusServer) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.serv.Close()
}
