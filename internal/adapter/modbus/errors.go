package modbus

import (
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"

	"github.com/goburrow/modbus"
	"github.com/nexus-edge/plant-poller/internal/domain"
)

// translateError converts goburrow and network errors into domain errors.
// connecting selects ErrConnectTimeout over ErrTransportTimeout for deadline errors.
func translateError(err error, connecting bool) error {
	if err == nil {
		return nil
	}

	var mbErr *modbus.ModbusError
	if errors.As(err, &mbErr) {
		return fmt.Errorf("%w: %v", domain.ModbusExceptionToError(mbErr.ExceptionCode), err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		if connecting {
			return fmt.Errorf("%w: %v", domain.ErrConnectTimeout, err)
		}
		return fmt.Errorf("%w: %v", domain.ErrTransportTimeout, err)
	}

	if connecting || isConnectionError(err) {
		return fmt.Errorf("%w: %v", domain.ErrConnectionFailed, err)
	}

	// Anything else came back from the device but did not parse as a valid frame.
	return fmt.Errorf("%w: %v", domain.ErrProtocol, err)
}

// isConnectionError reports errors raised by the socket rather than the frame decoder.
func isConnectionError(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
