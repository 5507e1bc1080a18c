package modbus

import (
	"context"
	"fmt"
	"sort"

	"github.com/nexus-edge/plant-poller/internal/domain"
	"github.com/sony/gobreaker"
)

// DeviceHealth is the breaker view of one device.
type DeviceHealth struct {
	DeviceID            string `json:"device_id"`
	State               string `json:"state"`
	CircuitBreakerOpen  bool   `json:"circuit_breaker_open"`
	ConsecutiveFailures uint32 `json:"consecutive_failures"`
	TotalFailures       uint32 `json:"total_failures"`
}

func deviceHealth(deviceID string, cb *gobreaker.CircuitBreaker) DeviceHealth {
	counts := cb.Counts()
	state := cb.State()
	return DeviceHealth{
		DeviceID:            deviceID,
		State:               state.String(),
		CircuitBreakerOpen:  state == gobreaker.StateOpen,
		ConsecutiveFailures: counts.ConsecutiveFailures,
		TotalFailures:       counts.TotalFailures,
	}
}

// GetDeviceHealth returns breaker health for a device the transport has talked to.
func (t *Transport) GetDeviceHealth(deviceID string) (DeviceHealth, bool) {
	t.mu.Lock()
	cb, exists := t.breakers[deviceID]
	t.mu.Unlock()

	if !exists {
		return DeviceHealth{}, false
	}
	return deviceHealth(deviceID, cb), true
}

// GetAllDeviceHealth returns breaker health for every known device, ordered by ID.
func (t *Transport) GetAllDeviceHealth() []DeviceHealth {
	t.mu.Lock()
	result := make([]DeviceHealth, 0, len(t.breakers))
	for deviceID, cb := range t.breakers {
		result = append(result, deviceHealth(deviceID, cb))
	}
	t.mu.Unlock()

	sort.Slice(result, func(i, j int) bool { return result[i].DeviceID < result[j].DeviceID })
	return result
}

// HealthCheck fails only when every known device has an open breaker.
// Individual device outages are reported through GetAllDeviceHealth.
func (t *Transport) HealthCheck(ctx context.Context) error {
	all := t.GetAllDeviceHealth()
	if len(all) == 0 {
		return nil
	}
	for _, h := range all {
		if !h.CircuitBreakerOpen {
			return nil
		}
	}
	return fmt.Errorf("%w: all %d devices", domain.ErrCircuitBreakerOpen, len(all))
}
