package gateway

import (
	"github.com/RoninSTi/vibelink/internal/protocol"
)

// PickSensor chooses the acquisition target: the preferred serial when it
// is live, otherwise the first live sensor in gateway response order.
// ErrNoSensors when nothing is live; the caller treats that as a clean
// stop, not a failure.
func PickSensor(sensors []protocol.SensorMeta, preferred string) (protocol.SensorMeta, error) {
	live := sensors[:0:0]
	for _, s := range sensors {
		if s.Live() {
			live = append(live, s)
		}
	}
	if len(live) == 0 {
		return protocol.SensorMeta{}, ErrNoSensors
	}
	if preferred != "" {
		for _, s := range live {
			if s.SerialString() == preferred {
				return s, nil
			}
		}
	}
	return live[0], nil
}
