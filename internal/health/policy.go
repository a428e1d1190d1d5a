package health

import (
	"github.com/bardlex/gominer/internal/verify"
	"github.com/bardlex/gominer/pkg/errors"
)

// Action is what the engine does about an error.
type Action int

const (
	// ActionDrop discards the offending message or candidate and carries on.
	ActionDrop Action = iota
	// ActionReconnect tears the session down and reconnects with backoff.
	ActionReconnect
	// ActionHalt stops dispatch and surfaces the error to the operator.
	ActionHalt
	// ActionDeviceFault counts against the device that produced it.
	ActionDeviceFault
)

func (a Action) String() string {
	switch a {
	case ActionDrop:
		return "drop"
	case ActionReconnect:
		return "reconnect"
	case ActionHalt:
		return "halt"
	case ActionDeviceFault:
		return "device_fault"
	default:
		return "unknown"
	}
}

// Classify maps an error onto the recovery policy. Pool share rejections
// are not errors and never reach here; they only feed ObserveVerdict.
func Classify(err error) Action {
	switch {
	case err == nil:
		return ActionDrop
	case errors.IsType(err, errors.ErrorTypeAuth):
		return ActionHalt
	case verify.IsHashMismatch(err):
		return ActionDeviceFault
	case errors.IsType(err, errors.ErrorTypeVerification):
		return ActionDrop
	case errors.IsType(err, errors.ErrorTypeDevice):
		return ActionDeviceFault
	case errors.IsType(err, errors.ErrorTypeProtocol):
		return ActionDrop
	case errors.IsType(err, errors.ErrorTypeConnection), errors.IsType(err, errors.ErrorTypeTimeout):
		return ActionReconnect
	default:
		if errors.IsRetryable(err) {
			return ActionReconnect
		}
		return ActionDrop
	}
}
