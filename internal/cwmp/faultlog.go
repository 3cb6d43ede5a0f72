package cwmp

import (
	"sync"

	"github.com/rs/zerolog"
)

// CWMP fault codes seen in the field.
const (
	FaultMethodNotSupported   = "9000"
	FaultRequestDenied        = "9001"
	FaultInternalError        = "9002"
	FaultInvalidArguments     = "9003"
	FaultResourcesExceeded    = "9004"
	FaultInvalidParameterName = "9005"
	FaultInvalidParameterType = "9006"
)

// faultLogEvery bounds repeated logging of the same fault: after the first
// occurrence, a (device-class, code) pair logs again only every Nth repeat.
const faultLogEvery = 50

// faultThrottle keeps fleets of ONTs that fault on the same unimplemented
// parameter from flooding the log. 9005 (invalid parameter name) is the
// expected answer for optional paths and is not logged at all.
type faultThrottle struct {
	mu    sync.Mutex
	count map[string]int
}

func newFaultThrottle() *faultThrottle {
	return &faultThrottle{count: make(map[string]int)}
}

func (t *faultThrottle) log(logger zerolog.Logger, class DeviceClass, serial string, fault *FaultDetail) {
	if fault == nil || fault.Code == FaultInvalidParameterName {
		return
	}
	t.mu.Lock()
	t.count[class.String()+"|"+fault.Code]++
	n := t.count[class.String()+"|"+fault.Code]
	t.mu.Unlock()

	if n != 1 && n%faultLogEvery != 0 {
		return
	}
	logger.Warn().
		Str("serial", serial).
		Str("class", class.String()).
		Str("code", fault.Code).
		Str("fault", fault.Message).
		Int("occurrences", n).
		Msg("cwmp fault")
}
