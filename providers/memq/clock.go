package memq

import "time"

// nowUs returns the current wall-clock time in microseconds since the Unix
// epoch, matching the microsecond-resolution timestamps used throughout the
// transport (the original computes the same value from gettimeofday in
// each provider file separately; this mirrors that per-provider duplication
// rather than introducing a shared clock package for one-line conversions).
func nowUs() int64 {
	return time.Now().UnixMicro()
}
