package tcpq

import "time"

// nowUs returns the current wall-clock time in microseconds since the
// Unix epoch. Duplicated per provider package rather than shared; see
// providers/memq/clock.go for why.
func nowUs() int64 {
	return time.Now().UnixMicro()
}
