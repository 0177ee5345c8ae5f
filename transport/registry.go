// Package transport wires together the four providers into a ready-made
// lcm.Registry. It is the one package allowed to import every provider
// package, since lcm itself must not (providers import lcm; lcm importing
// a provider back would be a cycle).
package transport

import (
	"github.com/rs/zerolog"

	"github.com/odinlcm/lcm/lcm"
	"github.com/odinlcm/lcm/providers/file"
	"github.com/odinlcm/lcm/providers/memq"
	"github.com/odinlcm/lcm/providers/tcpq"
	"github.com/odinlcm/lcm/providers/udpm"
)

// DefaultRegistry returns a Registry with all four built-in providers
// registered under their conventional URL schemes ("udpm", "tcpq",
// "file", "memq"). udpm and tcpq are given log, so tcpq's connect and
// reconnect attempts and udpm's receive-loop failures are observable.
func DefaultRegistry(log zerolog.Logger) lcm.Registry {
	reg := lcm.NewRegistry()
	reg.Add("udpm", udpm.NewWithLogger(log))
	reg.Add("tcpq", tcpq.NewWithLogger(log))
	reg.Add("file", file.New)
	reg.Add("memq", memq.New)
	return reg
}
