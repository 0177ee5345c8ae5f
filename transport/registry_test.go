package transport_test

import (
	"testing"

	"github.com/rs/zerolog"

	"github.com/odinlcm/lcm/lcm"
	"github.com/odinlcm/lcm/transport"
)

func TestDefaultRegistryHasAllFourSchemes(t *testing.T) {
	reg := transport.DefaultRegistry(zerolog.Nop())
	for _, scheme := range []string{"udpm", "tcpq", "file", "memq"} {
		if _, ok := reg.Lookup(scheme); !ok {
			t.Fatalf("expected scheme %q to be registered", scheme)
		}
	}
}

func TestDefaultRegistryConstructsMemq(t *testing.T) {
	reg := transport.DefaultRegistry(zerolog.Nop())
	ctx, err := lcm.New("memq://", reg)
	if err != nil {
		t.Fatalf("lcm.New: %v", err)
	}
	defer ctx.Destroy()
}
