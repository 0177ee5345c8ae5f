package udpm

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"
)

const (
	// selfTestChannel is never visible to subscribers; admitForDispatch
	// intercepts it before it reaches the public filled queue.
	selfTestChannel = "LCM_SELF_TEST"

	selfTestTimeout            = 10 * time.Second
	selfTestRetransmitInterval = 100 * time.Millisecond
)

// selfTest publishes a marker message to the multicast group and waits to
// receive it back over loopback, retransmitting periodically until it
// does or the timeout expires. This is what the original's
// creating_read_thread gate exists for: prove that multicast loopback
// actually works on this host before handing a possibly-broken provider
// back to the caller. While selfTesting is true, admitForDispatch drops
// every datagram that is not the self-test marker, so a flood of real
// traffic arriving mid-test can't be mistaken for it and can't pile up in
// the queue before any consumer is subscribed.
func (p *Provider) selfTest() error {
	p.selfTestRecvCh = make(chan struct{}, 1)
	p.selfTesting.Store(true)
	defer p.selfTesting.Store(false)

	payload := []byte("lcm self test")
	if err := p.Publish(selfTestChannel, payload); err != nil {
		return fmt.Errorf("udpm: self-test publish: %w", err)
	}

	deadline := time.Now().Add(selfTestTimeout)
	ticker := time.NewTicker(selfTestRetransmitInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.selfTestRecvCh:
			return nil
		case <-ticker.C:
			if time.Now().After(deadline) {
				msg := "udpm: self-test failed: did not receive our own multicast loopback within " + selfTestTimeout.String()
				if hint := linuxRoutingHint(); hint != "" {
					msg += "\n" + hint
				}
				return fmt.Errorf("%s", msg)
			}
			if err := p.Publish(selfTestChannel, payload); err != nil {
				return fmt.Errorf("udpm: self-test retransmit: %w", err)
			}
		}
	}
}

// linuxRoutingHint inspects /proc/net/route (present on Linux) for a
// route that would carry multicast traffic (224.0.0.0/4, or a default
// route) and returns a human-readable hint if none is found. It is the
// Go analogue of linux_check_routing_table in udpm_util.c, used to turn
// "multicast just doesn't work" into an actionable error message. It
// returns "" (no hint) on any platform or error where the check can't be
// performed, rather than failing the caller outright.
func linuxRoutingHint() string {
	f, err := os.Open("/proc/net/route")
	if err != nil {
		return ""
	}
	defer f.Close()

	hasMulticastRoute := false
	hasDefaultRoute := false

	scanner := bufio.NewScanner(f)
	scanner.Scan() // header line
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		destHex := fields[1]
		if destHex == "00000000" {
			hasDefaultRoute = true
			continue
		}
		// /proc/net/route stores the destination as a little-endian hex
		// IPv4 address; the low byte is the first octet.
		if len(destHex) == 8 {
			var firstOctet int
			if _, err := fmt.Sscanf(destHex[6:8], "%x", &firstOctet); err == nil {
				if firstOctet >= 224 && firstOctet <= 239 {
					hasMulticastRoute = true
				}
			}
		}
	}

	if hasMulticastRoute || hasDefaultRoute {
		return ""
	}
	return "no multicast or default route found in /proc/net/route; " +
		"try: route add -net 224.0.0.0 netmask 240.0.0.0 dev <iface>"
}
