package lcm

import (
	"os"
	"testing"
)

func TestParseURLBasic(t *testing.T) {
	p, err := ParseURL("udpm://239.255.76.67:7667?ttl=1&recv_buf_size=4194304")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Scheme != "udpm" {
		t.Fatalf("expected scheme udpm, got %q", p.Scheme)
	}
	if p.Target != "239.255.76.67:7667" {
		t.Fatalf("expected target 239.255.76.67:7667, got %q", p.Target)
	}
	if p.Options["ttl"] != "1" || p.Options["recv_buf_size"] != "4194304" {
		t.Fatalf("unexpected options: %+v", p.Options)
	}
}

func TestParseURLNoOptions(t *testing.T) {
	p, err := ParseURL("file:///tmp/example.log")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Scheme != "file" || p.Target != "/tmp/example.log" {
		t.Fatalf("unexpected parse result: %+v", p)
	}
	if len(p.Options) != 0 {
		t.Fatalf("expected no options, got %+v", p.Options)
	}
}

func TestParseURLDuplicateKeyLastWins(t *testing.T) {
	p, err := ParseURL("udpm://239.255.76.67:7667?ttl=1&ttl=2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Options["ttl"] != "2" {
		t.Fatalf("expected last ttl value to win, got %q", p.Options["ttl"])
	}
}

func TestParseURLMalformed(t *testing.T) {
	if _, err := ParseURL("not-a-url"); err == nil {
		t.Fatalf("expected an error for a url missing \"://\"")
	}
}

func TestResolveURLFallbackChain(t *testing.T) {
	if got := ResolveURL("tcpq://127.0.0.1:7700"); got != "tcpq://127.0.0.1:7700" {
		t.Fatalf("expected explicit url to win, got %q", got)
	}

	os.Setenv("LCM_DEFAULT_URL", "memq://")
	defer os.Unsetenv("LCM_DEFAULT_URL")
	if got := ResolveURL(""); got != "memq://" {
		t.Fatalf("expected env var fallback, got %q", got)
	}

	os.Unsetenv("LCM_DEFAULT_URL")
	if got := ResolveURL(""); got != DefaultURL {
		t.Fatalf("expected hardcoded default, got %q", got)
	}
}
