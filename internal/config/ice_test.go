package config

import "testing"

func TestResolveICEDefaults(t *testing.T) {
	cfg := &Config{ICEPoolSize: 10}
	got := cfg.ResolveICE()

	if len(got.ICEServers) != 2 {
		t.Fatalf("servers = %d, want the 2 STUN defaults", len(got.ICEServers))
	}
	if got.ICECandidatePoolSize != 10 {
		t.Fatalf("pool size = %d", got.ICECandidatePoolSize)
	}
}

func TestResolveICEMergesTURN(t *testing.T) {
	cfg := &Config{
		TURNServers: `[{"urls":["turn:turn.example.com:3478"],"username":"u","credential":"p"}]`,
	}
	got := cfg.ResolveICE()

	if len(got.ICEServers) != 3 {
		t.Fatalf("servers = %d, want STUN defaults + 1 TURN", len(got.ICEServers))
	}
	turn := got.ICEServers[2]
	if turn.URLs[0] != "turn:turn.example.com:3478" || turn.Username != "u" {
		t.Fatalf("turn entry = %+v", turn)
	}
}

func TestResolveICEIgnoresMalformedTURN(t *testing.T) {
	cfg := &Config{TURNServers: `{not json`}
	got := cfg.ResolveICE()

	// Malformed relay config must never block a session from starting.
	if len(got.ICEServers) != 2 {
		t.Fatalf("servers = %d, want just the STUN defaults", len(got.ICEServers))
	}
}

func TestResolveICEClampsOversizedPool(t *testing.T) {
	cfg := &Config{ICEPoolSize: 1000}
	got := cfg.ResolveICE()

	// The pool size is a uint8 on the wire; an oversized value must not
	// wrap around to something tiny.
	if got.ICECandidatePoolSize != 255 {
		t.Fatalf("pool size = %d, want 255", got.ICECandidatePoolSize)
	}
}

func TestResolveICESkipsEntriesWithoutURLs(t *testing.T) {
	cfg := &Config{TURNServers: `[{"username":"u"},{"urls":["turn:t.example.com"]}]`}
	got := cfg.ResolveICE()

	if len(got.ICEServers) != 3 {
		t.Fatalf("servers = %d, want defaults + the one usable entry", len(got.ICEServers))
	}
}
