package endpoint

import "testing"

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    Domain
		wantErr bool
	}{
		{"inproc", "inproc://worker-1", DomainLocal, false},
		{"ipc", "ipc:///tmp/fbsp.sock", DomainNode, false},
		{"tcp loopback", "tcp://127.0.0.1:8000", DomainNode, false},
		{"tcp localhost", "tcp://localhost:8000", DomainNode, false},
		{"tcp wildcard bind", "tcp://*:8000", DomainNetwork, false},
		{"tcp remote", "tcp://10.0.0.5:8000", DomainNetwork, false},
		{"pgm", "pgm://239.0.0.1:8000", DomainNetwork, false},
		{"epgm", "epgm://239.0.0.1:8000", DomainNetwork, false},
		{"vmci", "vmci://2:8000", DomainNetwork, false},
		{"unknown protocol", "http://example.com", DomainUnknown, true},
		{"no scheme", "justsomething", DomainUnknown, true},
		{"empty address", "tcp://", DomainUnknown, true},
		{"case insensitive", "TCP://127.0.0.1:8000", DomainNode, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ep, err := Parse(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Parse(%q): expected error, got nil", tt.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse(%q): unexpected error: %v", tt.in, err)
			}
			if ep.Domain() != tt.want {
				t.Errorf("Parse(%q).Domain() = %v, want %v", tt.in, ep.Domain(), tt.want)
			}
		})
	}
}

func TestParseNormalizesProtocol(t *testing.T) {
	ep, err := Parse("TCP://127.0.0.1:9000")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ep.Protocol() != "tcp" {
		t.Errorf("Protocol() = %q, want %q", ep.Protocol(), "tcp")
	}
	if ep.String() != "tcp://127.0.0.1:9000" {
		t.Errorf("String() = %q, want normalized form", ep.String())
	}
}
