package core

import (
	"reflect"
	"testing"
)

func TestSplitNonEmpty(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"chat,translate", []string{"chat", "translate"}},
		{"chat, translate ,", []string{"chat", "translate"}},
		{"", nil},
		{",,", nil},
		{"solo", []string{"solo"}},
	}
	for _, tt := range tests {
		if got := splitNonEmpty(tt.in, ","); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("splitNonEmpty(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewDNSResolverFallsBackToLoopback(t *testing.T) {
	// An unresolvable nameserver hostname must not fail construction;
	// the resolver degrades to loopback like the rest of discovery.
	r := NewDNSResolver("no-such-nameserver.invalid", 53, nil)
	if r == nil {
		t.Fatal("resolver not constructed")
	}
	if r.serverAddr != "127.0.0.1:53" {
		t.Errorf("serverAddr = %q, want 127.0.0.1:53", r.serverAddr)
	}
}

func TestNewDNSResolverDefaultPort(t *testing.T) {
	r := NewDNSResolver("127.0.0.1", 0, nil)
	if r.serverAddr != "127.0.0.1:53" {
		t.Errorf("serverAddr = %q", r.serverAddr)
	}
}
