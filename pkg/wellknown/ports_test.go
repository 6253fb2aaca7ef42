package wellknown

import (
	"reflect"
	"testing"

	"portcon-analyzer/internal/model"
)

func TestGetServiceReturnsDNSAliases(t *testing.T) {
	// This test ensures DNS aliases map to the expected port/protocol entries.
	entries, ok := GetService("dns")
	if !ok {
		t.Fatalf("expected dns to be present in well-known service registry")
	}
	if !containsPort(entries, 53, model.TCP) || !containsPort(entries, 53, model.UDP) {
		t.Fatalf("expected DNS to include port 53 over tcp and udp, got %#v", entries)
	}
}

func TestGetServiceReturnsFalseForUnknown(t *testing.T) {
	// This test validates the registry returns false for unknown services.
	_, ok := GetService("definitely-not-a-service")
	if ok {
		t.Fatalf("expected unknown service to return ok=false")
	}
}

func TestLookupPort(t *testing.T) {
	// This test checks reverse lookups respect the protocol column.
	if got := LookupPort(model.TCP, 22); !reflect.DeepEqual(got, []string{"ssh"}) {
		t.Fatalf("expected ssh for 22/tcp, got %v", got)
	}
	if got := LookupPort(model.UDP, 22); len(got) != 0 {
		t.Fatalf("expected nothing for 22/udp, got %v", got)
	}
	if got := LookupPort(model.SCTP, 22); len(got) != 0 {
		t.Fatalf("expected nothing for 22/sctp, got %v", got)
	}
}

func TestLookupRange(t *testing.T) {
	// This test covers range labelling and the width cutoff.
	if got := LookupRange(model.TCP, 20, 25); !reflect.DeepEqual(got, []string{"ftp", "ftp-data", "smtp", "ssh", "telnet"}) {
		t.Fatalf("unexpected names for 20-25/tcp: %v", got)
	}
	if got := LookupRange(model.TCP, 1, 65535); got != nil {
		t.Fatalf("expected wide range to be unlabelled, got %v", got)
	}
}

func containsPort(entries []ServiceEntry, port int, protocol model.Protocol) bool {
	// Helper keeps entry inspection readable for multiple service assertions.
	for _, entry := range entries {
		if entry.Port == port && entry.Protocol == protocol {
			return true
		}
	}
	return false
}
