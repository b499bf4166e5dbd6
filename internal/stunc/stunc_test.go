package stunc

import (
	"net"
	"testing"
)

func udpAddr(ip string, port int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP(ip), Port: port}
}

func TestClassifyNATOpenInternet(t *testing.T) {
	local := udpAddr("203.0.113.5", 4000)
	got := ClassifyNAT(local, udpAddr("203.0.113.5", 4000), nil)
	if got != NATOpenInternet {
		t.Fatalf("got %v, want OpenInternet", got)
	}
}

func TestClassifyNATConeWhenAgreeing(t *testing.T) {
	local := udpAddr("10.0.0.5", 4000)
	first := udpAddr("203.0.113.5", 55000)
	second := udpAddr("203.0.113.5", 55000)
	got := ClassifyNAT(local, first, second)
	if got != NATFullCone {
		t.Fatalf("got %v, want FullCone", got)
	}
}

func TestClassifyNATSymmetricWhenDisagreeing(t *testing.T) {
	local := udpAddr("10.0.0.5", 4000)
	first := udpAddr("203.0.113.5", 55000)
	second := udpAddr("203.0.113.5", 55001)
	got := ClassifyNAT(local, first, second)
	if got != NATSymmetric {
		t.Fatalf("got %v, want Symmetric", got)
	}
}

func TestClassifyNATUnknownWhenUnreachable(t *testing.T) {
	got := ClassifyNAT(udpAddr("10.0.0.5", 4000), nil, nil)
	if got != NATUnknown {
		t.Fatalf("got %v, want Unknown", got)
	}
}
