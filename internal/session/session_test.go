package session

import (
	"context"
	"net"
	"testing"

	"github.com/ghostlink/ghostlinkd/internal/cryptoprim"
	"github.com/ghostlink/ghostlinkd/internal/eventbus"
)

func TestRoleForLexicographicTieBreak(t *testing.T) {
	smaller := &eventbus.Endpoint{IP: "1.1.1.1", Port: 40000}
	larger := &net.UDPAddr{IP: net.ParseIP("2.2.2.2"), Port: 40000}

	if got := roleFor(smaller, larger); got != cryptoprim.RoleInitiator {
		t.Fatalf("smaller-endpoint side should be initiator, got %v", got)
	}
	if got := roleFor(&eventbus.Endpoint{IP: "2.2.2.2", Port: 40000}, &net.UDPAddr{IP: net.ParseIP("1.1.1.1"), Port: 40000}); got != cryptoprim.RoleResponder {
		t.Fatalf("larger-endpoint side should be responder, got %v", got)
	}
}

func TestRoleForNilPublicEndpointDefersToResponder(t *testing.T) {
	got := roleFor(nil, &net.UDPAddr{IP: net.ParseIP("1.1.1.1"), Port: 1})
	if got != cryptoprim.RoleResponder {
		t.Fatalf("nil public endpoint should default to responder, got %v", got)
	}
}

func TestSuiteOrderForCipherConfig(t *testing.T) {
	chacha := suiteOrderFor("")
	if chacha[0] != cryptoprim.SuiteChaCha20Poly1305 {
		t.Fatalf("default cipher order should prefer ChaCha20Poly1305")
	}
	aes := suiteOrderFor("aes256")
	if aes[0] != cryptoprim.SuiteAES256GCM {
		t.Fatalf("aes256 cipher config should prefer AES256GCM")
	}
}

func TestReasonForPunchError(t *testing.T) {
	if got := reasonForPunchError(context.Canceled); got != "aborted" {
		t.Fatalf("got %q, want aborted", got)
	}
}
