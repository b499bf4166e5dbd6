package handshake

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/ghostlink/ghostlinkd/internal/cryptoprim"
)

// TestHandshakeRoundTrip runs both roles over the two ends of a net.Pipe,
// whose net.Conn already satisfies what RunInitiator/RunResponder expect.
func TestHandshakeRoundTrip(t *testing.T) {
	initiatorConn, responderConn := net.Pipe()
	defer initiatorConn.Close()
	defer responderConn.Close()

	initiatorKP, err := cryptoprim.GenerateKeypair()
	if err != nil {
		t.Fatalf("generate initiator keypair: %v", err)
	}
	responderKP, err := cryptoprim.GenerateKeypair()
	if err != nil {
		t.Fatalf("generate responder keypair: %v", err)
	}

	suites := SuitesToBitmask([]cryptoprim.Suite{cryptoprim.SuiteChaCha20Poly1305, cryptoprim.SuiteAES256GCM})

	type outcome struct {
		res *Result
		err error
	}
	initiatorCh := make(chan outcome, 1)
	responderCh := make(chan outcome, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go func() {
		res, err := RunInitiator(ctx, initiatorConn, initiatorKP, suites)
		initiatorCh <- outcome{res, err}
	}()
	go func() {
		res, err := RunResponder(ctx, responderConn, responderKP, []cryptoprim.Suite{cryptoprim.SuiteChaCha20Poly1305, cryptoprim.SuiteAES256GCM})
		responderCh <- outcome{res, err}
	}()

	i := <-initiatorCh
	r := <-responderCh

	if i.err != nil {
		t.Fatalf("initiator: %v", i.err)
	}
	if r.err != nil {
		t.Fatalf("responder: %v", r.err)
	}

	if i.res.Fingerprint != r.res.Fingerprint {
		t.Fatalf("fingerprint mismatch: %q vs %q", i.res.Fingerprint, r.res.Fingerprint)
	}
	if i.res.Keys.SendKey != r.res.Keys.RecvKey {
		t.Fatalf("initiator send key must equal responder recv key")
	}
	if i.res.Keys.RecvKey != r.res.Keys.SendKey {
		t.Fatalf("initiator recv key must equal responder send key")
	}
	if i.res.Suite != r.res.Suite {
		t.Fatalf("suite mismatch: %v vs %v", i.res.Suite, r.res.Suite)
	}
}

func TestHandshakeNoSuiteOverlap(t *testing.T) {
	initiatorConn, responderConn := net.Pipe()
	defer initiatorConn.Close()
	defer responderConn.Close()

	initiatorKP, _ := cryptoprim.GenerateKeypair()
	responderKP, _ := cryptoprim.GenerateKeypair()

	suites := SuitesToBitmask([]cryptoprim.Suite{cryptoprim.SuiteAES256GCM})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	errCh := make(chan error, 2)
	go func() {
		_, err := RunInitiator(ctx, initiatorConn, initiatorKP, suites)
		errCh <- err
	}()
	go func() {
		_, err := RunResponder(ctx, responderConn, responderKP, []cryptoprim.Suite{cryptoprim.SuiteChaCha20Poly1305})
		errCh <- err
	}()

	e1 := <-errCh
	e2 := <-errCh
	if e1 == nil && e2 == nil {
		t.Fatalf("expected at least one side to report no suite overlap")
	}
}
