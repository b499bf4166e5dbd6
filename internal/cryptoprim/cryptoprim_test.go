package cryptoprim

import "testing"

func TestDeriveSessionKeysSymmetric(t *testing.T) {
	a, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("generate A: %v", err)
	}
	b, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("generate B: %v", err)
	}

	var saltA, saltB [16]byte
	saltA[0], saltB[0] = 1, 2

	ka, err := DeriveSessionKeys(a, b.Public, saltA, saltB)
	if err != nil {
		t.Fatalf("derive A: %v", err)
	}
	kb, err := DeriveSessionKeys(b, a.Public, saltA, saltB)
	if err != nil {
		t.Fatalf("derive B: %v", err)
	}

	if ka.SendKey != kb.RecvKey {
		t.Fatalf("A send key must equal B recv key")
	}
	if ka.RecvKey != kb.SendKey {
		t.Fatalf("A recv key must equal B send key")
	}
}

func TestFingerprintSymmetric(t *testing.T) {
	a, _ := GenerateKeypair()
	b, _ := GenerateKeypair()

	fpAB := Fingerprint(a.Public, b.Public)
	fpBA := Fingerprint(b.Public, a.Public)
	if fpAB != fpBA {
		t.Fatalf("fingerprint must be order-independent: %q vs %q", fpAB, fpBA)
	}
}

func TestSuiteByName(t *testing.T) {
	cases := map[string]Suite{
		"":         SuiteChaCha20Poly1305,
		"chacha20": SuiteChaCha20Poly1305,
		"aes256":   SuiteAES256GCM,
	}
	for name, want := range cases {
		got, err := SuiteByName(name)
		if err != nil {
			t.Fatalf("SuiteByName(%q): %v", name, err)
		}
		if got != want {
			t.Fatalf("SuiteByName(%q) = %v, want %v", name, got, want)
		}
	}
	if _, err := SuiteByName("rot13"); err == nil {
		t.Fatalf("expected error for unknown suite")
	}
}

func TestNonceCounterDirectionTag(t *testing.T) {
	n1 := NonceCounter(RoleInitiator, 0)
	n2 := NonceCounter(RoleResponder, 0)
	if n1 == n2 {
		t.Fatalf("initiator and responder nonces must differ even at counter 0")
	}
}
