package security

import (
	"testing"
	"time"
)

func TestIssueAndVerify(t *testing.T) {
	iss, ver, err := NewTestPair()
	if err != nil {
		t.Fatalf("NewTestPair: %v", err)
	}
	want := Identity{UserID: "u1", Role: "admin", Name: "Ana"}
	token, exp, err := iss.Issue(want)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if token == "" {
		t.Fatal("token empty")
	}
	if exp.Before(time.Now()) {
		t.Fatal("expires at in the past")
	}
	got, err := ver.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if got != want {
		t.Errorf("Verify = %+v, want %+v", got, want)
	}
}

func TestVerify_Invalid(t *testing.T) {
	_, ver, err := NewTestPair()
	if err != nil {
		t.Fatalf("NewTestPair: %v", err)
	}
	if _, err := ver.Verify("invalid-token"); err != ErrInvalidToken {
		t.Errorf("Verify: want ErrInvalidToken, got %v", err)
	}
}

func TestVerify_WrongAudienceOrIssuer(t *testing.T) {
	iss, _, err := NewTestPair()
	if err != nil {
		t.Fatalf("NewTestPair: %v", err)
	}
	token, _, err := iss.Issue(Identity{UserID: "u1"})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	pub, err := ParsePublicKey(testPublicKeyPEM)
	if err != nil {
		t.Fatal(err)
	}
	for name, v := range map[string]*Verifier{
		"audience": NewVerifier(pub, testIssuer, "other"),
		"issuer":   NewVerifier(pub, "other", testAudience),
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := v.Verify(token); err != ErrInvalidToken {
				t.Errorf("Verify: want ErrInvalidToken, got %v", err)
			}
		})
	}
}

func TestVerify_Expired(t *testing.T) {
	signer, err := ParsePrivateKey(testPrivateKeyPEM)
	if err != nil {
		t.Fatal(err)
	}
	_, ver, _ := NewTestPair()
	token, _, err := NewIssuer(signer, testIssuer, testAudience, -time.Minute).Issue(Identity{UserID: "u1"})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := ver.Verify(token); err != ErrInvalidToken {
		t.Errorf("Verify expired: want ErrInvalidToken, got %v", err)
	}
}

func TestShareToken(t *testing.T) {
	a, err := NewShareToken()
	if err != nil {
		t.Fatalf("NewShareToken: %v", err)
	}
	b, _ := NewShareToken()
	if a == b {
		t.Error("tokens should differ")
	}
	h := HashShareToken(a)
	if len(h) != 64 {
		t.Errorf("hash length = %d, want 64", len(h))
	}
	if HashShareToken(a) != h {
		t.Error("hash should be stable")
	}
	if !ShareTokenHashEqual(a, h) {
		t.Error("ShareTokenHashEqual should match own hash")
	}
	if ShareTokenHashEqual(b, h) {
		t.Error("ShareTokenHashEqual should reject other token")
	}
}
