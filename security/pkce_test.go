package security

import "testing"

func TestVerifyPKCE_S256(t *testing.T) {
	verifier := "verifier123"
	challenge := S256Challenge(verifier)

	if err := VerifyPKCE(challenge, PKCEMethodS256, verifier); err != nil {
		t.Errorf("VerifyPKCE() with matching verifier: %v", err)
	}

	if err := VerifyPKCE(challenge, PKCEMethodS256, "other-verifier"); err == nil {
		t.Error("VerifyPKCE() with wrong verifier should fail")
	}
}

func TestVerifyPKCE_Plain(t *testing.T) {
	if err := VerifyPKCE("secret-value", PKCEMethodPlain, "secret-value"); err != nil {
		t.Errorf("VerifyPKCE() plain with matching verifier: %v", err)
	}

	if err := VerifyPKCE("secret-value", PKCEMethodPlain, "wrong"); err == nil {
		t.Error("VerifyPKCE() plain with wrong verifier should fail")
	}
}

func TestVerifyPKCE_NoChallenge(t *testing.T) {
	// No challenge stored means the code was issued without PKCE
	if err := VerifyPKCE("", "", ""); err != nil {
		t.Errorf("VerifyPKCE() without challenge should succeed, got %v", err)
	}
	if err := VerifyPKCE("", "", "spurious-verifier"); err != nil {
		t.Errorf("VerifyPKCE() without challenge should ignore verifier, got %v", err)
	}
}

func TestVerifyPKCE_MissingVerifier(t *testing.T) {
	challenge := S256Challenge("verifier123")
	if err := VerifyPKCE(challenge, PKCEMethodS256, ""); err == nil {
		t.Error("VerifyPKCE() with missing verifier should fail")
	}
}

func TestVerifyPKCE_UnknownMethod(t *testing.T) {
	if err := VerifyPKCE("challenge", "S512", "challenge"); err == nil {
		t.Error("VerifyPKCE() with unknown method should fail")
	}
}

func TestS256Challenge_KnownVector(t *testing.T) {
	// RFC 7636 Appendix B test vector
	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	want := "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"

	if got := S256Challenge(verifier); got != want {
		t.Errorf("S256Challenge() = %q, want %q", got, want)
	}
}

func TestValidChallengeMethod(t *testing.T) {
	tests := []struct {
		method string
		want   bool
	}{
		{"S256", true},
		{"plain", true},
		{"", false},
		{"s256", false},
		{"S512", false},
	}

	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			if got := ValidChallengeMethod(tt.method); got != tt.want {
				t.Errorf("ValidChallengeMethod(%q) = %v, want %v", tt.method, got, tt.want)
			}
		})
	}
}
