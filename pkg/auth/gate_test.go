package auth

import "testing"

func newTestGate() *Gate {
	return NewGate(GateParams{
		AuthorizedTokens: []string{"valid-token-0123456789", "second-token-0123456789"},
		ExpectedUser:     "weft-internal",
	})
}

func TestAllow(t *testing.T) {
	gate := newTestGate()

	if !gate.Allow("valid-token-0123456789") {
		t.Error("Allow rejected an authorized token")
	}
	if gate.Allow("intruder-token-0123456") {
		t.Error("Allow accepted a token outside the allow-list")
	}
	if gate.Allow("") {
		t.Error("Allow accepted an empty token")
	}
}

func TestChallenge(t *testing.T) {
	gate := newTestGate()

	cases := []struct {
		name      string
		mechanism string
		user      string
		token     string
		want      Verdict
	}{
		{"valid", MechanismPlain, "weft-internal", "valid-token-0123456789", VerdictOK},
		{"wrong token", MechanismPlain, "weft-internal", "nope", VerdictBadCredentials},
		{"wrong user", MechanismPlain, "someone-else", "valid-token-0123456789", VerdictBadCredentials},
		{"wrong mechanism", "curve", "weft-internal", "valid-token-0123456789", VerdictBadCredentials},
		{"missing mechanism", "", "weft-internal", "valid-token-0123456789", VerdictAuthRequired},
		{"missing user", MechanismPlain, "", "valid-token-0123456789", VerdictAuthRequired},
		{"missing token", MechanismPlain, "weft-internal", "", VerdictAuthRequired},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := gate.Challenge(c.mechanism, c.user, c.token); got != c.want {
				t.Errorf("Challenge(%q, %q, %q) = %v, want %v", c.mechanism, c.user, c.token, got, c.want)
			}
		})
	}
}
