// Package auth implements the connection-time credential policy shared by
// every transport binding: a static allow-list of bearer tokens. There is no
// issuance, rotation or expiry here; that belongs to the session service
// built on top of the channels.
package auth

// Verdict is the tri-state outcome of a challenge-style credential check.
type Verdict int

const (
	// VerdictOK accepts the connection.
	VerdictOK Verdict = iota
	// VerdictBadCredentials means the tuple had the right shape but the
	// wrong user or token.
	VerdictBadCredentials
	// VerdictAuthRequired means mechanism, user or token was missing.
	VerdictAuthRequired
)

func (v Verdict) String() string {
	switch v {
	case VerdictOK:
		return "OK"
	case VerdictBadCredentials:
		return "bad-credentials"
	case VerdictAuthRequired:
		return "auth-required"
	}
	return "unknown"
}

// MechanismPlain is the only challenge mechanism the gate accepts.
const MechanismPlain = "plain"

// Gate checks presented credentials against a fixed allow-list. The expected
// challenge identity is an explicit construction parameter so several gates
// can coexist in one process.
type Gate struct {
	tokens       map[string]struct{}
	expectedUser string
}

type GateParams struct {
	AuthorizedTokens []string

	// ExpectedUser is the single identity accepted by the challenge
	// binding. The header binding ignores it.
	ExpectedUser string
}

func NewGate(params GateParams) *Gate {
	tokens := make(map[string]struct{}, len(params.AuthorizedTokens))
	for _, t := range params.AuthorizedTokens {
		tokens[t] = struct{}{}
	}
	return &Gate{
		tokens:       tokens,
		expectedUser: params.ExpectedUser,
	}
}

// Allow is the header-credential binding: plain membership check.
func (g *Gate) Allow(token string) bool {
	_, ok := g.tokens[token]
	return ok
}

// Challenge is the challenge binding: the transport hands over the
// {mechanism, user, token} tuple it extracted for a connection attempt.
func (g *Gate) Challenge(mechanism, user, token string) Verdict {
	if mechanism == "" || user == "" || token == "" {
		return VerdictAuthRequired
	}
	if mechanism != MechanismPlain || user != g.expectedUser || !g.Allow(token) {
		return VerdictBadCredentials
	}
	return VerdictOK
}
