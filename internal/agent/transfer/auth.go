package transfer

import (
	"time"

	"github.com/lestrrat-go/jwx/v2/jwt"
)

// nearExpiryWindow is how long before a bearer token's exp claim we treat it
// as needing refresh, so a long-running transfer doesn't have its token
// expire mid-flight.
const nearExpiryWindow = 2 * time.Minute

// TokenRefresher obtains a fresh bearer token for a transfer, e.g. by
// re-authenticating against the management endpoint that issued the
// original one.
type TokenRefresher func() (string, error)

// ensureFreshToken parses token's exp claim without verifying its signature
// (the transport layer already establishes trust over TLS) purely to decide
// whether a refresh is due before starting or resuming a long transfer.
func ensureFreshToken(token string, refresh TokenRefresher) (string, error) {
	if token == "" || refresh == nil {
		return token, nil
	}

	parsed, err := jwt.ParseString(token, jwt.WithValidate(false), jwt.WithVerify(false))
	if err != nil {
		// Not a parseable JWT (e.g. an opaque bearer token); use as-is.
		return token, nil
	}

	exp := parsed.Expiration()
	if exp.IsZero() || time.Until(exp) > nearExpiryWindow {
		return token, nil
	}
	return refresh()
}
