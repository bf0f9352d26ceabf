package auth

import (
	"strconv"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/pkg/errors"
)

// ServingDaemonTokenRotator hands out short-lived tokens that authorize a
// requestor to reach the servant daemon a grant points it at. It keeps
// three tokens live at once — one about to expire, the current one
// handed out in GetConfig, and one just rolled out — so a servant that
// cached the previous token from a requestor doesn't get rejected mid
// rollover. Every rolloutInterval, the oldest is dropped and a fresh one
// appended.
//
// Unlike the reference implementation's bare random hex string, each
// token here is a signed JWT: its exp claim lets a servant reject a
// token that's aged out without a round trip back to the scheduler.
type ServingDaemonTokenRotator struct {
	mu              sync.Mutex
	secret          []byte
	rolloutInterval time.Duration
	seq             int64
	tokens          [3]string
	nextRollout     time.Time
}

// NewServingDaemonTokenRotator creates a rotator signing tokens with
// secret, rolling a new token out every rolloutInterval.
func NewServingDaemonTokenRotator(secret []byte, rolloutInterval time.Duration) (*ServingDaemonTokenRotator, error) {
	r := &ServingDaemonTokenRotator{secret: secret, rolloutInterval: rolloutInterval}
	for i := range r.tokens {
		tok, err := r.nextToken()
		if err != nil {
			return nil, errors.Wrap(err, "minting initial serving-daemon token")
		}
		r.tokens[i] = tok
	}
	r.nextRollout = time.Now().Add(rolloutInterval)
	return r, nil
}

func (r *ServingDaemonTokenRotator) nextToken() (string, error) {
	r.seq++
	now := time.Now()
	claims := jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(3 * r.rolloutInterval)),
		ID:        strconv.FormatInt(r.seq, 10),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(r.secret)
}

// maybeRollout rotates the token window if the rollout deadline has
// passed. Callers must hold r.mu.
func (r *ServingDaemonTokenRotator) maybeRollout() {
	if time.Now().Before(r.nextRollout) {
		return
	}
	fresh, err := r.nextToken()
	if err != nil {
		// Minting failure (e.g. the HMAC key got corrupted) would otherwise
		// wedge rollout forever; keep serving the current window and retry
		// next call.
		return
	}
	r.tokens[0], r.tokens[1], r.tokens[2] = r.tokens[1], r.tokens[2], fresh
	r.nextRollout = time.Now().Add(r.rolloutInterval)
}

// ActiveTokens returns all three currently acceptable tokens, oldest
// first, rotating the window first if it's due.
func (r *ServingDaemonTokenRotator) ActiveTokens() [3]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.maybeRollout()
	return r.tokens
}

// CurrentToken returns the token handed out to new GetConfig callers:
// the middle slot of the rolling window, matching the reference
// implementation's choice to hand out the not-quite-newest token (the
// newest may not yet have propagated to every cache/scheduler replica).
func (r *ServingDaemonTokenRotator) CurrentToken() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.maybeRollout()
	return r.tokens[1]
}

// Verify reports whether token is one of the three currently active
// serving-daemon tokens. It does not check the JWT signature against an
// external key here because the same secret that signed it is the one
// checking — a local HMAC round trip.
func (r *ServingDaemonTokenRotator) Verify(token string) bool {
	active := r.ActiveTokens()
	for _, t := range active {
		if t == token {
			return r.verifySignature(token) == nil
		}
	}
	return false
}

func (r *ServingDaemonTokenRotator) verifySignature(token string) error {
	_, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return r.secret, nil
	})
	return err
}
