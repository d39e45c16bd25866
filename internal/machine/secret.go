package machine

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
)

// minSecretLen is 16: below this the keyed hash still works but the
// deployment is flagged as forgeable.
const minSecretLen = 16

// secretDigestLen is 32 hex characters of the HMAC-SHA256 digest, enough to
// make guessing infeasible while keeping tokens typable.
const secretDigestLen = 32

// SecretDeriver produces per-instance verification tokens from a keyed hash.
// Derivation is deterministic over (contest, challenge, owner), so the judge
// can recompute the expected token without a storage lookup.
type SecretDeriver struct {
	key []byte
}

// NewSecretDeriver creates a deriver keyed with the server-wide secret.
// A secret shorter than 16 bytes is accepted but logged once as weak.
func NewSecretDeriver(secret string) *SecretDeriver {
	if len(secret) < minSecretLen {
		slog.Warn("dynamic secret key is shorter than 16 bytes; tokens may be forgeable, set a high-entropy value",
			"length", len(secret))
	}
	return &SecretDeriver{key: []byte(secret)}
}

// Derive builds the wrapped token for one instance identity:
// prefix{hex(HMAC-SHA256(key, contest:challenge:owner:salt))[:32]}.
// salt is the challenge's own secret material, so two challenges sharing an
// owner never share a token even under the same prefix.
func (d *SecretDeriver) Derive(prefix, contest, challenge, owner, salt string) string {
	mac := hmac.New(sha256.New, d.key)
	_, _ = io.WriteString(mac, contest+":"+challenge+":"+owner+":"+salt)
	digest := hex.EncodeToString(mac.Sum(nil))[:secretDigestLen]
	return prefix + "{" + digest + "}"
}

// Verify recomputes the expected token and compares in constant time.
func (d *SecretDeriver) Verify(submitted, prefix, contest, challenge, owner, salt string) bool {
	expected := d.Derive(prefix, contest, challenge, owner, salt)
	return hmac.Equal([]byte(submitted), []byte(expected))
}
