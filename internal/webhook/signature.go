package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/cuongbtq/avatar-render/internal/domain"
)

// Verifier checks hex HMAC-SHA256 signatures over the raw request body
type Verifier struct {
	secret []byte
}

// NewVerifier creates a Verifier for a shared secret
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Sign returns the hex signature of body
func (v *Verifier) Sign(body []byte) string {
	mac := hmac.New(sha256.New, v.secret)
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify compares signature against the body in constant time. A
// "sha256=" prefix on the signature is accepted.
func (v *Verifier) Verify(body []byte, signature string) error {
	if len(v.secret) == 0 {
		return fmt.Errorf("%w: no secret configured", domain.ErrInvalidSignature)
	}

	sigHex := strings.TrimPrefix(strings.TrimSpace(signature), "sha256=")
	if sigHex == "" {
		return fmt.Errorf("%w: missing signature", domain.ErrInvalidSignature)
	}
	provided, err := hex.DecodeString(sigHex)
	if err != nil {
		return fmt.Errorf("%w: signature is not hex", domain.ErrInvalidSignature)
	}

	mac := hmac.New(sha256.New, v.secret)
	_, _ = mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), provided) {
		return domain.ErrInvalidSignature
	}
	return nil
}

func payloadDigest(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
