package identity

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/wheretheplow/plowfleet/pkg/clock"
)

// Request headers carrying agent credentials
const (
	HeaderAgentID   = "X-Agent-Id"
	HeaderTimestamp = "X-Agent-Ts"
	HeaderSignature = "X-Agent-Sig"
)

// DefaultMaxSkew is the accepted distance between a request timestamp and
// the server clock.
const DefaultMaxSkew = 30 * time.Second

func digest(body []byte, timestamp string) []byte {
	h := sha256.New()
	h.Write(body)
	h.Write([]byte(timestamp))
	return h.Sum(nil)
}

// Sign returns base64(ASN.1 DER ECDSA signature) over SHA-256(body || timestamp)
func Sign(key *ecdsa.PrivateKey, body []byte, timestamp string) (string, error) {
	sig, err := ecdsa.SignASN1(rand.Reader, key, digest(body, timestamp))
	if err != nil {
		return "", fmt.Errorf("failed to sign: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// VerifySignature checks a signature produced by Sign. Freshness is not
// checked here.
func VerifySignature(pub *ecdsa.PublicKey, body []byte, timestamp, signature string) error {
	raw, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("%w: signature is not base64", ErrBadSignature)
	}
	if !ecdsa.VerifyASN1(pub, digest(body, timestamp), raw) {
		return ErrBadSignature
	}
	return nil
}

// Credentials are the signature headers extracted from a request
type Credentials struct {
	AgentID   string
	Timestamp string
	Signature string
}

// CredentialsFromHeaders extracts the three agent headers
func CredentialsFromHeaders(h http.Header) (Credentials, error) {
	creds := Credentials{
		AgentID:   h.Get(HeaderAgentID),
		Timestamp: h.Get(HeaderTimestamp),
		Signature: h.Get(HeaderSignature),
	}
	if creds.AgentID == "" || creds.Timestamp == "" || creds.Signature == "" {
		return Credentials{}, ErrMissingCredentials
	}
	return creds, nil
}

// Signer attaches signature headers to outbound requests
type Signer struct {
	keys  *KeyPair
	clock clock.Clock
}

// NewSigner creates a signer for the given identity
func NewSigner(keys *KeyPair, clk clock.Clock) *Signer {
	if clk == nil {
		clk = clock.Real()
	}
	return &Signer{keys: keys, clock: clk}
}

// AgentID returns the signer's fingerprint
func (s *Signer) AgentID() string {
	return s.keys.ID
}

// SignHeaders computes the credential headers for body at the current time
func (s *Signer) SignHeaders(body []byte) (http.Header, error) {
	ts := strconv.FormatInt(s.clock.Now().Unix(), 10)
	sig, err := Sign(s.keys.PrivateKey, body, ts)
	if err != nil {
		return nil, err
	}
	h := make(http.Header)
	h.Set(HeaderAgentID, s.keys.ID)
	h.Set(HeaderTimestamp, ts)
	h.Set(HeaderSignature, sig)
	return h, nil
}

// SignRequest sets the credential headers on req
func (s *Signer) SignRequest(req *http.Request, body []byte) error {
	h, err := s.SignHeaders(body)
	if err != nil {
		return err
	}
	for k, v := range h {
		req.Header[k] = v
	}
	return nil
}

// Verifier checks freshness and signature of agent requests
type Verifier struct {
	maxSkew time.Duration
	clock   clock.Clock
}

// NewVerifier creates a verifier. A zero maxSkew uses DefaultMaxSkew.
func NewVerifier(maxSkew time.Duration, clk clock.Clock) *Verifier {
	if maxSkew <= 0 {
		maxSkew = DefaultMaxSkew
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Verifier{maxSkew: maxSkew, clock: clk}
}

// CheckFreshness rejects timestamps further than maxSkew from now
func (v *Verifier) CheckFreshness(timestamp string) error {
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ErrMalformedTimestamp
	}
	if ts <= 0 {
		return fmt.Errorf("%w: %d is not a unix time", ErrStaleTimestamp, ts)
	}
	// time.Time.Sub saturates instead of wrapping
	skew := v.clock.Now().Sub(time.Unix(ts, 0))
	if skew > v.maxSkew || skew < -v.maxSkew {
		return fmt.Errorf("%w: %s outside window", ErrStaleTimestamp, skew.Truncate(time.Second))
	}
	return nil
}

// Verify checks the credentials against body and the agent's public key PEM
func (v *Verifier) Verify(creds Credentials, body []byte, publicPEM []byte) error {
	if err := v.CheckFreshness(creds.Timestamp); err != nil {
		return err
	}
	pub, err := DecodePublicKey(publicPEM)
	if err != nil {
		return fmt.Errorf("%w: stored key unusable", ErrBadSignature)
	}
	return VerifySignature(pub, body, creds.Timestamp, creds.Signature)
}
