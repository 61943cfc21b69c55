package protocol

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// MaxClockSkew is the replay window: a signed command whose timestamp is
// further than this from the receiver's clock is rejected.
const MaxClockSkew = 5 * time.Minute

// NonceBytes is the entropy carried by each command nonce.
const NonceBytes = 16

// NewNonce returns a fresh hex-encoded nonce.
func NewNonce() (string, error) {
	buf := make([]byte, NonceBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// canonicalBytes produces the exact byte sequence covered by a command
// signature: a JSON object with keys in the fixed order
// type, payload, timestamp, nonce. The payload is embedded as compacted
// raw bytes so that signer and verifier never re-serialize parsed values.
func canonicalBytes(frameType string, payload json.RawMessage, timestamp int64, nonce string) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(`{"type":`)
	typeJSON, err := json.Marshal(frameType)
	if err != nil {
		return nil, err
	}
	buf.Write(typeJSON)
	buf.WriteString(`,"payload":`)
	if len(payload) == 0 {
		buf.WriteString("null")
	} else {
		var compact bytes.Buffer
		if err := json.Compact(&compact, payload); err != nil {
			return nil, fmt.Errorf("payload is not valid JSON: %w", err)
		}
		buf.Write(compact.Bytes())
	}
	buf.WriteString(`,"timestamp":`)
	buf.WriteString(strconv.FormatInt(timestamp, 10))
	buf.WriteString(`,"nonce":`)
	nonceJSON, err := json.Marshal(nonce)
	if err != nil {
		return nil, err
	}
	buf.Write(nonceJSON)
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// SignEnvelope stamps the envelope with the current time and a fresh nonce,
// then signs the canonical form with the orchestrator private key.
func SignEnvelope(priv ed25519.PrivateKey, env *Envelope) error {
	nonce, err := NewNonce()
	if err != nil {
		return err
	}
	env.Timestamp = time.Now().UnixMilli()
	env.Nonce = nonce
	canonical, err := canonicalBytes(env.Type, env.Payload, env.Timestamp, env.Nonce)
	if err != nil {
		return err
	}
	env.Signature = base64.StdEncoding.EncodeToString(ed25519.Sign(priv, canonical))
	return nil
}

// VerifyEnvelope checks the envelope signature against pub. It does not
// check freshness or nonce reuse; those belong to the receiver's verifier.
func VerifyEnvelope(pub ed25519.PublicKey, env *Envelope) error {
	if env.Signature == "" {
		return fmt.Errorf("envelope is unsigned")
	}
	sig, err := base64.StdEncoding.DecodeString(env.Signature)
	if err != nil {
		return fmt.Errorf("malformed signature: %w", err)
	}
	canonical, err := canonicalBytes(env.Type, env.Payload, env.Timestamp, env.Nonce)
	if err != nil {
		return err
	}
	if !ed25519.Verify(pub, canonical, sig) {
		return fmt.Errorf("signature verification failed")
	}
	return nil
}

// SignChallenge signs a handshake challenge nonce with the agent key.
func SignChallenge(priv ed25519.PrivateKey, nonce string) string {
	return base64.StdEncoding.EncodeToString(ed25519.Sign(priv, []byte(nonce)))
}

// VerifyChallenge checks a handshake response against the node public key.
func VerifyChallenge(pub ed25519.PublicKey, nonce, signature string) bool {
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	return ed25519.Verify(pub, []byte(nonce), sig)
}
