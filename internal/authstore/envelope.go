// ABOUTME: Versioned text envelope for channel credential values
// ABOUTME: One codec turns tagged binary payloads into storable strings and back

package authstore

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedEnvelope is returned when a stored value cannot be decoded.
var ErrMalformedEnvelope = errors.New("malformed auth envelope")

// envelopeVersion is the only version written. Decode rejects others.
const envelopeVersion = "v1"

// Kind tags what the payload bytes represent.
type Kind byte

const (
	KindBytes  Kind = 'b'
	KindString Kind = 's'
	KindJSON   Kind = 'j'
)

func (k Kind) valid() bool {
	return k == KindBytes || k == KindString || k == KindJSON
}

// Envelope is a decoded stored value.
type Envelope struct {
	Kind    Kind
	Payload []byte
}

// Encode renders e as "v1:<kind>:<base64 payload>".
func Encode(e Envelope) (string, error) {
	if !e.Kind.valid() {
		return "", fmt.Errorf("%w: unknown kind %q", ErrMalformedEnvelope, e.Kind)
	}
	var b strings.Builder
	b.WriteString(envelopeVersion)
	b.WriteByte(':')
	b.WriteByte(byte(e.Kind))
	b.WriteByte(':')
	b.WriteString(base64.StdEncoding.EncodeToString(e.Payload))
	return b.String(), nil
}

// Decode parses a value produced by Encode.
func Decode(s string) (Envelope, error) {
	version, rest, ok := strings.Cut(s, ":")
	if !ok {
		return Envelope{}, fmt.Errorf("%w: missing version", ErrMalformedEnvelope)
	}
	if version != envelopeVersion {
		return Envelope{}, fmt.Errorf("%w: unsupported version %q", ErrMalformedEnvelope, version)
	}
	kind, data, ok := strings.Cut(rest, ":")
	if !ok || len(kind) != 1 || !Kind(kind[0]).valid() {
		return Envelope{}, fmt.Errorf("%w: bad kind tag", ErrMalformedEnvelope)
	}
	payload, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return Envelope{Kind: Kind(kind[0]), Payload: payload}, nil
}
