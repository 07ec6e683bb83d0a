package fieldcrypt

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// envelopePrefix marks a value as a securecore ciphertext envelope. Values
// without the prefix are plaintext passthrough for unclassified fields.
const envelopePrefix = "$sc1$"

// Envelope is the wire form of an encrypted field value. The string encoding
// is deterministic so deterministic-mode ciphertexts stay byte-comparable.
type Envelope struct {
	Algorithm  string
	KeyName    string
	KeyVersion int
	IV         []byte
	Ciphertext []byte
}

// String encodes the envelope as
// $sc1$<algorithm>$<key name>$<key version>$<iv b64>$<ciphertext b64>.
func (e *Envelope) String() string {
	return envelopePrefix + strings.Join([]string{
		e.Algorithm,
		e.KeyName,
		strconv.Itoa(e.KeyVersion),
		base64.RawStdEncoding.EncodeToString(e.IV),
		base64.RawStdEncoding.EncodeToString(e.Ciphertext),
	}, "$")
}

// IsEnvelope reports whether the value carries the envelope prefix.
func IsEnvelope(value string) bool {
	return strings.HasPrefix(value, envelopePrefix)
}

// ParseEnvelope decodes an envelope string produced by Envelope.String.
func ParseEnvelope(value string) (*Envelope, error) {
	if !IsEnvelope(value) {
		return nil, errors.New("value is not a ciphertext envelope")
	}
	parts := strings.Split(strings.TrimPrefix(value, envelopePrefix), "$")
	if len(parts) != 5 {
		return nil, errors.New("malformed ciphertext envelope")
	}

	version, err := strconv.Atoi(parts[2])
	if err != nil {
		return nil, fmt.Errorf("malformed key version in envelope: %w", err)
	}
	iv, err := base64.RawStdEncoding.DecodeString(parts[3])
	if err != nil {
		return nil, fmt.Errorf("malformed IV in envelope: %w", err)
	}
	ciphertext, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return nil, fmt.Errorf("malformed ciphertext in envelope: %w", err)
	}

	return &Envelope{
		Algorithm:  parts[0],
		KeyName:    parts[1],
		KeyVersion: version,
		IV:         iv,
		Ciphertext: ciphertext,
	}, nil
}
