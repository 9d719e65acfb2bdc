package types

import (
	"encoding/json"

	"go.skia.org/rebaseline/go/skerr"
)

// TestName is the name of a rendering test, e.g. "aaclip".
type TestName string

// Digest is the hash of a rendered image.
type Digest string

// ResultType classifies one comparable unit.
type ResultType string

const (
	// SUCCEEDED means both sides have the same checksum.
	SUCCEEDED ResultType = "succeeded"
	// FAILED means both sides have a checksum and they differ.
	FAILED ResultType = "failed"
	// NO_COMPARISON means exactly one side has a checksum.
	NO_COMPARISON ResultType = "noComparison"
)

// AllResultTypes lists every ResultType, sorted.
var AllResultTypes = []ResultType{FAILED, NO_COMPARISON, SUCCEEDED}

// ResultTypeStrings returns AllResultTypes as strings.
func ResultTypeStrings() []string {
	ret := make([]string, 0, len(AllResultTypes))
	for _, r := range AllResultTypes {
		ret = append(ret, string(r))
	}
	return ret
}

// Checksum identifies rendered image contents, e.g. {"bitmap-64bitMD5", "1234"}.
// It serializes as [hashType, hashDigest].
type Checksum struct {
	HashType   string
	HashDigest Digest
}

func (c Checksum) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{c.HashType, c.HashDigest})
}

// UnmarshalJSON accepts a two element array of a string and a string or a
// number.
func (c *Checksum) UnmarshalJSON(b []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(b, &parts); err != nil {
		return skerr.Wrapf(err, "checksum must be an array")
	}
	if len(parts) != 2 {
		return skerr.Fmt("checksum must have 2 elements, found %d", len(parts))
	}
	var hashType string
	if err := json.Unmarshal(parts[0], &hashType); err != nil {
		return skerr.Wrapf(err, "checksum hash type must be a string")
	}
	digest, err := ParseDigest(parts[1])
	if err != nil {
		return err
	}
	if hashType == "" || digest == "" {
		return skerr.Fmt("checksum has empty fields: %s", string(b))
	}
	c.HashType = hashType
	c.HashDigest = digest
	return nil
}

// ParseDigest parses a JSON string or number as a Digest. Older manifests
// wrote integer digests, which are kept exactly as written.
func ParseDigest(raw json.RawMessage) (Digest, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return Digest(s), nil
	}
	var num json.Number
	if err := json.Unmarshal(raw, &num); err != nil {
		return "", skerr.Fmt("digest must be a string or number: %s", string(raw))
	}
	return Digest(num.String()), nil
}

func (c Checksum) String() string {
	return c.HashType + ":" + string(c.HashDigest)
}

// Classify derives the ResultType from the two optional checksums. It returns
// an error if neither is present.
func Classify(a, b *Checksum) (ResultType, error) {
	switch {
	case a == nil && b == nil:
		return "", skerr.Fmt("no checksum on either side")
	case a == nil || b == nil:
		return NO_COMPARISON, nil
	case *a == *b:
		return SUCCEEDED, nil
	default:
		return FAILED, nil
	}
}
