package spec

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Hash computes the content hash of the spec over its canonical form.
// Canonical form is JSON with struct-ordered keys, so the hash is stable
// across YAML/JSON input and map iteration order.
func (p *ProtocolSpec) Hash() (string, error) {
	data, err := canonicalJSON(p)
	if err != nil {
		return "", fmt.Errorf("canonicalize spec: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func canonicalJSON(p *ProtocolSpec) ([]byte, error) {
	// Aux maps are the only unordered part; json.Marshal sorts map keys,
	// which is exactly the canonical ordering we want.
	return json.Marshal(p)
}

// Parse decodes a spec document from YAML (a strict superset of JSON) and
// refuses unknown fields so malformed documents fail planning instead of
// silently losing configuration.
func Parse(doc []byte) (*ProtocolSpec, error) {
	dec := yaml.NewDecoder(bytes.NewReader(doc))
	dec.KnownFields(true)

	var p ProtocolSpec
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("parse spec document: %w", err)
	}
	return &p, nil
}
