// Copyright 2025 Meridian Labs
// Licensed under the AGPLv3, see LICENCE file for details.

// Package settings maintains the cluster's index settings document: a
// single versioned JSON object in the config store holding raw values
// under fully-qualified dotted names, projected to and from the
// semantic values the rest of the control plane works with.
package settings

import (
	"encoding/json"

	"github.com/juju/errors"
)

// DocumentKey is the config store key the settings document lives
// under.
const DocumentKey = "index_settings"

// Document is the decoded settings document: raw wire-format values
// keyed by dotted name.
type Document map[string]interface{}

// DecodeDocument decodes the stored form of the settings document. A
// nil or empty raw value decodes to an empty document.
func DecodeDocument(raw []byte) (Document, error) {
	doc := make(Document)
	if len(raw) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, errors.Annotate(err, "decoding settings document")
	}
	return doc, nil
}

// Encode returns the stored form of the document. Go's JSON encoder
// writes map keys in sorted order, so equal documents always encode
// to identical bytes; the refresh path relies on that for its
// byte-identity short-circuit.
func (d Document) Encode() ([]byte, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, errors.Annotate(err, "encoding settings document")
	}
	return raw, nil
}

// intValue reads an integer raw value, tolerating the numeric types
// JSON decoding produces.
func (d Document) intValue(key string) (int64, bool) {
	value, ok := d[key]
	if !ok {
		return 0, false
	}
	switch n := value.(type) {
	case float64:
		return int64(n), true
	case int:
		return int64(n), true
	case int64:
		return n, true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return i, true
	}
	return 0, false
}

// stringValue reads a string raw value.
func (d Document) stringValue(key string) (string, bool) {
	value, ok := d[key]
	if !ok {
		return "", false
	}
	s, ok := value.(string)
	return s, ok
}

// boolValue reads a boolean raw value.
func (d Document) boolValue(key string) (bool, bool) {
	value, ok := d[key]
	if !ok {
		return false, false
	}
	b, ok := value.(bool)
	return b, ok
}
