// Package canon implements the canonical JSON serialization and the
// content-derived event ID hash that every lane's envelope is keyed by.
//
// Canonicalization follows the RFC 8785-compatible contract: object keys
// sorted byte-wise at every nesting level, no insignificant whitespace,
// UTF-8 throughout, and numbers in their shortest round-tripping decimal
// form. This is the producer contract for event-ID hashing: any two
// payloads that canonicalize to the same bytes hash to the same event ID.
package canon

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
)

// idPrefix is the fixed domain-separation tag in the event ID hash input.
const idPrefix = "eidV1"

// Canonicalize serializes v into the canonical JSON byte form used for
// hashing and for byte-identical comparisons across producers. v must be
// JSON-marshalable; maps, slices, structs (via their JSON tags), and
// scalars are all accepted.
func Canonicalize(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canon: value is not JSON-serializable: %w", err)
	}

	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()

	var generic any
	if err := decoder.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canon: failed to re-decode for canonicalization: %w", err)
	}

	var buf bytes.Buffer
	if err := writeCanonical(&buf, generic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// CanonicalizeRaw wraps pre-marshaled JSON bytes (e.g. a payload already
// received as JSON on the wire) into canonical form without an intermediate
// Go value round trip through the caller.
func CanonicalizeRaw(jsonBytes []byte) ([]byte, error) {
	var generic any
	decoder := json.NewDecoder(bytes.NewReader(jsonBytes))
	decoder.UseNumber()
	if err := decoder.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canon: invalid JSON payload: %w", err)
	}

	var buf bytes.Buffer
	if err := writeCanonical(&buf, generic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		formatted, err := canonicalNumber(val)
		if err != nil {
			return err
		}
		buf.WriteString(formatted)
	case string:
		writeCanonicalString(buf, val)
	case []any:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeCanonicalString(buf, k)
			buf.WriteByte(':')
			if err := writeCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("canon: unsupported value type %T", v)
	}
	return nil
}

// writeCanonicalString re-marshals a string through encoding/json so escaping
// (including non-ASCII passthrough as UTF-8, per the canonical contract)
// matches the standard library's JSON string grammar exactly.
func writeCanonicalString(buf *bytes.Buffer, s string) {
	b, _ := json.Marshal(s)
	buf.Write(b)
}

// canonicalNumber reformats a decoded JSON number into RFC 8785's shortest
// round-tripping decimal form. Integral values that fit in int64 are
// rendered without a decimal point or exponent; everything else goes
// through float64's shortest digits, written in plain decimal notation
// for magnitudes in [1e-6, 1e21) and in exponent notation (no exponent
// zero-padding, e.g. "1e-7", "1e+21") outside that range.
func canonicalNumber(n json.Number) (string, error) {
	if i, err := n.Int64(); err == nil {
		return strconv.FormatInt(i, 10), nil
	}

	f, err := n.Float64()
	if err != nil {
		return "", fmt.Errorf("canon: invalid number %q: %w", n.String(), err)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "", fmt.Errorf("canon: non-finite number %q is not serializable", n.String())
	}

	format := byte('f')
	if abs := math.Abs(f); abs != 0 && (abs < 1e-6 || abs >= 1e21) {
		format = 'e'
	}
	s := strconv.FormatFloat(f, format, -1, 64)
	if format == 'e' {
		// Drop the single-digit exponent's zero padding: "1e-07" -> "1e-7".
		n := len(s)
		if n >= 4 && s[n-4] == 'e' && s[n-3] == '-' && s[n-2] == '0' {
			s = s[:n-2] + s[n-1:]
		}
	}
	return s, nil
}

// ComputeEventID computes the content-derived event ID hash:
//
//	SHA-256("eidV1" || scopeId || lane || systemId || "|" || containerId || "|" || uniqueId || sourceTruthTime || canonicalPayload)
//
// canonicalPayload is the raw frame bytes for the raw lane, or the output
// of Canonicalize/CanonicalizeRaw for every other lane. The result is the
// lowercase hex encoding of the digest.
func ComputeEventID(scopeID, lane, systemID, containerID, uniqueID, sourceTruthTime string, canonicalPayload []byte) string {
	h := sha256.New()
	h.Write([]byte(idPrefix))
	h.Write([]byte(scopeID))
	h.Write([]byte(lane))
	h.Write([]byte(systemID))
	h.Write([]byte("|"))
	h.Write([]byte(containerID))
	h.Write([]byte("|"))
	h.Write([]byte(uniqueID))
	h.Write([]byte(sourceTruthTime))
	h.Write(canonicalPayload)
	return fmt.Sprintf("%x", h.Sum(nil))
}
