package device

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// sigBaseSuffix is the tail of the Bluetooth SIG base UUID (xxxxxxxx-0000-1000-8000-00805f9b34fb).
const sigBaseSuffix = "-0000-1000-8000-00805f9b34fb"

// Canonicalize converts a service or characteristic identifier into its canonical
// 128-bit form: lowercase, dashed.
//
// Accepted inputs:
//   - 16-bit short form, with or without 0x prefix ("180D", "0x180d")
//   - 32-bit short form ("0000180D")
//   - full UUID, dashed or not ("0000180D-0000-1000-8000-00805F9B34FB")
//
// Anything else (braces, urn: prefix, wrong length, non-hex) fails with ErrInvalidIdentifier.
func Canonicalize(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", &IdentifierError{Raw: raw, Reason: "empty"}
	}

	hasPrefix := strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X")
	if hasPrefix {
		s = s[2:]
	}

	switch len(s) {
	case 4, 8:
		if !isHex(s) {
			return "", &IdentifierError{Raw: raw, Reason: "non-hex characters"}
		}
		return strings.Repeat("0", 8-len(s)) + strings.ToLower(s) + sigBaseSuffix, nil
	case 32, 36:
		if hasPrefix {
			return "", &IdentifierError{Raw: raw, Reason: "0x prefix is only valid for short forms"}
		}
		u, err := uuid.Parse(s)
		if err != nil {
			return "", &IdentifierError{Raw: raw, Reason: err.Error()}
		}
		return u.String(), nil
	default:
		return "", &IdentifierError{Raw: raw, Reason: fmt.Sprintf("unexpected length %d", len(s))}
	}
}

// CanonicalizeShort expands a 16-bit assigned number into the SIG base UUID.
func CanonicalizeShort(code uint16) string {
	return fmt.Sprintf("%08x", uint32(code)) + sigBaseSuffix
}

// CanonicalizeValue accepts either a string identifier or an integer 16-bit code.
// Callers decoding loosely typed input (JSON numbers, YAML ints) can pass the value through as-is.
func CanonicalizeValue(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return Canonicalize(t)
	case uint16:
		return CanonicalizeShort(t), nil
	case int:
		return canonicalizeInt(int64(t), v)
	case int64:
		return canonicalizeInt(t, v)
	case uint32:
		return canonicalizeInt(int64(t), v)
	case float64:
		if t != float64(int64(t)) {
			return "", &IdentifierError{Raw: fmt.Sprint(v), Reason: "not an integer"}
		}
		return canonicalizeInt(int64(t), v)
	case nil:
		return "", &IdentifierError{Raw: "", Reason: "empty"}
	default:
		return "", &IdentifierError{Raw: fmt.Sprint(v), Reason: fmt.Sprintf("unsupported type %T", v)}
	}
}

func canonicalizeInt(n int64, raw any) (string, error) {
	if n < 0 || n > 0xFFFF {
		return "", &IdentifierError{Raw: fmt.Sprint(raw), Reason: "out of 16-bit range"}
	}
	return CanonicalizeShort(uint16(n)), nil
}

// CanonicalizeAll canonicalizes every identifier, failing on the first invalid one.
func CanonicalizeAll(raws []string) ([]string, error) {
	if len(raws) == 0 {
		return nil, nil
	}
	result := make([]string, 0, len(raws))
	for i, raw := range raws {
		id, err := Canonicalize(raw)
		if err != nil {
			return nil, fmt.Errorf("identifier at index %d: %w", i, err)
		}
		result = append(result, id)
	}
	return result, nil
}

// ShortCode returns the 16-bit assigned number of a canonical id on the SIG base.
func ShortCode(id string) (uint16, bool) {
	if len(id) != 36 || !strings.HasSuffix(id, sigBaseSuffix) || !strings.HasPrefix(id, "0000") {
		return 0, false
	}
	n, err := strconv.ParseUint(id[4:8], 16, 16)
	if err != nil {
		return 0, false
	}
	return uint16(n), true
}

// ShortenUUID returns a compact form of a canonical id for display purposes:
// the 4-digit assigned number for SIG ids, the first eight characters otherwise.
func ShortenUUID(id string) string {
	if code, ok := ShortCode(id); ok {
		return fmt.Sprintf("%04x", code)
	}
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func isHex(s string) bool {
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}
