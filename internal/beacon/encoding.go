package beacon

import (
	"math"
	"strconv"
	"strings"
	"unicode/utf8"
)

const upperHex = "0123456789ABCDEF"

// PercentEncode encodes s per RFC 3986, keeping only unreserved
// characters literal. Bytes listed in reserved are encoded as well.
func PercentEncode(s string, reserved ...byte) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isUnreserved(c) && !isReserved(c, reserved) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(upperHex[c>>4])
		b.WriteByte(upperHex[c&0x0F])
	}
	return b.String()
}

// encodeValue encodes a record value; '_' is reserved because it
// separates the fields of a web request tag.
func encodeValue(s string) string {
	return PercentEncode(s, '_')
}

func isUnreserved(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	case c == '-', c == '.', c == '_', c == '~':
		return true
	}
	return false
}

func isReserved(c byte, reserved []byte) bool {
	for _, r := range reserved {
		if c == r {
			return true
		}
	}
	return false
}

// truncate shortens name to at most MaxNameLength characters without
// splitting a multi-byte rune.
func truncate(name string) string {
	if utf8.RuneCountInString(name) <= MaxNameLength {
		return name
	}
	runes := []rune(name)
	return string(runes[:MaxNameLength])
}

// formatDouble renders v without exponent and independent of locale.
// Non-finite values cannot be represented and report false.
func formatDouble(v float64) (string, bool) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return "", false
	}
	return strconv.FormatFloat(v, 'f', -1, 64), true
}

// recordBuilder appends key=value pairs joined by '&'.
type recordBuilder struct {
	b strings.Builder
}

func (r *recordBuilder) addString(key, value string) {
	if r.b.Len() > 0 {
		r.b.WriteString(recordDelimiter)
	}
	r.b.WriteString(key)
	r.b.WriteString(keyValueDelimiter)
	r.b.WriteString(encodeValue(value))
}

// addStringIfNotEmpty skips empty values, the backend treats a missing
// key and an empty value alike.
func (r *recordBuilder) addStringIfNotEmpty(key, value string) {
	if value != "" {
		r.addString(key, value)
	}
}

func (r *recordBuilder) addInt(key string, value int64) {
	if r.b.Len() > 0 {
		r.b.WriteString(recordDelimiter)
	}
	r.b.WriteString(key)
	r.b.WriteString(keyValueDelimiter)
	r.b.WriteString(strconv.FormatInt(value, 10))
}

func (r *recordBuilder) addRaw(key, formatted string) {
	if r.b.Len() > 0 {
		r.b.WriteString(recordDelimiter)
	}
	r.b.WriteString(key)
	r.b.WriteString(keyValueDelimiter)
	r.b.WriteString(formatted)
}

func (r *recordBuilder) String() string {
	return r.b.String()
}
