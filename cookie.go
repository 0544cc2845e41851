package cookiesession

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/url"
	"strings"
)

// ParseCookies parses a Cookie request header into name/value pairs.
//
// Segments are separated by ';'. Names and values are percent-decoded; a part that
// fails to decode is kept as is. Segments that carry no '=' or an empty name cannot be
// attributed to a cookie and are returned, trimmed, in malformed instead of aborting the
// parse. When a name appears more than once the first occurrence wins.
func ParseCookies(header string) (cookies map[string]string, malformed []string) {
	cookies = make(map[string]string)
	if header == "" {
		return cookies, nil
	}

	for segment := range strings.SplitSeq(header, ";") {
		segment = strings.TrimSpace(segment)
		if segment == "" {
			continue
		}

		name, value, ok := strings.Cut(segment, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			malformed = append(malformed, segment)
			continue
		}

		value = strings.TrimSpace(value)
		if len(value) >= 2 && value[0] == '"' && value[len(value)-1] == '"' {
			value = value[1 : len(value)-1]
		}

		name = unescape(name)
		if _, seen := cookies[name]; seen {
			continue
		}
		cookies[name] = unescape(value)
	}

	return cookies, malformed
}

func unescape(s string) string {
	if !strings.ContainsRune(s, '%') {
		return s
	}
	decoded, err := url.PathUnescape(s)
	if err != nil {
		return s
	}
	return decoded
}

// Sign returns value followed by '.' and the base64 HMAC-SHA256 of value keyed with secret.
func Sign(value, secret string) string {
	return value + "." + signature(value, secret)
}

// Unsign verifies a token produced by Sign and returns the original value.
// ok is false when the token is not signed or the signature does not match.
func Unsign(token, secret string) (value string, ok bool) {
	i := strings.LastIndexByte(token, '.')
	if i < 0 {
		return "", false
	}

	value = token[:i]
	expected := signature(value, secret)
	if !hmac.Equal([]byte(token[i+1:]), []byte(expected)) {
		return "", false
	}
	return value, true
}

// UnsignErr is Unsign for callers that prefer an error value.
func UnsignErr(token, secret string) (string, error) {
	value, ok := Unsign(token, secret)
	if !ok {
		return "", ErrInvalidSignature
	}
	return value, nil
}

func signature(value, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(value))
	return base64.RawStdEncoding.EncodeToString(mac.Sum(nil))
}
