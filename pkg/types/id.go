package types

import "encoding/base64"

// ValidateID checks that id is a 43 character base64url content address.
func ValidateID(id string) error {
	if len(id) != IDLength {
		return Validationf("id %q must be %d characters", id, IDLength)
	}
	for i := 0; i < len(id); i++ {
		if !isBase64URL(id[i]) {
			return Validationf("id %q has invalid character %q", id, id[i])
		}
	}
	return nil
}

func isBase64URL(c byte) bool {
	return (c >= 'A' && c <= 'Z') ||
		(c >= 'a' && c <= 'z') ||
		(c >= '0' && c <= '9') ||
		c == '-' || c == '_'
}

// DecodeB64URL decodes unpadded base64url, tolerating padding.
func DecodeB64URL(s string) ([]byte, error) {
	for len(s) > 0 && s[len(s)-1] == '=' {
		s = s[:len(s)-1]
	}
	return base64.RawURLEncoding.DecodeString(s)
}

// EncodeB64URL encodes to unpadded base64url.
func EncodeB64URL(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}
