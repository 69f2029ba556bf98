package auth

import "crypto/subtle"

// VerifyEnrollmentToken compares an agent-supplied enrollment token against
// the fleet secret in constant time.
func VerifyEnrollmentToken(secret, presented string) bool {
	if secret == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(secret), []byte(presented)) == 1
}
