package utils

import "golang.org/x/crypto/bcrypt"

// HashDeviceToken hashes a terminal's enrollment secret for the server-side registry.
func HashDeviceToken(s string) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(s), bcrypt.DefaultCost)
}

func CompareDeviceToken(hashed string, normal string) error {
	return bcrypt.CompareHashAndPassword([]byte(hashed), []byte(normal))
}
