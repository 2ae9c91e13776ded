package utils

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// confirmationAlphabet omits characters that are easy to misread (0/O, 1/I/L)
const confirmationAlphabet = "23456789ABCDEFGHJKMNPQRSTUVWXYZ"

// GenerateSecret generates a cryptographically secure random secret
func GenerateSecret(bytes int) (string, error) {
	b := make([]byte, bytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// GenerateServiceSecrets generates the JWT signing secret and the webhook signing secret
func GenerateServiceSecrets() (jwtSecret, webhookSecret string, err error) {
	jwtSecret, err = GenerateSecret(32) // 256-bit
	if err != nil {
		return "", "", fmt.Errorf("failed to generate jwt secret: %w", err)
	}

	webhookSecret, err = GenerateSecret(32) // 256-bit
	if err != nil {
		return "", "", fmt.Errorf("failed to generate webhook secret: %w", err)
	}

	return jwtSecret, webhookSecret, nil
}

// GenerateConfirmationCode returns a human-shareable code like "BK-7KQ2M9XD"
func GenerateConfirmationCode() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate confirmation code: %w", err)
	}
	code := make([]byte, len(b))
	for i, v := range b {
		code[i] = confirmationAlphabet[int(v)%len(confirmationAlphabet)]
	}
	return "BK-" + string(code), nil
}
