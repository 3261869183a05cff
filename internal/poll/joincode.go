package poll

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
)

const (
	JoinCodeLength   = 6
	joinCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	joinCodeAttempts = 10
)

// NewJoinCode returns a random code of JoinCodeLength characters from A-Z0-9.
func NewJoinCode() (string, error) {
	var sb strings.Builder
	sb.Grow(JoinCodeLength)
	max := big.NewInt(int64(len(joinCodeAlphabet)))
	for i := 0; i < JoinCodeLength; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		sb.WriteByte(joinCodeAlphabet[n.Int64()])
	}
	return sb.String(), nil
}

// GenerateJoinCode draws codes until taken reports one as free.
func GenerateJoinCode(ctx context.Context, taken func(ctx context.Context, code string) (bool, error)) (string, error) {
	for i := 0; i < joinCodeAttempts; i++ {
		code, err := NewJoinCode()
		if err != nil {
			return "", err
		}
		used, err := taken(ctx, code)
		if err != nil {
			return "", err
		}
		if !used {
			return code, nil
		}
	}
	return "", fmt.Errorf("generate join code: %w", ErrJoinCodeTaken)
}

func NormalizeJoinCode(s string) string { return strings.ToUpper(strings.TrimSpace(s)) }

func ValidJoinCode(s string) bool {
	if len(s) != JoinCodeLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		if strings.IndexByte(joinCodeAlphabet, s[i]) < 0 {
			return false
		}
	}
	return true
}
