// Package lifecycle implements license state transitions. Every operation is
// a single composite transaction: subscription row, license row, audit entry,
// and outbound events commit together or not at all.
package lifecycle

import (
	"crypto/rand"
	"fmt"
	"strings"
)

// keyAlphabet excludes ambiguous characters (0/O, 1/I/L) since keys are
// read over the phone to support staff.
const keyAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

const keyVersion = "V2"

// GenerateKey creates a license key for the given plan tier. The tier is
// encoded in the key: terminal quota and feature entitlements hang off the
// tier segment, which is why tier changes reissue the key while billing-cycle
// changes reuse it.
func GenerateKey(tier string) (string, error) {
	groups := make([]string, 2)
	for i := range groups {
		g, err := randomGroup(8)
		if err != nil {
			return "", fmt.Errorf("generate license key: %w", err)
		}
		groups[i] = g
	}
	return fmt.Sprintf("AUR-%s-%s-%s-%s", strings.ToUpper(tier), keyVersion, groups[0], groups[1]), nil
}

func randomGroup(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, n)
	for i, b := range buf {
		out[i] = keyAlphabet[int(b)%len(keyAlphabet)]
	}
	return string(out), nil
}

// TierFromKey extracts the tier segment from a license key. It returns an
// error for keys that do not match the expected shape.
func TierFromKey(key string) (string, error) {
	parts := strings.Split(key, "-")
	if len(parts) != 5 || parts[0] != "AUR" || parts[2] != keyVersion {
		return "", fmt.Errorf("malformed license key %q", key)
	}
	if parts[1] == "" {
		return "", fmt.Errorf("malformed license key %q: empty tier", key)
	}
	return parts[1], nil
}
