// Package crypto holds the agent's small cryptographic helpers: SHA-256
// file checksums for downloaded content, WPA2-PSK derivation for the local
// hotspot, and random identifiers.
package crypto

import (
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// ChecksumFile computes the hex-encoded SHA-256 of the file at path.
func ChecksumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open file for checksum: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash file: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// VerifyFileChecksum compares the file's SHA-256 against expected
// (case-insensitive hex). It returns an error describing the mismatch; the
// caller decides what to do with the corrupted file.
func VerifyFileChecksum(path, expected string) error {
	actual, err := ChecksumFile(path)
	if err != nil {
		return err
	}
	if !strings.EqualFold(actual, expected) {
		return fmt.Errorf("checksum mismatch: expected %s, got %s", expected, actual)
	}
	return nil
}

// DeriveWPAPSK derives the 256-bit WPA2 pre-shared key from an SSID and
// passphrase per IEEE 802.11i (PBKDF2-SHA1, 4096 rounds), hex encoded the
// way hostapd expects in wpa_psk.
func DeriveWPAPSK(ssid, passphrase string) string {
	key := pbkdf2.Key([]byte(passphrase), []byte(ssid), 4096, 32, sha1.New)
	return hex.EncodeToString(key)
}

// GenerateRandomBytes generates random bytes
func GenerateRandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

// GenerateRandomString generates a URL-safe random string
func GenerateRandomString(n int) (string, error) {
	bytes, err := GenerateRandomBytes(n)
	if err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(bytes), nil
}
