package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/matryer/is"
)

func TestChecksum(t *testing.T) {
	t.Run("matches the true digest", func(t *testing.T) {
		is := is.New(t)
		path := filepath.Join(t.TempDir(), "payload.bin")
		content := []byte("neopro edge agent payload")
		is.NoErr(os.WriteFile(path, content, 0o644))

		sum := sha256.Sum256(content)
		is.NoErr(VerifyFileChecksum(path, hex.EncodeToString(sum[:])))
	})

	t.Run("uppercase hex accepted", func(t *testing.T) {
		is := is.New(t)
		path := filepath.Join(t.TempDir(), "payload.bin")
		content := []byte("abc")
		is.NoErr(os.WriteFile(path, content, 0o644))

		sum := sha256.Sum256(content)
		upper := strings.ToUpper(hex.EncodeToString(sum[:]))
		is.NoErr(VerifyFileChecksum(path, upper))
	})

	t.Run("any mutated byte fails verification", func(t *testing.T) {
		is := is.New(t)
		path := filepath.Join(t.TempDir(), "payload.bin")
		content := []byte("neopro edge agent payload")
		sum := sha256.Sum256(content)

		content[3] ^= 0xFF
		is.NoErr(os.WriteFile(path, content, 0o644))

		err := VerifyFileChecksum(path, hex.EncodeToString(sum[:]))
		is.True(err != nil)
	})
}

func TestGenerateRandomString(t *testing.T) {
	is := is.New(t)
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		s, err := GenerateRandomString(6)
		is.NoErr(err)
		is.Equal(len(s), 8) // 6 bytes, base64
		is.True(!seen[s])
		seen[s] = true
	}
}

func TestDeriveWPAPSK(t *testing.T) {
	is := is.New(t)
	// Reference vector from IEEE 802.11i annex: PSK("password", "IEEE").
	psk := DeriveWPAPSK("IEEE", "password")
	is.Equal(psk, "f42c6fc52df0ebef9ebb4b90b38a5f902e83fe1b135a70e23aed762e9710a12e")
}
