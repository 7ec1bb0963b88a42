package hipaa

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/hkdf"
)

const blindIndexInfo = "referrals/patient-blind-index/v1"

// BlindIndexer computes deterministic keyed digests of normalised
// identifiers. Equal inputs give equal digests so encrypted columns can be
// matched with an indexed equality lookup.
type BlindIndexer struct {
	key []byte
}

// NewBlindIndexer derives the HMAC key from the PHI master key with HKDF so
// the encryption key itself is never used for hashing. Without a master key
// a fixed development key is derived and a warning logged.
func NewBlindIndexer(masterKeyHex string, logger zerolog.Logger) (*BlindIndexer, error) {
	var master []byte
	if masterKeyHex == "" {
		logger.Warn().Msg("blind index using development key: HIPAA_ENCRYPTION_KEY is not set")
		master = []byte("development-only-blind-index-key")
	} else {
		var err error
		if master, err = decodeKey(masterKeyHex); err != nil {
			return nil, err
		}
	}
	return newBlindIndexer(master)
}

func newBlindIndexer(master []byte) (*BlindIndexer, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, []byte(blindIndexInfo)), key); err != nil {
		return nil, fmt.Errorf("derive blind index key: %w", err)
	}
	return &BlindIndexer{key: key}, nil
}

// Index returns the hex digest for value, or "" for an empty value so that
// missing identifiers never collide.
func (b *BlindIndexer) Index(value string) string {
	if value == "" {
		return ""
	}
	mac := hmac.New(sha256.New, b.key)
	mac.Write([]byte(value))
	return hex.EncodeToString(mac.Sum(nil))
}
