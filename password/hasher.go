package password

import (
	"errors"
	"strings"
)

// Algorithm names reported by [Identify].
const (
	AlgorithmArgon2id = "argon2id"
	AlgorithmBcrypt   = "bcrypt"
	AlgorithmPBKDF2   = "pbkdf2"
)

// DefaultMaxPasswordBytes bounds the input accepted by Hash and Verify when
// Config.MaxPasswordBytes is zero.
const DefaultMaxPasswordBytes = 1024

var (
	// ErrEmptyPassword is returned when hashing an empty password.
	ErrEmptyPassword = errors.New("password must not be empty")
	// ErrPasswordTooLong is returned when the input exceeds MaxPasswordBytes.
	ErrPasswordTooLong = errors.New("password exceeds maximum length")
	// ErrUnsupportedHash is returned for encodings no verifier recognizes.
	ErrUnsupportedHash = errors.New("unsupported password hash")
)

// Config holds the parameters of the current default algorithm (Argon2id).
type Config struct {
	Memory           uint32
	Time             uint32
	Parallelism      uint8
	SaltLength       uint32
	KeyLength        uint32
	MaxPasswordBytes int
}

// Hasher produces Argon2id hashes and verifies Argon2id, bcrypt and PBKDF2
// encodings. Anything other than Argon2id at the configured strength is
// reported by NeedsUpgrade so callers can rehash after a successful login.
//
// Hasher is immutable and safe for concurrent use.
type Hasher struct {
	config Config
}

// New validates cfg and returns a Hasher.
func New(cfg Config) (*Hasher, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	if cfg.MaxPasswordBytes <= 0 {
		cfg.MaxPasswordBytes = DefaultMaxPasswordBytes
	}
	return &Hasher{config: cfg}, nil
}

// Hash encodes password with the current default algorithm.
// Password bytes are used exactly as provided (no Unicode normalization).
func (h *Hasher) Hash(password string) (string, error) {
	if password == "" {
		return "", ErrEmptyPassword
	}
	if len(password) > h.config.MaxPasswordBytes {
		return "", ErrPasswordTooLong
	}
	return hashArgon2(password, h.config)
}

// Verify compares password with encodedHash using the algorithm the encoding
// names. A malformed or unsupported encoding is an error, not a mismatch.
func (h *Hasher) Verify(password, encodedHash string) (bool, error) {
	if len(password) > h.config.MaxPasswordBytes {
		return false, ErrPasswordTooLong
	}

	switch Identify(encodedHash) {
	case AlgorithmArgon2id:
		return verifyArgon2(password, encodedHash)
	case AlgorithmBcrypt:
		return verifyBcrypt(password, encodedHash)
	case AlgorithmPBKDF2:
		return verifyPBKDF2(password, encodedHash)
	default:
		return false, ErrUnsupportedHash
	}
}

// NeedsUpgrade reports whether encodedHash was produced by a superseded
// algorithm or with weaker Argon2id parameters than the current config.
func (h *Hasher) NeedsUpgrade(encodedHash string) (bool, error) {
	switch Identify(encodedHash) {
	case AlgorithmArgon2id:
		parsed, err := parsePHC(encodedHash)
		if err != nil {
			return false, err
		}
		return parsed.weakerThan(h.config), nil
	case AlgorithmBcrypt, AlgorithmPBKDF2:
		return true, nil
	default:
		return false, ErrUnsupportedHash
	}
}

// Identify returns the algorithm named by encodedHash, or "" when unknown.
func Identify(encodedHash string) string {
	switch {
	case strings.HasPrefix(encodedHash, "$argon2id$"):
		return AlgorithmArgon2id
	case strings.HasPrefix(encodedHash, "$2a$"),
		strings.HasPrefix(encodedHash, "$2b$"),
		strings.HasPrefix(encodedHash, "$2y$"):
		return AlgorithmBcrypt
	case strings.HasPrefix(encodedHash, "$pbkdf2-"):
		return AlgorithmPBKDF2
	default:
		return ""
	}
}
