package password

import (
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"errors"
	"hash"
	"strconv"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/pbkdf2"
)

// Legacy formats are verify-only. New hashes are always Argon2id.

func verifyBcrypt(password, encodedHash string) (bool, error) {
	err := bcrypt.CompareHashAndPassword([]byte(encodedHash), []byte(password))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword),
		errors.Is(err, bcrypt.ErrPasswordTooLong):
		return false, nil
	default:
		return false, err
	}
}

type parsedPBKDF2 struct {
	digest     func() hash.Hash
	iterations int
	salt       []byte
	hash       []byte
}

func verifyPBKDF2(password, encodedHash string) (bool, error) {
	parsed, err := parsePBKDF2(encodedHash)
	if err != nil {
		return false, err
	}

	computed := pbkdf2.Key([]byte(password), parsed.salt, parsed.iterations, len(parsed.hash), parsed.digest)
	return subtle.ConstantTimeCompare(computed, parsed.hash) == 1, nil
}

// parsePBKDF2 reads both the PHC layout
//
//	$pbkdf2-sha512$i=25000,l=64$<salt>$<hash>
//
// and the passlib layout with bare iterations and "." in place of "+":
//
//	$pbkdf2-sha256$29000$<salt>$<hash>
func parsePBKDF2(encodedHash string) (*parsedPBKDF2, error) {
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 5 || parts[0] != "" {
		return nil, errors.New("invalid pbkdf2 format")
	}

	var digest func() hash.Hash
	switch parts[1] {
	case "pbkdf2", "pbkdf2-sha1":
		digest = sha1.New
	case "pbkdf2-sha256":
		digest = sha256.New
	case "pbkdf2-sha512":
		digest = sha512.New
	default:
		return nil, ErrUnsupportedHash
	}

	iterations, err := parsePBKDF2Iterations(parts[2])
	if err != nil {
		return nil, err
	}

	salt, err := decodeB64(strings.ReplaceAll(parts[3], ".", "+"))
	if err != nil || len(salt) == 0 {
		return nil, errors.New("invalid pbkdf2 salt")
	}
	sum, err := decodeB64(strings.ReplaceAll(parts[4], ".", "+"))
	if err != nil || len(sum) == 0 {
		return nil, errors.New("invalid pbkdf2 hash")
	}

	return &parsedPBKDF2{
		digest:     digest,
		iterations: iterations,
		salt:       salt,
		hash:       sum,
	}, nil
}

func parsePBKDF2Iterations(part string) (int, error) {
	if n, err := strconv.Atoi(part); err == nil {
		if n < 1 {
			return 0, errors.New("invalid pbkdf2 iterations")
		}
		return n, nil
	}

	for _, pair := range strings.Split(part, ",") {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			return 0, errors.New("invalid pbkdf2 parameter entry")
		}
		if k != "i" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return 0, errors.New("invalid pbkdf2 iterations")
		}
		return n, nil
	}
	return 0, errors.New("missing pbkdf2 iterations")
}
