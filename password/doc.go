// Package password implements password hashing and verification.
//
// # Output format
//
// New hashes are Argon2id encoded in PHC string format:
//
//	$argon2id$v=19$m=<memory>,t=<time>,p=<threads>$<salt>$<hash>
//
// Verification also accepts bcrypt ($2a$, $2b$, $2y$) and PBKDF2
// ($pbkdf2-sha1$, $pbkdf2-sha256$, $pbkdf2-sha512$) encodings carried over from
// older account stores. [Hasher.NeedsUpgrade] reports true for those and for
// Argon2id hashes produced with weaker parameters, so the caller can rehash on
// the next successful login.
//
// # What this package must NOT do
//
//   - Store or retrieve passwords; callers supply plaintext and receive hashes.
//   - Import any other mailauth package.
//   - Log plaintext passwords or hash parameters at runtime.
package password
