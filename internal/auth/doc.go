// Package auth provides authentication and authorisation for authcore.
//
// It implements a three-tier role model (basic → operator → admin) with:
//   - Argon2id password hashing, with legacy bcrypt hashes still accepted
//   - HS256 access/refresh token pairs with single-use refresh rotation
//   - Refresh-token families with reuse detection
//   - A revocation store (memory, SQLite or Postgres) with an atomic
//     check-and-set used by rotation
//   - A static, total role × resource → actions permission matrix
//
// Access tokens are stateless and never looked up in storage. Refresh tokens
// are tracked only through the revocation store: a token ID present there
// never verifies again, even while its signature and expiry are still valid.
package auth
