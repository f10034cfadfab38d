// Package auth implements the Hangar authorization core: capability-scoped
// bearer tokens and the token descriptor lifecycle.
//
// # Tokens
//
// Tokens are HS256-signed JWS compact serializations carrying the author
// id, the author's live session, an optional per-token session, a
// permission bitmask and optional per-capability package allowlists:
//
//	signer := auth.NewSigner(secret, sessions)
//	token, err := signer.Issue(auth.Claims{
//		AuthorID:    author.ID,
//		Session:     author.Session,
//		Permissions: auth.PermUploadVersionAnyPackage,
//	}, 24*time.Hour)
//
// Verification checks the signature, the absolute expiry and that the
// embedded sessions are still the author's current ones, so any password or
// email change invalidates every outstanding token at once.
//
// # Permissions
//
// Capabilities are bits in a fixed enum. Package-scoped capabilities come in
// an "any package" and a "specific packages" variant; the specific variant
// is only valid together with a non-empty allowlist carried in the token:
//
//	if !claims.PermitsPackage(auth.PermUploadVersionAnyPackage, pkgID) {
//		// 401
//	}
//
// The admin bit can never be granted through the token issue operation.
package auth
