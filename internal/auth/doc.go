// Package auth guards the operations API with HS256 JWT bearer tokens.
//
// Tokens are minted with `deepbot token` (or JWTVerifier.Generate) using
// auth.jwt_secret, and carry the issuer "deepbot" and audience
// "deepbot-ops". When no secret is configured the middleware is a no-op.
//
//	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
//	router.Use(auth.Middleware(verifier, logger))
//
// Handlers read the caller with SubjectFromContext.
package auth
