// Package auth guards the gateway's operator endpoints.
//
// Hook routes are unauthenticated: they are called by local tooling on
// every agent event. Operator reads such as the advisory lock snapshot
// require an HS256 JWT signed with auth.jwt_secret when one is configured:
//
//	verifier := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
//	mux.Handle("GET /api/advisory-locks", auth.HTTPAuthMiddleware(verifier)(h))
//
// Tokens carry the operator name in "sub", are issued by "headspace" and
// must expire. `headspace token` mints them.
package auth
