// Package auth authenticates console operators.
//
// Operators and sectors are declared in configuration. A Directory indexes
// them and checks bcrypt password hashes at login:
//
//	dir, err := auth.NewDirectory(cfg.Operators, cfg.Sectors)
//	op, err := dir.Authenticate(username, password)
//
// A successful login yields an HS256 JWT whose "sub" claim carries the
// operator id. Every API request and WebSocket upgrade presents that token,
// either as "Authorization: Bearer <token>" or as a token query parameter:
//
//	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
//	token, err := verifier.Generate(op.ID, cfg.Auth.TokenTTL)
//
// HTTPAuthMiddleware verifies the token, resolves the operator through the
// directory and attaches an AuthContext to the request context.
// RequireAdminHTTP gates channel administration on the admin role.
package auth
