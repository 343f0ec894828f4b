// Package auth authenticates realtime clients.
//
// Clients present an HS256 JWT signed with the configured jwt_secret. The
// token's "sub" claim is the identity the connection acts as. Tokens are read
// from the Authorization header or, for browsers that cannot set headers on a
// websocket upgrade, from the "token" query parameter.
//
// Token errors:
//
//   - ErrMissingToken: no token on the request
//   - ErrInvalidToken: bad signature, algorithm or encoding
//   - ErrExpiredToken: exp claim in the past
//   - ErrMissingClaim: no sub or exp claim
package auth
