package keys

import (
	"crypto/rsa"
	"encoding/base64"
	"fmt"
	"math/big"

	"github.com/robohub/actions-oidc/internal/types"
)

// encodeJWKPair exports both halves of an RSA key pair as JWKs. The
// public half carries the kid so it can be served in the JWKS as-is.
func encodeJWKPair(key *rsa.PrivateKey, kid string) (public types.JWK, private types.JWK) {
	key.Precompute()

	public = types.JWK{
		Kid: kid,
		Kty: "RSA",
		Alg: "RS256",
		Use: "sig",
		N:   encodeBigInt(key.N),
		E:   encodeBigInt(big.NewInt(int64(key.E))),
	}

	private = types.JWK{
		Kty: "RSA",
		Alg: "RS256",
		N:   encodeBigInt(key.N),
		E:   encodeBigInt(big.NewInt(int64(key.E))),
		D:   encodeBigInt(key.D),
		P:   encodeBigInt(key.Primes[0]),
		Q:   encodeBigInt(key.Primes[1]),
		DP:  encodeBigInt(key.Precomputed.Dp),
		DQ:  encodeBigInt(key.Precomputed.Dq),
		QI:  encodeBigInt(key.Precomputed.Qinv),
	}

	return public, private
}

// decodePrivateKey imports an RSA private key from its JWK form
func decodePrivateKey(jwk types.JWK) (*rsa.PrivateKey, error) {
	if jwk.Kty != "RSA" {
		return nil, fmt.Errorf("unsupported key type: %s", jwk.Kty)
	}

	n, err := decodeBigInt(jwk.N)
	if err != nil {
		return nil, fmt.Errorf("failed to decode n: %w", err)
	}
	e, err := decodeBigInt(jwk.E)
	if err != nil {
		return nil, fmt.Errorf("failed to decode e: %w", err)
	}
	d, err := decodeBigInt(jwk.D)
	if err != nil {
		return nil, fmt.Errorf("failed to decode d: %w", err)
	}
	p, err := decodeBigInt(jwk.P)
	if err != nil {
		return nil, fmt.Errorf("failed to decode p: %w", err)
	}
	q, err := decodeBigInt(jwk.Q)
	if err != nil {
		return nil, fmt.Errorf("failed to decode q: %w", err)
	}

	key := &rsa.PrivateKey{
		PublicKey: rsa.PublicKey{
			N: n,
			E: int(e.Int64()),
		},
		D:      d,
		Primes: []*big.Int{p, q},
	}
	key.Precompute()

	if err := key.Validate(); err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}

	return key, nil
}

func encodeBigInt(i *big.Int) string {
	return base64.RawURLEncoding.EncodeToString(i.Bytes())
}

func decodeBigInt(s string) (*big.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("missing value")
	}
	bytes, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(bytes), nil
}
