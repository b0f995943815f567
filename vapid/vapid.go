// Copyright 2021-2022 The httpmq Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package vapid

import (
	"bytes"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"net/url"
	"strings"
	"time"

	"github.com/alwitt/httpush/common"
	"github.com/apex/log"
	"github.com/golang-jwt/jwt/v5"
	lru "github.com/hashicorp/golang-lru/v2"
)

// ErrorKind why a VAPID credential was rejected
type ErrorKind string

// VAPID rejection kinds
const (
	KindExpired           ErrorKind = "expired"
	KindMalformed         ErrorKind = "malformed"
	KindSignatureMismatch ErrorKind = "signature_mismatch"
	KindMissingClaim      ErrorKind = "missing_claim"
)

// Error a rejected VAPID credential. Matches common.ErrUnauthorized.
type Error struct {
	Kind   ErrorKind
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("vapid %s: %s", e.Kind, e.Reason)
}

// Unwrap all VAPID rejections are authorization failures
func (e *Error) Unwrap() error {
	return common.ErrUnauthorized
}

func reject(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// Credential the VAPID material presented with a send request
type Credential struct {
	// Token is the signed JWT
	Token string
	// PublicKey is the base64url uncompressed P-256 application server key
	PublicKey string
}

// Claims the verified claims of a credential
type Claims struct {
	Audience string
	Subject  string
	Expiry   time.Time
}

// ParseHeaders extract a Credential from the Authorization and Crypto-Key headers.
// Both the "vapid t=..,k=.." scheme and the older "WebPush <jwt>" with
// "Crypto-Key: p256ecdsa=.." form are accepted. Returns nil when neither header
// carries VAPID material.
func ParseHeaders(authorization, cryptoKey string) (*Credential, error) {
	authorization = strings.TrimSpace(authorization)
	if authorization == "" {
		if cryptoKeyParam(cryptoKey, "p256ecdsa") != "" {
			return nil, reject(KindMalformed, "p256ecdsa key without an authorization header")
		}
		return nil, nil
	}
	scheme, params, found := strings.Cut(authorization, " ")
	if !found {
		return nil, reject(KindMalformed, "authorization header has no credential")
	}
	params = strings.TrimSpace(params)
	switch strings.ToLower(scheme) {
	case "vapid":
		cred := Credential{}
		for _, part := range strings.Split(params, ",") {
			name, value, ok := strings.Cut(strings.TrimSpace(part), "=")
			if !ok {
				continue
			}
			switch strings.ToLower(strings.TrimSpace(name)) {
			case "t":
				cred.Token = strings.TrimSpace(value)
			case "k":
				cred.PublicKey = strings.TrimSpace(value)
			}
		}
		if cred.Token == "" || cred.PublicKey == "" {
			return nil, reject(KindMalformed, "vapid authorization needs both t and k")
		}
		return &cred, nil
	case "webpush", "bearer":
		key := cryptoKeyParam(cryptoKey, "p256ecdsa")
		if key == "" {
			return nil, reject(KindMalformed, "no p256ecdsa in Crypto-Key")
		}
		return &Credential{Token: params, PublicKey: key}, nil
	}
	return nil, reject(KindMalformed, "unsupported authorization scheme '%s'", scheme)
}

// cryptoKeyParam read one named parameter from a Crypto-Key style header, where
// entries are separated by ',' or ';'
func cryptoKeyParam(header, name string) string {
	for _, entry := range strings.FieldsFunc(header, func(r rune) bool { return r == ',' || r == ';' }) {
		key, value, ok := strings.Cut(strings.TrimSpace(entry), "=")
		if ok && strings.EqualFold(strings.TrimSpace(key), name) {
			return strings.Trim(strings.TrimSpace(value), "\"")
		}
	}
	return ""
}

// DecodeKey decode a base64 (url or std, padded or not) application server key
func DecodeKey(key string) ([]byte, error) {
	key = strings.TrimRight(strings.TrimSpace(key), "=")
	key = strings.NewReplacer("+", "-", "/", "_").Replace(key)
	return base64.RawURLEncoding.DecodeString(key)
}

// KeysMatch whether two encodings name the same application server key
func KeysMatch(a, b string) bool {
	rawA, err := DecodeKey(a)
	if err != nil {
		return false
	}
	rawB, err := DecodeKey(b)
	if err != nil {
		return false
	}
	return bytes.Equal(rawA, rawB)
}

// ValidateKey check a key is a P-256 point
func ValidateKey(key string) error {
	raw, err := DecodeKey(key)
	if err != nil {
		return err
	}
	_, err = ecdh.P256().NewPublicKey(raw)
	return err
}

// Validator verifies VAPID credentials
type Validator interface {
	// Validate verify a credential for a push endpoint with the given origin
	Validate(cred Credential, origin string) (Claims, error)
}

// validatorImpl implements Validator
type validatorImpl struct {
	common.Component
	maxExpiry time.Duration
	// strictClaims also requires a mailto:/https: sub and an aud on the endpoint origin
	strictClaims bool
	keys         *lru.Cache[string, *ecdsa.PublicKey]
	now          func() time.Time
}

// GetValidator define a Validator. With strictClaims, sub must be a mailto: or https:
// URL and aud must name the push endpoint's origin.
func GetValidator(
	maxExpiry time.Duration, keyCacheSize int, strictClaims bool,
) (Validator, error) {
	logTags := log.Fields{"module": "vapid", "component": "validator"}
	keys, err := lru.New[string, *ecdsa.PublicKey](keyCacheSize)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define key cache")
		return nil, err
	}
	return &validatorImpl{
		Component:    common.Component{LogTags: logTags},
		maxExpiry:    maxExpiry,
		strictClaims: strictClaims,
		keys:         keys,
		now:          time.Now,
	}, nil
}

// publicKey parse an application server key, with caching
func (v *validatorImpl) publicKey(key string) (*ecdsa.PublicKey, error) {
	if cached, ok := v.keys.Get(key); ok {
		return cached, nil
	}
	raw, err := DecodeKey(key)
	if err != nil {
		return nil, err
	}
	// Validates the point is on the curve
	if _, err := ecdh.P256().NewPublicKey(raw); err != nil {
		return nil, err
	}
	parsed := &ecdsa.PublicKey{
		Curve: elliptic.P256(),
		X:     new(big.Int).SetBytes(raw[1:33]),
		Y:     new(big.Int).SetBytes(raw[33:65]),
	}
	v.keys.Add(key, parsed)
	return parsed, nil
}

// Validate verify a credential for a push endpoint with the given origin
func (v *validatorImpl) Validate(cred Credential, origin string) (Claims, error) {
	pubKey, err := v.publicKey(cred.PublicKey)
	if err != nil {
		log.WithError(err).WithFields(v.LogTags).Debug("Unusable VAPID public key")
		return Claims{}, reject(KindMalformed, "public key: %s", err.Error())
	}

	claims := jwt.RegisteredClaims{}
	_, err = jwt.ParseWithClaims(
		cred.Token,
		&claims,
		func(_ *jwt.Token) (interface{}, error) { return pubKey, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		log.WithError(err).WithFields(v.LogTags).Debug("VAPID token rejected")
		switch {
		case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
			return Claims{}, reject(KindMissingClaim, "exp")
		case errors.Is(err, jwt.ErrTokenExpired):
			return Claims{}, reject(KindExpired, "token expired")
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return Claims{}, reject(KindSignatureMismatch, "signature does not match key")
		default:
			return Claims{}, reject(KindMalformed, "%s", err.Error())
		}
	}

	if len(claims.Audience) == 0 {
		return Claims{}, reject(KindMissingClaim, "aud")
	}
	if claims.Subject == "" {
		return Claims{}, reject(KindMissingClaim, "sub")
	}
	result := Claims{
		Audience: claims.Audience[0], Subject: claims.Subject, Expiry: claims.ExpiresAt.Time,
	}
	if result.Expiry.After(v.now().Add(v.maxExpiry)) {
		return Claims{}, reject(KindMalformed, "exp is more than %s away", v.maxExpiry)
	}
	if !v.strictClaims {
		return result, nil
	}
	if !strings.HasPrefix(claims.Subject, "mailto:") && !strings.HasPrefix(claims.Subject, "https:") {
		return Claims{}, reject(KindMalformed, "sub must be a mailto: or https: URL")
	}
	audMatched := false
	for _, aud := range claims.Audience {
		if sameOrigin(aud, origin) {
			audMatched = true
			result.Audience = aud
			break
		}
	}
	if !audMatched {
		return Claims{}, reject(KindMalformed, "aud does not match %s", origin)
	}
	return result, nil
}

// sameOrigin compare the scheme and host of two URLs
func sameOrigin(a, b string) bool {
	parsedA, err := url.Parse(a)
	if err != nil {
		return false
	}
	parsedB, err := url.Parse(b)
	if err != nil {
		return false
	}
	return strings.EqualFold(parsedA.Scheme, parsedB.Scheme) &&
		strings.EqualFold(parsedA.Host, parsedB.Host)
}
