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

package token

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/alwitt/httpush/common"
	"github.com/apex/log"
	"github.com/google/uuid"
	"golang.org/x/crypto/chacha20poly1305"
)

// Codec seals (uaid, chid) into the opaque token of a public push endpoint
type Codec interface {
	// Encode seal a user agent / channel pair into an endpoint token
	Encode(uaid, chid string) (string, error)
	// Decode open an endpoint token. Any failure is common.ErrTokenInvalid.
	Decode(token string) (uaid string, chid string, err error)
}

// plaintext is 16 bytes of UAID followed by 16 bytes of CHID
const plaintextLen = 32

// codecImpl implements Codec with XChaCha20-Poly1305
type codecImpl struct {
	common.Component
	key []byte
}

// GetCodec define a Codec from a base64url encoded 32 byte key
func GetCodec(key string) (Codec, error) {
	logTags := log.Fields{"module": "token", "component": "codec"}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(key, "="))
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Token key is not base64url")
		return nil, err
	}
	if len(raw) != chacha20poly1305.KeySize {
		err := fmt.Errorf("token key must be %d bytes, got %d", chacha20poly1305.KeySize, len(raw))
		log.WithError(err).WithFields(logTags).Error("Bad token key")
		return nil, err
	}
	return &codecImpl{Component: common.Component{LogTags: logTags}, key: raw}, nil
}

// GenerateKey create a new random base64url encoded token key
func GenerateKey() (string, error) {
	raw := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// Encode seal a user agent / channel pair into an endpoint token
func (c *codecImpl) Encode(uaid, chid string) (string, error) {
	uaidBytes, err := hex.DecodeString(uaid)
	if err != nil || len(uaidBytes) != 16 {
		return "", fmt.Errorf("uaid '%s' is not 32 hex chars", uaid)
	}
	chidParsed, err := uuid.Parse(chid)
	if err != nil {
		return "", fmt.Errorf("chid '%s' is not a UUID: %w", chid, err)
	}
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+plaintextLen+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	plain := append(uaidBytes, chidParsed[:]...)
	sealed := aead.Seal(nonce, nonce, plain, nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decode open an endpoint token
func (c *codecImpl) Decode(token string) (string, string, error) {
	// The cause is only logged
	fail := func(cause string) (string, string, error) {
		log.WithFields(c.LogTags).Debugf("Rejected endpoint token: %s", cause)
		return "", "", common.ErrTokenInvalid
	}
	sealed, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(token, "="))
	if err != nil {
		return fail("not base64url")
	}
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return fail(err.Error())
	}
	if len(sealed) != aead.NonceSize()+plaintextLen+aead.Overhead() {
		return fail("wrong length")
	}
	nonce, cipherText := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, cipherText, nil)
	if err != nil {
		return fail("authentication failed")
	}
	var chid uuid.UUID
	copy(chid[:], plain[16:])
	return hex.EncodeToString(plain[:16]), chid.String(), nil
}
