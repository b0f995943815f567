package token

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	"github.com/alwitt/httpush/common"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestTokenCodec(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	key, err := GenerateKey()
	assert.Nil(err)
	uut, err := GetCodec(key)
	assert.Nil(err)

	uaid := common.NewUAID()
	chid := uuid.New().String()

	// Case 1: round trip
	token, err := uut.Encode(uaid, chid)
	assert.Nil(err)
	{
		readUAID, readCHID, err := uut.Decode(token)
		assert.Nil(err)
		assert.Equal(uaid, readUAID)
		assert.Equal(chid, readCHID)
	}

	// Case 2: same pair gives a different token each time
	{
		other, err := uut.Encode(uaid, chid)
		assert.Nil(err)
		assert.NotEqual(token, other)
	}

	// Case 3: tampered token
	{
		raw, err := base64.RawURLEncoding.DecodeString(token)
		assert.Nil(err)
		raw[len(raw)-1] ^= 0x01
		_, _, err = uut.Decode(base64.RawURLEncoding.EncodeToString(raw))
		assert.True(errors.Is(err, common.ErrTokenInvalid))
		assert.False(errors.Is(err, common.ErrNotFound))
	}

	// Case 4: garbage
	{
		for _, bad := range []string{"", "not-a-token", "%%%%", token[:20]} {
			readUAID, readCHID, err := uut.Decode(bad)
			assert.Equal(common.ErrTokenInvalid, err)
			assert.Empty(readUAID)
			assert.Empty(readCHID)
		}
	}

	// Case 5: token from another key
	{
		otherKey, err := GenerateKey()
		assert.Nil(err)
		other, err := GetCodec(otherKey)
		assert.Nil(err)
		_, _, err = other.Decode(token)
		assert.Equal(common.ErrTokenInvalid, err)
	}

	// Case 6: invalid inputs to encode
	{
		_, err := uut.Encode("abc", chid)
		assert.NotNil(err)
		_, err = uut.Encode(uaid, "not-a-uuid")
		assert.NotNil(err)
	}
}

func TestTokenCodecKey(t *testing.T) {
	assert := assert.New(t)

	// Case 1: short key
	_, err := GetCodec("AAAA")
	assert.NotNil(err)

	// Case 2: padded key is accepted
	_, err = GetCodec(base64.URLEncoding.EncodeToString(make([]byte, 32)))
	assert.Nil(err)

	// Case 3: not base64
	_, err = GetCodec("!!!!")
	assert.NotNil(err)
}

func TestEndpointFormatter(t *testing.T) {
	assert := assert.New(t)

	key, err := GenerateKey()
	assert.Nil(err)
	codec, err := GetCodec(key)
	assert.Nil(err)

	// Case 1: root prefix
	{
		uut, err := GetEndpointFormatter(codec, "https://push.example.com/", "/")
		assert.Nil(err)
		uaid := common.NewUAID()
		chid := uuid.New().String()
		endpoint, err := uut.PushEndpoint(uaid, chid)
		assert.Nil(err)
		assert.True(strings.HasPrefix(endpoint, "https://push.example.com/wpush/v1/"))
		token := strings.TrimPrefix(endpoint, "https://push.example.com/wpush/v1/")
		readUAID, readCHID, err := codec.Decode(token)
		assert.Nil(err)
		assert.Equal(uaid, readUAID)
		assert.Equal(chid, readCHID)
		assert.Equal("https://push.example.com/m/"+token, uut.CancelURL(token))
	}

	// Case 2: nested prefix
	{
		uut, err := GetEndpointFormatter(codec, "https://push.example.com", "/push")
		assert.Nil(err)
		assert.Equal("https://push.example.com/push/m/abc", uut.CancelURL("abc"))
	}

	// Case 3: bad URL
	{
		_, err := GetEndpointFormatter(codec, "push.example.com", "/")
		assert.NotNil(err)
	}
}
