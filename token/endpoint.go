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
	"fmt"
	"net/url"
	"path"
	"strings"
)

// EndpointFormatter build the public push endpoint URL of a channel
type EndpointFormatter interface {
	// PushEndpoint the URL a sender posts notifications for the channel to
	PushEndpoint(uaid, chid string) (string, error)
	// CancelURL the URL a sender deletes a pending notification of the channel with
	CancelURL(token string) string
}

// endpointFormatterImpl implements EndpointFormatter
type endpointFormatterImpl struct {
	codec   Codec
	baseURL string
	prefix  string
}

// GetEndpointFormatter define an EndpointFormatter for the endpoint server at publicURL,
// with its APIs mounted under pathPrefix
func GetEndpointFormatter(codec Codec, publicURL, pathPrefix string) (EndpointFormatter, error) {
	parsed, err := url.Parse(publicURL)
	if err != nil {
		return nil, err
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("public URL '%s' needs a scheme and host", publicURL)
	}
	return &endpointFormatterImpl{
		codec:   codec,
		baseURL: strings.TrimRight(publicURL, "/"),
		prefix:  path.Join("/", pathPrefix),
	}, nil
}

// PushEndpoint the URL a sender posts notifications for the channel to
func (f *endpointFormatterImpl) PushEndpoint(uaid, chid string) (string, error) {
	token, err := f.codec.Encode(uaid, chid)
	if err != nil {
		return "", err
	}
	return f.baseURL + path.Join(f.prefix, "wpush", "v1", token), nil
}

// CancelURL the URL a sender deletes a pending notification of the channel with
func (f *endpointFormatterImpl) CancelURL(token string) string {
	return f.baseURL + path.Join(f.prefix, "m", token)
}
