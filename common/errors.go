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

package common

import "errors"

// Error kinds surfaced across package boundaries. Wrap with fmt.Errorf("...: %w", err)
// and check with errors.Is.
var (
	// ErrTokenInvalid the endpoint token could not be decoded or opened
	ErrTokenInvalid = errors.New("endpoint token invalid")
	// ErrNotFound a valid reference which matched no record
	ErrNotFound = errors.New("record not found")
	// ErrChannelGone the user exists but the channel is no longer registered
	ErrChannelGone = errors.Join(ErrNotFound, errors.New("channel not registered"))
	// ErrUnauthorized the sender's VAPID credential was rejected
	ErrUnauthorized = errors.New("sender unauthorized")
	// ErrNotConnected a ttl=0 notification with no live session to take it
	ErrNotConnected = errors.New("user agent not connected")
	// ErrPayloadTooLarge the notification body exceeds the configured limit
	ErrPayloadTooLarge = errors.New("payload too large")
	// ErrMalformedRequest the send request headers could not be accepted
	ErrMalformedRequest = errors.New("malformed request")
	// ErrStorageTransient a storage operation failed after all retries
	ErrStorageTransient = errors.New("storage unavailable")
	// ErrProtocolViolation a client sent a frame the session can not accept
	ErrProtocolViolation = errors.New("protocol violation")
)
