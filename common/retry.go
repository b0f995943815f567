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

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/apex/log"
)

// RetryParams bounded exponential backoff parameters
type RetryParams struct {
	// MaxAttempts total attempts, including the first one
	MaxAttempts int
	// InitialBackoff wait before the first retry
	InitialBackoff time.Duration
	// MaxBackoff upper bound on the wait between attempts
	MaxBackoff time.Duration
}

// GetRetryParams convert RetryConfig into RetryParams
func GetRetryParams(cfg RetryConfig) RetryParams {
	return RetryParams{
		MaxAttempts:    cfg.MaxAttempts,
		InitialBackoff: time.Millisecond * time.Duration(cfg.InitialBackoff),
		MaxBackoff:     time.Millisecond * time.Duration(cfg.MaxBackoff),
	}
}

// RetryableOp one attempt of an operation
type RetryableOp func(ctxt context.Context) error

// permanentError marks an error which should not be retried
type permanentError struct {
	err error
}

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent wrap an error to stop RetryWithBackoff immediately
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// RetryWithBackoff run op until it succeeds, returns a Permanent error, the attempts
// are used up, or ctxt ends. Exhausting the attempts wraps the last error with
// ErrStorageTransient.
func RetryWithBackoff(
	ctxt context.Context, params RetryParams, logTags log.Fields, opName string, op RetryableOp,
) error {
	attempts := params.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := params.InitialBackoff
	var lastErr error
	for itr := 0; itr < attempts; itr++ {
		if itr > 0 {
			log.WithError(lastErr).WithFields(logTags).Warnf(
				"%s failed, retry %d/%d in %s", opName, itr, attempts-1, backoff,
			)
			select {
			case <-ctxt.Done():
				return ctxt.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if params.MaxBackoff > 0 && backoff > params.MaxBackoff {
				backoff = params.MaxBackoff
			}
		}
		err := op(ctxt)
		if err == nil {
			return nil
		}
		var perm permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		lastErr = err
	}
	log.WithError(lastErr).WithFields(logTags).Errorf("%s failed after %d attempts", opName, attempts)
	return fmt.Errorf("%s: %w: %w", opName, ErrStorageTransient, lastErr)
}
