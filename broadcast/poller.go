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

package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/httpush/common"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// PollResponse the body returned by the broadcast source
type PollResponse struct {
	Broadcasts Versions `json:"broadcasts" validate:"required"`
}

// Poller periodically reads service versions into a Registry
type Poller interface {
	// PollOnce read the source once. On failure the registry is left unchanged.
	PollOnce(ctxt context.Context) error
	// Start poll every interval until ctxt ends
	Start(ctxt context.Context, wg *sync.WaitGroup) error
}

// pollerImpl implements Poller
type pollerImpl struct {
	common.Component
	sourceURL string
	token     string
	interval  time.Duration
	timeout   time.Duration
	registry  Registry
	client    *http.Client
	validate  *validator.Validate
}

// GetPoller define a Poller of the configured source feeding registry
func GetPoller(
	cfg common.BroadcastConfig, registry Registry, client *http.Client,
) (Poller, error) {
	logTags := log.Fields{
		"module": "broadcast", "component": "poller", "instance": cfg.SourceURL,
	}
	if cfg.SourceURL == "" {
		err := fmt.Errorf("no broadcast source URL")
		log.WithError(err).WithFields(logTags).Error("Unable to define poller")
		return nil, err
	}
	if client == nil {
		client = &http.Client{}
	}
	return &pollerImpl{
		Component: common.Component{LogTags: logTags},
		sourceURL: cfg.SourceURL,
		token:     cfg.Token,
		interval:  time.Second * time.Duration(cfg.PollInterval),
		timeout:   time.Second * time.Duration(cfg.RequestTimeout),
		registry:  registry,
		client:    client,
		validate:  validator.New(),
	}, nil
}

// PollOnce read the source once
func (p *pollerImpl) PollOnce(ctxt context.Context) error {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctxt, cancel = context.WithTimeout(ctxt, p.timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctxt, http.MethodGet, p.sourceURL, nil)
	if err != nil {
		log.WithError(err).WithFields(p.LogTags).Error("Unable to define poll request")
		return err
	}
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		log.WithError(err).WithFields(p.LogTags).Error("Broadcast source unreachable")
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("broadcast source returned %d", resp.StatusCode)
		log.WithError(err).WithFields(p.LogTags).Error("Poll failed")
		return err
	}
	var parsed PollResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		log.WithError(err).WithFields(p.LogTags).Error("Unable to parse poll response")
		return err
	}
	if err := p.validate.Struct(&parsed); err != nil {
		log.WithError(err).WithFields(p.LogTags).Error("Invalid poll response")
		return err
	}
	diff := p.registry.ApplyPoll(parsed.Broadcasts)
	log.WithFields(p.LogTags).Debugf("Polled %d services, %d changed", len(parsed.Broadcasts), len(diff))
	return nil
}

// Start poll every interval until ctxt ends
func (p *pollerImpl) Start(ctxt context.Context, wg *sync.WaitGroup) error {
	// First poll is immediate
	_ = p.PollOnce(ctxt)
	timer, err := common.GetIntervalTimerInstance("broadcast-poll", ctxt, wg)
	if err != nil {
		log.WithError(err).WithFields(p.LogTags).Error("Unable to define poll timer")
		return err
	}
	return timer.Start(p.interval, func() error {
		return p.PollOnce(ctxt)
	}, false)
}
