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

package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alwitt/httpush/common"
	"github.com/alwitt/httpush/relay"
	"github.com/alwitt/httpush/session"
	"github.com/alwitt/httpush/storage"
	"github.com/alwitt/httpush/token"
	"github.com/alwitt/httpush/vapid"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// Outcome how an accepted notification was handled
type Outcome int

// Outcomes
const (
	// DeliveredLive the notification went straight to a connected session
	DeliveredLive Outcome = iota
	// Stored the notification waits in the message store
	Stored
)

// String toString function for Outcome
func (o Outcome) String() string {
	if o == DeliveredLive {
		return "delivered-live"
	}
	return "stored"
}

// RouteRequest a notification addressed by endpoint token
type RouteRequest struct {
	// Token is the endpoint token from the push URL
	Token string
	// TTL is the clamped lifetime in seconds
	TTL int64
	// Topic is the optional replacement topic
	Topic string
	// Headers are the payload crypto headers
	Headers common.NotificationHeaders
	// Data is the opaque payload
	Data []byte
	// Credential is the sender's VAPID material, if presented
	Credential *vapid.Credential
}

// RouteResult the result of routing one notification
type RouteResult struct {
	Outcome Outcome
	// Message is the notification as delivered or stored
	Message common.Notification
}

// Router accepts notifications from application servers
type Router interface {
	// Route deliver or store one notification
	Route(ctxt context.Context, req RouteRequest) (RouteResult, error)
	// Cancel drop the newest pending notification of the channel the token names
	Cancel(ctxt context.Context, endpointToken string) (bool, error)
}

// Params router parameters
type Params struct {
	// Origin is the public origin of the push endpoints, checked against the VAPID audience
	Origin string `validate:"required,url"`
}

// routerImpl implements Router
type routerImpl struct {
	common.Component
	params    Params
	store     storage.Store
	codec     token.Codec
	validator vapid.Validator
	local     session.Manager
	relay     relay.Client
	now       func() time.Time
}

// GetRouter define a Router. local is the session manager of this node, when this node
// also terminates connections. relayClient reaches the other nodes; without one, a
// notification for a session elsewhere is stored.
func GetRouter(
	params Params,
	store storage.Store,
	codec token.Codec,
	vapidValidator vapid.Validator,
	local session.Manager,
	relayClient relay.Client,
) (Router, error) {
	validate := validator.New()
	if err := validate.Struct(&params); err != nil {
		return nil, err
	}
	return &routerImpl{
		Component: common.Component{
			LogTags: log.Fields{"module": "router", "component": "router"},
		},
		params:    params,
		store:     store,
		codec:     codec,
		validator: vapidValidator,
		local:     local,
		relay:     relayClient,
		now:       time.Now,
	}, nil
}

// authorize check the sender against the channel's key binding
func (r *routerImpl) authorize(cred *vapid.Credential, channel common.ChannelRecord) error {
	if cred == nil {
		if channel.PublicKey == "" {
			return nil
		}
		return fmt.Errorf("channel requires a VAPID credential: %w", common.ErrUnauthorized)
	}
	if _, err := r.validator.Validate(*cred, r.params.Origin); err != nil {
		return err
	}
	if channel.PublicKey != "" && !vapid.KeysMatch(channel.PublicKey, cred.PublicKey) {
		return fmt.Errorf("VAPID key differs from the channel's: %w", common.ErrUnauthorized)
	}
	return nil
}

// deliver try to hand the notification to the session on nodeID
func (r *routerImpl) deliver(ctxt context.Context, nodeID string, msg common.Notification) error {
	if nodeID == "" {
		return common.ErrNotConnected
	}
	if r.local != nil && nodeID == r.local.NodeID() {
		return r.local.Deliver(ctxt, msg)
	}
	if r.relay != nil {
		return r.relay.Deliver(ctxt, nodeID, msg)
	}
	return common.ErrNotConnected
}

// signal tell the session of uaid, wherever it is, to check storage
func (r *routerImpl) signal(ctxt context.Context, uaid string) {
	record, err := r.store.GetUser(ctxt, uaid)
	if err != nil || record.NodeID == "" {
		return
	}
	if r.local != nil && record.NodeID == r.local.NodeID() {
		r.local.CheckStorage(uaid)
		return
	}
	if r.relay != nil {
		if err := r.relay.CheckStorage(ctxt, record.NodeID, uaid); err != nil {
			log.WithError(err).WithFields(r.LogTags).Warnf("Unable to signal %s", uaid)
		}
	}
}

// Route deliver or store one notification
func (r *routerImpl) Route(ctxt context.Context, req RouteRequest) (RouteResult, error) {
	uaid, chid, err := r.codec.Decode(req.Token)
	if err != nil {
		return RouteResult{}, err
	}

	record, err := r.store.GetUser(ctxt, uaid)
	if err != nil {
		if !errors.Is(err, common.ErrNotFound) {
			log.WithError(err).WithFields(r.LogTags).Errorf("Unable to read user %s", uaid)
		}
		return RouteResult{}, err
	}
	channel, err := r.store.GetChannel(ctxt, uaid, chid)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return RouteResult{}, fmt.Errorf("channel %s/%s: %w", uaid, chid, common.ErrChannelGone)
		}
		log.WithError(err).WithFields(r.LogTags).Errorf("Unable to read channel %s/%s", uaid, chid)
		return RouteResult{}, err
	}
	if err := r.authorize(req.Credential, channel); err != nil {
		log.WithError(err).WithFields(r.LogTags).Debugf("Rejected sender of %s/%s", uaid, chid)
		return RouteResult{}, err
	}

	msg := common.Notification{
		UAID:      uaid,
		CHID:      chid,
		Topic:     req.Topic,
		TTL:       req.TTL,
		Timestamp: r.now(),
		Headers:   req.Headers,
		Data:      req.Data,
	}
	if len(msg.Data) == 0 {
		msg.Data = nil
		msg.Headers = nil
	}

	if record.NodeID != "" {
		live := msg
		if live.SortKey, err = r.store.NextSortKey(ctxt, uaid); err != nil {
			log.WithError(err).WithFields(r.LogTags).Errorf("Unable to allocate sort key for %s", uaid)
			return RouteResult{}, err
		}
		err := r.deliver(ctxt, record.NodeID, live)
		if err == nil {
			log.WithFields(r.LogTags).Debugf("Delivered %s live on %s", live, record.NodeID)
			return RouteResult{Outcome: DeliveredLive, Message: live}, nil
		}
		if !errors.Is(err, session.ErrSessionBusy) && !errors.Is(err, common.ErrNotConnected) {
			log.WithError(err).WithFields(r.LogTags).Warnf(
				"Live delivery to %s failed, storing %s instead", record.NodeID, live,
			)
		}
	}

	if msg.TTL <= 0 {
		return RouteResult{}, fmt.Errorf("%s has no live session: %w", uaid, common.ErrNotConnected)
	}
	stored, err := r.store.Enqueue(ctxt, msg)
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf("Unable to store %s", msg)
		return RouteResult{}, err
	}
	// The session may have attached while the notification was being stored
	r.signal(ctxt, uaid)
	return RouteResult{Outcome: Stored, Message: stored}, nil
}

// Cancel drop the newest pending notification of the channel the token names
func (r *routerImpl) Cancel(ctxt context.Context, endpointToken string) (bool, error) {
	uaid, chid, err := r.codec.Decode(endpointToken)
	if err != nil {
		return false, err
	}
	removed, err := r.store.Delete(ctxt, uaid, chid)
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf("Unable to cancel for %s/%s", uaid, chid)
		return false, err
	}
	return removed, nil
}
