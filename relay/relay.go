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

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/alwitt/httpush/common"
	"github.com/alwitt/httpush/core"
	"github.com/alwitt/httpush/session"
	"github.com/apex/log"
	"github.com/nats-io/nats.go"
)

// Relay operations carried between nodes
const (
	opDeliver = "deliver"
	opCheck   = "check"
	opEvict   = "evict"
)

// Delivery outcomes reported back to the sending node
const (
	resultDelivered    = "delivered"
	resultBusy         = "busy"
	resultNotConnected = "not_connected"
	resultError        = "error"
)

// NodeSubject the subject a node listens on for one relay operation
func NodeSubject(nodeID, op string) string {
	return fmt.Sprintf("httpush.node.%s.%s", nodeID, op)
}

// deliverReply answer to a relayed delivery
type deliverReply struct {
	Result string `json:"result"`
	Error  string `json:"error,omitempty"`
}

// userRef names the user agent of a check or evict request
type userRef struct {
	UAID string `json:"uaid"`
}

// ==============================================================================

// Client sends relay requests to other nodes
type Client interface {
	// Deliver hand a live notification to the session on nodeID. Returns
	// common.ErrNotConnected if the node has no session for the user agent, and
	// session.ErrSessionBusy if the session could not take it.
	Deliver(ctxt context.Context, nodeID string, msg common.Notification) error
	// CheckStorage tell the session on nodeID that notifications were stored
	CheckStorage(ctxt context.Context, nodeID, uaid string) error
	// NotifyTakeover tell nodeID its session of uaid is stale
	NotifyTakeover(ctxt context.Context, nodeID, uaid string) error
}

// clientImpl implements Client
type clientImpl struct {
	common.Component
	nats           *core.NatsClient
	requestTimeout time.Duration
}

// GetClient define a relay Client
func GetClient(natsClient *core.NatsClient, requestTimeout time.Duration) Client {
	return &clientImpl{
		Component: common.Component{
			LogTags: log.Fields{"module": "relay", "component": "client"},
		},
		nats:           natsClient,
		requestTimeout: requestTimeout,
	}
}

// Deliver hand a live notification to the session on nodeID
func (c *clientImpl) Deliver(ctxt context.Context, nodeID string, msg common.Notification) error {
	payload, err := json.Marshal(&msg)
	if err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf("Unable to serialize %s", msg)
		return err
	}
	reqCtxt, cancel := context.WithTimeout(ctxt, c.requestTimeout)
	defer cancel()
	resp, err := c.nats.NATs().RequestWithContext(reqCtxt, NodeSubject(nodeID, opDeliver), payload)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			return fmt.Errorf("node %s not listening: %w", nodeID, common.ErrNotConnected)
		}
		log.WithError(err).WithFields(c.LogTags).Errorf("Relay of %s to %s failed", msg, nodeID)
		return err
	}
	var reply deliverReply
	if err := json.Unmarshal(resp.Data, &reply); err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf("Unreadable reply from %s", nodeID)
		return err
	}
	switch reply.Result {
	case resultDelivered:
		return nil
	case resultBusy:
		return session.ErrSessionBusy
	case resultNotConnected:
		return fmt.Errorf("no session on %s: %w", nodeID, common.ErrNotConnected)
	}
	return fmt.Errorf("node %s: %s", nodeID, reply.Error)
}

func (c *clientImpl) publish(nodeID, op, uaid string) error {
	payload, err := json.Marshal(&userRef{UAID: uaid})
	if err != nil {
		return err
	}
	if err := c.nats.NATs().Publish(NodeSubject(nodeID, op), payload); err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf("Unable to send %s for %s to %s", op, uaid, nodeID)
		return err
	}
	return nil
}

// CheckStorage tell the session on nodeID that notifications were stored
func (c *clientImpl) CheckStorage(_ context.Context, nodeID, uaid string) error {
	return c.publish(nodeID, opCheck, uaid)
}

// NotifyTakeover tell nodeID its session of uaid is stale
func (c *clientImpl) NotifyTakeover(_ context.Context, nodeID, uaid string) error {
	return c.publish(nodeID, opEvict, uaid)
}

// ==============================================================================

// deliverTask a relayed delivery waiting for its worker
type deliverTask struct {
	msg   common.Notification
	reply *nats.Msg
}

// userTask a relayed check or evict waiting for its worker
type userTask struct {
	op   string
	uaid string
}

// Receiver serves relay requests addressed to this node
type Receiver interface {
	// Start subscribe to this node's subjects
	Start(wg *sync.WaitGroup) error
	// Stop unsubscribe
	Stop() error
}

// receiverImpl implements Receiver
type receiverImpl struct {
	common.Component
	ctxt     context.Context
	nats     *core.NatsClient
	manager  session.Manager
	tp       common.TaskProcessor
	subsLock sync.Mutex
	subs     []*nats.Subscription
}

// GetReceiver define a relay Receiver feeding the local session manager. Requests of
// one user agent are processed in arrival order.
func GetReceiver(
	ctxt context.Context, natsClient *core.NatsClient, manager session.Manager, workers int,
) (Receiver, error) {
	logTags := log.Fields{
		"module": "relay", "component": "receiver", "instance": manager.NodeID(),
	}
	tp, err := common.GetNewTaskDemuxProcessorInstance(
		"relay", workers*4, workers, func(param interface{}) string {
			switch task := param.(type) {
			case deliverTask:
				return task.msg.UAID
			case userTask:
				return task.uaid
			}
			return ""
		}, ctxt,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define task processor")
		return nil, err
	}
	instance := &receiverImpl{
		Component: common.Component{LogTags: logTags},
		ctxt:      ctxt,
		nats:      natsClient,
		manager:   manager,
		tp:        tp,
	}
	if err := tp.AddToTaskExecutionMap(reflect.TypeOf(deliverTask{}), instance.processDeliver); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(reflect.TypeOf(userTask{}), instance.processUser); err != nil {
		return nil, err
	}
	return instance, nil
}

// Start subscribe to this node's subjects
func (r *receiverImpl) Start(wg *sync.WaitGroup) error {
	if err := r.tp.StartEventLoop(wg); err != nil {
		return err
	}
	nodeID := r.manager.NodeID()
	handlers := map[string]nats.MsgHandler{
		NodeSubject(nodeID, opDeliver): r.onDeliver,
		NodeSubject(nodeID, opCheck):   r.onUser(opCheck),
		NodeSubject(nodeID, opEvict):   r.onUser(opEvict),
	}
	r.subsLock.Lock()
	defer r.subsLock.Unlock()
	for subject, handler := range handlers {
		sub, err := r.nats.NATs().Subscribe(subject, handler)
		if err != nil {
			log.WithError(err).WithFields(r.LogTags).Errorf("Unable to subscribe to %s", subject)
			return err
		}
		r.subs = append(r.subs, sub)
	}
	log.WithFields(r.LogTags).Info("Relay receiver started")
	return nil
}

// Stop unsubscribe
func (r *receiverImpl) Stop() error {
	r.subsLock.Lock()
	defer r.subsLock.Unlock()
	for _, sub := range r.subs {
		if err := sub.Unsubscribe(); err != nil {
			log.WithError(err).WithFields(r.LogTags).Errorf("Unable to unsubscribe %s", sub.Subject)
		}
	}
	r.subs = nil
	return r.tp.StopEventLoop()
}

func (r *receiverImpl) respond(msg *nats.Msg, reply deliverReply) {
	payload, err := json.Marshal(&reply)
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Error("Unable to serialize reply")
		return
	}
	if err := msg.Respond(payload); err != nil {
		log.WithError(err).WithFields(r.LogTags).Error("Unable to send reply")
	}
}

func (r *receiverImpl) onDeliver(msg *nats.Msg) {
	var notification common.Notification
	if err := json.Unmarshal(msg.Data, &notification); err != nil {
		log.WithError(err).WithFields(r.LogTags).Error("Unreadable relayed notification")
		r.respond(msg, deliverReply{Result: resultError, Error: err.Error()})
		return
	}
	if err := r.tp.Submit(r.ctxt, deliverTask{msg: notification, reply: msg}); err != nil {
		r.respond(msg, deliverReply{Result: resultError, Error: err.Error()})
	}
}

func (r *receiverImpl) onUser(op string) nats.MsgHandler {
	return func(msg *nats.Msg) {
		var ref userRef
		if err := json.Unmarshal(msg.Data, &ref); err != nil {
			log.WithError(err).WithFields(r.LogTags).Errorf("Unreadable relayed %s", op)
			return
		}
		if err := r.tp.Submit(r.ctxt, userTask{op: op, uaid: ref.UAID}); err != nil {
			log.WithError(err).WithFields(r.LogTags).Errorf("Unable to queue relayed %s", op)
		}
	}
}

func (r *receiverImpl) processDeliver(param interface{}) error {
	task, ok := param.(deliverTask)
	if !ok {
		return fmt.Errorf("unexpected param %s", reflect.TypeOf(param))
	}
	err := r.manager.Deliver(r.ctxt, task.msg)
	switch {
	case err == nil:
		r.respond(task.reply, deliverReply{Result: resultDelivered})
	case errors.Is(err, session.ErrSessionBusy):
		r.respond(task.reply, deliverReply{Result: resultBusy})
	case errors.Is(err, common.ErrNotConnected):
		r.respond(task.reply, deliverReply{Result: resultNotConnected})
	default:
		r.respond(task.reply, deliverReply{Result: resultError, Error: err.Error()})
	}
	return nil
}

func (r *receiverImpl) processUser(param interface{}) error {
	task, ok := param.(userTask)
	if !ok {
		return fmt.Errorf("unexpected param %s", reflect.TypeOf(param))
	}
	switch task.op {
	case opCheck:
		r.manager.CheckStorage(task.uaid)
	case opEvict:
		if r.manager.Evict(task.uaid) {
			log.WithFields(r.LogTags).Infof("Evicted %s, now connected elsewhere", task.uaid)
		}
	}
	return nil
}
