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

package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alwitt/httpush/broadcast"
	"github.com/alwitt/httpush/common"
	"github.com/alwitt/httpush/vapid"
	"github.com/apex/log"
)

// State session lifecycle state
type State int32

// Session states
const (
	StateConnecting State = iota
	StateAwaitingHello
	StateReady
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAwaitingHello:
		return "awaiting-hello"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// ErrSessionBusy the session is draining its backlog or is at its batch bound
var ErrSessionBusy = errors.New("session busy")

// closeTimeout bounds the storage work done while a session closes
const closeTimeout = time.Second * 10

// outstandingKey identifies a sent but unacked notification
type outstandingKey struct {
	chid    string
	sortKey uint64
}

// outstandingEntry a sent but unacked notification
type outstandingEntry struct {
	msg common.Notification
	// live notifications were never stored
	live bool
}

// deliverRequest a live notification handed to the session loop
type deliverRequest struct {
	ctxt   context.Context
	msg    common.Notification
	result chan error
}

// sessionImpl one client connection. All fields below the channels are owned by
// the run loop.
type sessionImpl struct {
	common.Component
	id        string
	manager   *managerImpl
	transport Transport

	state          atomic.Int32
	storagePending atomic.Bool
	inbox          chan deliverRequest
	checkStorage   chan struct{}
	broadcastCh    chan struct{}
	evicted        chan struct{}
	evictOnce      sync.Once
	done           chan struct{}

	uaid           string
	channels       map[string]common.ChannelRecord
	outstanding    map[outstandingKey]outstandingEntry
	broadcasts     broadcast.Versions
	backlogPending bool
}

func newSession(id string, manager *managerImpl, transport Transport) *sessionImpl {
	logTags := manager.CopyLogTags()
	logTags["component"] = "session"
	logTags["instance"] = id
	logTags["remote"] = transport.RemoteAddr()
	s := &sessionImpl{
		Component:    common.Component{LogTags: logTags},
		id:           id,
		manager:      manager,
		transport:    transport,
		inbox:        make(chan deliverRequest, manager.params.InboxDepth),
		checkStorage: make(chan struct{}, 1),
		broadcastCh:  make(chan struct{}, 1),
		evicted:      make(chan struct{}),
		done:         make(chan struct{}),
		channels:     make(map[string]common.ChannelRecord),
		outstanding:  make(map[outstandingKey]outstandingEntry),
		broadcasts:   broadcast.Versions{},
	}
	s.state.Store(int32(StateConnecting))
	return s
}

// State current lifecycle state
func (s *sessionImpl) State() State {
	return State(s.state.Load())
}

func (s *sessionImpl) setState(state State) {
	s.state.Store(int32(state))
	log.WithFields(s.LogTags).Debugf("Session is %s", state)
}

// Deliver hand a live notification to the session. Returns ErrSessionBusy when the
// session can not take it, common.ErrNotConnected once the session is gone.
func (s *sessionImpl) Deliver(ctxt context.Context, msg common.Notification) error {
	req := deliverRequest{ctxt: ctxt, msg: msg, result: make(chan error, 1)}
	select {
	case s.inbox <- req:
	case <-s.done:
		return common.ErrNotConnected
	case <-ctxt.Done():
		return ctxt.Err()
	}
	select {
	case err := <-req.result:
		return err
	case <-s.done:
		select {
		case err := <-req.result:
			return err
		default:
			return common.ErrNotConnected
		}
	case <-ctxt.Done():
		return ctxt.Err()
	}
}

// CheckStorage tell the session new notifications were stored for it
func (s *sessionImpl) CheckStorage() {
	s.storagePending.Store(true)
	select {
	case s.checkStorage <- struct{}{}:
	default:
	}
}

// evict close the session because a newer session took over its user agent
func (s *sessionImpl) evict() {
	s.evictOnce.Do(func() { close(s.evicted) })
}

func (s *sessionImpl) onBroadcastChange(_ broadcast.Versions) {
	select {
	case s.broadcastCh <- struct{}{}:
	default:
	}
}

// run drive the session until the transport closes, the client misbehaves, the
// session goes idle, it is evicted, or ctxt ends
func (s *sessionImpl) run(ctxt context.Context) error {
	runCtxt, cancel := context.WithCancel(ctxt)
	defer cancel()
	s.setState(StateAwaitingHello)

	frames := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		for {
			frame, err := s.transport.ReadFrame()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- frame:
			case <-runCtxt.Done():
				return
			}
		}
	}()

	idle := time.NewTimer(s.manager.params.IdleTimeout)
	defer idle.Stop()

	var closeErr error
	complete := false
	for !complete {
		select {
		case <-runCtxt.Done():
			log.WithFields(s.LogTags).Info("Closing session on server stop")
			complete = true
		case <-s.evicted:
			log.WithFields(s.LogTags).Info("Closing session replaced by a newer one")
			complete = true
		case err := <-readErr:
			if !errors.Is(err, io.EOF) {
				closeErr = err
				log.WithError(err).WithFields(s.LogTags).Info("Transport read failed")
			}
			complete = true
		case <-idle.C:
			log.WithFields(s.LogTags).Info("Closing idle session")
			complete = true
		case raw := <-frames:
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(s.manager.params.IdleTimeout)
			if err := s.handleFrame(runCtxt, raw); err != nil {
				log.WithError(err).WithFields(s.LogTags).Error("Closing session")
				closeErr = err
				complete = true
			}
		case req := <-s.inbox:
			if err := s.handleDeliver(req); err != nil {
				log.WithError(err).WithFields(s.LogTags).Error("Closing session")
				closeErr = err
				complete = true
			}
		case <-s.checkStorage:
			if s.State() != StateReady {
				break
			}
			s.storagePending.Store(false)
			s.backlogPending = true
			if err := s.pull(runCtxt); err != nil {
				log.WithError(err).WithFields(s.LogTags).Error("Closing session")
				closeErr = err
				complete = true
			}
		case <-s.broadcastCh:
			if err := s.pushBroadcastChange(); err != nil {
				log.WithError(err).WithFields(s.LogTags).Error("Closing session")
				closeErr = err
				complete = true
			}
		}
	}
	s.shutdown()
	return closeErr
}

// shutdown release the session. Unacked live notifications are stored for the next
// connection, stored ones simply stay where they are.
func (s *sessionImpl) shutdown() {
	s.setState(StateClosing)
	s.manager.registry.Unsubscribe(s.id)
	if err := s.transport.Close(); err != nil {
		log.WithError(err).WithFields(s.LogTags).Debug("Transport close failed")
	}

	if s.uaid != "" {
		ctxt, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		now := time.Now()
		savedBack := 0
		for _, entry := range s.outstanding {
			if !entry.live || entry.msg.TTL <= 0 || entry.msg.Expired(now) {
				continue
			}
			if _, err := s.manager.store.Enqueue(ctxt, entry.msg); err != nil {
				log.WithError(err).WithFields(s.LogTags).Errorf("Unable to save back %s", entry.msg)
				continue
			}
			savedBack++
		}
		s.manager.detach(ctxt, s)
		if savedBack > 0 {
			log.WithFields(s.LogTags).Debugf("Saved back %d unacked notifications", savedBack)
			// A newer local session may already be past its backlog
			s.manager.CheckStorage(s.uaid)
		}
	}
	s.outstanding = nil
	close(s.done)
	s.setState(StateClosed)
}

// ==============================================================================
// Outbound

// writeFrame serialize and send a server frame
func (s *sessionImpl) writeFrame(frame interface{}) error {
	raw, err := encodeFrame(frame)
	if err != nil {
		return err
	}
	return s.transport.WriteFrame(raw, s.manager.params.WriteTimeout)
}

// send push one notification to the client and track it until acked
func (s *sessionImpl) send(msg common.Notification, live bool) error {
	if err := s.writeFrame(NewNotificationFrame(msg)); err != nil {
		return err
	}
	s.outstanding[outstandingKey{chid: msg.CHID, sortKey: msg.SortKey}] = outstandingEntry{
		msg: msg, live: live,
	}
	log.WithFields(s.LogTags).Debugf("Sent %s (live=%v)", msg, live)
	return nil
}

// handleDeliver take a live notification if nothing stored must go first and the batch
// bound allows it
func (s *sessionImpl) handleDeliver(req deliverRequest) error {
	if s.State() != StateReady {
		req.result <- common.ErrNotConnected
		return nil
	}
	if err := req.ctxt.Err(); err != nil {
		req.result <- err
		return nil
	}
	if s.backlogPending || s.storagePending.Load() ||
		len(s.outstanding) >= s.manager.params.BatchSize {
		req.result <- ErrSessionBusy
		return nil
	}
	if err := s.send(req.msg, true); err != nil {
		req.result <- err
		return err
	}
	req.result <- nil
	return nil
}

// pull stream stored notifications up to the batch bound. Notifications already
// outstanding are skipped. A storage failure leaves the backlog pending for the next
// ack or storage signal.
func (s *sessionImpl) pull(ctxt context.Context) error {
	if !s.backlogPending {
		return nil
	}
	var cursor uint64
	for {
		need := s.manager.params.BatchSize - len(s.outstanding)
		if need <= 0 {
			return nil
		}
		page, err := s.manager.store.FetchBatch(ctxt, s.uaid, cursor, need)
		if err != nil {
			log.WithError(err).WithFields(s.LogTags).Error("Unable to read stored notifications")
			return nil
		}
		for _, msg := range page {
			cursor = msg.SortKey
			if _, ok := s.outstanding[outstandingKey{chid: msg.CHID, sortKey: msg.SortKey}]; ok {
				continue
			}
			if err := s.send(msg, false); err != nil {
				return err
			}
		}
		if len(page) < need {
			s.backlogPending = false
			return nil
		}
	}
}

// pushBroadcastChange send the subscribed broadcasts which changed since last sent
func (s *sessionImpl) pushBroadcastChange() error {
	if s.State() != StateReady {
		return nil
	}
	diff := s.manager.registry.DiffForSession(s.broadcasts)
	if len(diff) == 0 {
		return nil
	}
	for name, version := range diff {
		s.broadcasts[name] = version
	}
	return s.writeFrame(BroadcastFrame{MessageType: TypeBroadcast, Broadcasts: diff})
}

// ==============================================================================
// Inbound

// handleFrame process one client frame. A returned error closes the session.
func (s *sessionImpl) handleFrame(ctxt context.Context, raw []byte) error {
	frame, err := DecodeClientFrame(raw)
	if err != nil {
		return err
	}
	if s.State() == StateAwaitingHello {
		hello, ok := frame.(HelloFrame)
		if !ok {
			return fmt.Errorf("%s before hello: %w", frame.MessageType(), common.ErrProtocolViolation)
		}
		return s.onHello(ctxt, hello)
	}
	switch f := frame.(type) {
	case HelloFrame:
		return fmt.Errorf("repeated hello: %w", common.ErrProtocolViolation)
	case RegisterFrame:
		return s.onRegister(ctxt, f)
	case UnregisterFrame:
		return s.onUnregister(ctxt, f)
	case AckFrame:
		return s.onAck(ctxt, f)
	case BroadcastSubscribeFrame:
		return s.onBroadcastSubscribe(f)
	case PingFrame:
		return s.transport.WriteFrame(pingReply, s.manager.params.WriteTimeout)
	}
	return fmt.Errorf("unhandled %s: %w", frame.MessageType(), common.ErrProtocolViolation)
}

// expired whether a returning user agent has been away longer than the user retention
func (s *sessionImpl) expired(record common.RouterRecord) bool {
	retention := s.manager.params.UserRetention
	if retention <= 0 || record.ConnectedAt.IsZero() {
		return false
	}
	return time.Since(record.ConnectedAt) > retention
}

func (s *sessionImpl) onHello(ctxt context.Context, f HelloFrame) error {
	uaid := ""
	existing := false
	previousNode := ""
	if f.UAID != "" {
		if normalized, ok := common.NormalizeUAID(f.UAID); ok {
			record, err := s.manager.store.GetUser(ctxt, normalized)
			switch {
			case err == nil && s.expired(record):
				log.WithFields(s.LogTags).Infof(
					"UAID %s last connected %s, dropping it", normalized, record.ConnectedAt,
				)
				if err := s.manager.store.DropUser(ctxt, normalized); err != nil {
					log.WithError(err).WithFields(s.LogTags).Error("Unable to drop stale user agent")
					return err
				}
			case err == nil:
				uaid = normalized
				existing = true
				previousNode = record.NodeID
			case errors.Is(err, common.ErrNotFound):
				log.WithFields(s.LogTags).Debugf("Unknown UAID %s, minting a new one", normalized)
			default:
				log.WithError(err).WithFields(s.LogTags).Error("Unable to read router record")
				return err
			}
		}
	}
	if uaid == "" {
		uaid = common.NewUAID()
	}
	s.uaid = uaid
	s.LogTags["uaid"] = uaid

	now := time.Now()
	record := common.RouterRecord{
		UAID:          uaid,
		NodeID:        s.manager.params.NodeID,
		ConnectedAt:   now,
		StoragePeriod: common.StoragePeriodFor(now),
	}
	if err := s.manager.attach(ctxt, s, record); err != nil {
		s.uaid = ""
		return err
	}
	if existing && previousNode != "" && previousNode != s.manager.params.NodeID &&
		s.manager.notifier != nil {
		if err := s.manager.notifier.NotifyTakeover(ctxt, previousNode, uaid); err != nil {
			log.WithError(err).WithFields(s.LogTags).Warnf("Unable to notify %s of takeover", previousNode)
		}
	}

	if existing {
		channels, err := s.manager.store.ListChannels(ctxt, uaid)
		if err != nil {
			log.WithError(err).WithFields(s.LogTags).Error("Unable to load channels")
			return err
		}
		for _, channel := range channels {
			s.channels[channel.CHID] = channel
		}
	}

	// Subscribed before the diff so a poll landing in between still signals this session
	s.manager.registry.Subscribe(s.id, s.onBroadcastChange)
	diff := s.manager.registry.DiffForSession(f.Broadcasts)
	for name, version := range f.Broadcasts {
		s.broadcasts[name] = version
	}
	for name, version := range diff {
		s.broadcasts[name] = version
	}

	s.setState(StateReady)
	if err := s.writeFrame(HelloReply{
		MessageType: TypeHello,
		UAID:        uaid,
		Status:      http.StatusOK,
		UseWebPush:  true,
		Broadcasts:  diff,
	}); err != nil {
		return err
	}
	log.WithFields(s.LogTags).Infof("Hello with %d channels", len(s.channels))

	s.storagePending.Store(false)
	s.backlogPending = existing
	return s.pull(ctxt)
}

func (s *sessionImpl) onRegister(ctxt context.Context, f RegisterFrame) error {
	reply := RegisterReply{MessageType: TypeRegister, ChannelID: f.ChannelID}
	write := func(status int) error {
		reply.Status = status
		return s.writeFrame(reply)
	}

	chid, ok := common.NormalizeCHID(f.ChannelID)
	if !ok {
		log.WithFields(s.LogTags).Infof("Register with invalid channel ID '%s'", f.ChannelID)
		return write(http.StatusBadRequest)
	}
	reply.ChannelID = chid
	if f.Key != "" {
		if err := vapid.ValidateKey(f.Key); err != nil {
			log.WithError(err).WithFields(s.LogTags).Info("Register with invalid key")
			return write(http.StatusBadRequest)
		}
	}
	if existing, ok := s.channels[chid]; ok && !sameKey(existing.PublicKey, f.Key) {
		log.WithFields(s.LogTags).Infof("Register of %s with a different key", chid)
		return write(http.StatusConflict)
	}

	record := common.ChannelRecord{UAID: s.uaid, CHID: chid, PublicKey: f.Key, CreatedAt: time.Now()}
	if err := s.manager.store.AddChannel(ctxt, record); err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Unable to register %s", chid)
		return write(http.StatusInternalServerError)
	}
	endpoint, err := s.manager.endpoints.PushEndpoint(s.uaid, chid)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Unable to define endpoint of %s", chid)
		return write(http.StatusInternalServerError)
	}
	s.channels[chid] = record
	reply.PushEndpoint = endpoint
	log.WithFields(s.LogTags).Debugf("Registered %s", chid)
	return write(http.StatusOK)
}

func sameKey(a, b string) bool {
	if a == "" || b == "" {
		return a == b
	}
	return vapid.KeysMatch(a, b)
}

func (s *sessionImpl) onUnregister(ctxt context.Context, f UnregisterFrame) error {
	reply := UnregisterReply{MessageType: TypeUnregister, ChannelID: f.ChannelID}
	chid, ok := common.NormalizeCHID(f.ChannelID)
	if !ok {
		reply.Status = http.StatusBadRequest
		return s.writeFrame(reply)
	}
	reply.ChannelID = chid
	if _, err := s.manager.store.Unregister(ctxt, s.uaid, chid); err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Unable to unregister %s", chid)
		reply.Status = http.StatusInternalServerError
		return s.writeFrame(reply)
	}
	delete(s.channels, chid)
	for key := range s.outstanding {
		if key.chid == chid {
			delete(s.outstanding, key)
		}
	}
	log.WithFields(s.LogTags).Debugf("Unregistered %s (code %d)", chid, f.Code)
	reply.Status = http.StatusOK
	if err := s.writeFrame(reply); err != nil {
		return err
	}
	return s.pull(ctxt)
}

func (s *sessionImpl) onAck(ctxt context.Context, f AckFrame) error {
	for _, update := range f.Updates {
		sortKey, err := common.ParseVersion(update.Version)
		if err != nil {
			return fmt.Errorf("ack version '%s': %w", update.Version, common.ErrProtocolViolation)
		}
		chid := update.ChannelID
		if normalized, ok := common.NormalizeCHID(chid); ok {
			chid = normalized
		}
		key := outstandingKey{chid: chid, sortKey: sortKey}
		entry, found := s.outstanding[key]
		delete(s.outstanding, key)
		if found && entry.live {
			continue
		}
		if _, err := s.manager.store.Ack(ctxt, s.uaid, chid, sortKey); err != nil {
			// The notification is sent again on the next connection
			log.WithError(err).WithFields(s.LogTags).Warnf("Unable to remove acked %s", update.Version)
		}
	}
	return s.pull(ctxt)
}

func (s *sessionImpl) onBroadcastSubscribe(f BroadcastSubscribeFrame) error {
	diff := s.manager.registry.DiffForSession(f.Broadcasts)
	for name, version := range f.Broadcasts {
		s.broadcasts[name] = version
	}
	for name, version := range diff {
		s.broadcasts[name] = version
	}
	if len(diff) == 0 {
		return nil
	}
	return s.writeFrame(BroadcastFrame{MessageType: TypeBroadcast, Broadcasts: diff})
}
