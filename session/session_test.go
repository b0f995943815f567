package session

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/httpush/broadcast"
	"github.com/alwitt/httpush/common"
	"github.com/alwitt/httpush/storage"
	"github.com/alwitt/httpush/token"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

// pipeTransport an in memory Transport
type pipeTransport struct {
	toServer  chan []byte
	toClient  chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newPipeTransport() *pipeTransport {
	return &pipeTransport{
		toServer: make(chan []byte, 16),
		toClient: make(chan []byte, 64),
		closed:   make(chan struct{}),
	}
}

func (p *pipeTransport) ReadFrame() ([]byte, error) {
	select {
	case frame := <-p.toServer:
		return frame, nil
	case <-p.closed:
		return nil, io.EOF
	}
}

func (p *pipeTransport) WriteFrame(frame []byte, timeout time.Duration) error {
	select {
	case p.toClient <- frame:
		return nil
	case <-p.closed:
		return io.ErrClosedPipe
	case <-time.After(timeout):
		return fmt.Errorf("write timed out")
	}
}

func (p *pipeTransport) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}

func (p *pipeTransport) RemoteAddr() string {
	return "pipe"
}

// testClient the client end of a pipeTransport
type testClient struct {
	t    *testing.T
	pipe *pipeTransport
	done chan error
}

func (c *testClient) send(frame interface{}) {
	raw, err := json.Marshal(frame)
	assert.Nil(c.t, err)
	c.pipe.toServer <- raw
}

func (c *testClient) sendRaw(raw string) {
	c.pipe.toServer <- []byte(raw)
}

func (c *testClient) recv() map[string]interface{} {
	select {
	case raw := <-c.pipe.toClient:
		parsed := map[string]interface{}{}
		assert.Nil(c.t, json.Unmarshal(raw, &parsed))
		return parsed
	case <-time.After(time.Second * 5):
		assert.Fail(c.t, "no frame from server")
		return map[string]interface{}{}
	}
}

// expectNothingPending a ping round trip shows no other frame was queued before it
func (c *testClient) expectNothingPending() {
	c.sendRaw("{}")
	assert.Len(c.t, c.recv(), 0)
}

func (c *testClient) hello(uaid string, broadcasts broadcast.Versions) string {
	frame := map[string]interface{}{"messageType": "hello", "use_webpush": true}
	if uaid != "" {
		frame["uaid"] = uaid
	}
	if broadcasts != nil {
		frame["broadcasts"] = broadcasts
	}
	c.send(frame)
	reply := c.recv()
	assert.Equal(c.t, "hello", reply["messageType"])
	assert.Equal(c.t, float64(http.StatusOK), reply["status"])
	assert.Equal(c.t, true, reply["use_webpush"])
	readUAID, _ := reply["uaid"].(string)
	return readUAID
}

func (c *testClient) ack(notification map[string]interface{}) {
	c.send(map[string]interface{}{
		"messageType": "ack",
		"updates": []map[string]interface{}{
			{"channelID": notification["channelID"], "version": notification["version"]},
		},
	})
}

func (c *testClient) disconnect() error {
	_ = c.pipe.Close()
	select {
	case err := <-c.done:
		return err
	case <-time.After(time.Second * 5):
		assert.Fail(c.t, "session did not end")
		return nil
	}
}

// sessionFixture a manager plus everything it depends on
type sessionFixture struct {
	store    storage.Store
	registry broadcast.Registry
	manager  Manager
	ctxt     context.Context
}

func defineSessionFixture(t *testing.T, ctxt context.Context, params Params) sessionFixture {
	return defineSessionFixtureWithRegistry(t, ctxt, params, broadcast.GetRegistry())
}

func defineSessionFixtureWithRegistry(
	t *testing.T, ctxt context.Context, params Params, registry broadcast.Registry,
) sessionFixture {
	store, err := storage.GetStore(storage.GetMemoryDriver(), common.RetryParams{
		MaxAttempts: 1, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond,
	}, "ut")
	assert.Nil(t, err)
	key, err := token.GenerateKey()
	assert.Nil(t, err)
	codec, err := token.GetCodec(key)
	assert.Nil(t, err)
	endpoints, err := token.GetEndpointFormatter(codec, "http://127.0.0.1:8082", "/")
	assert.Nil(t, err)
	manager, err := GetManager(params, store, registry, endpoints, nil)
	assert.Nil(t, err)
	return sessionFixture{store: store, registry: registry, manager: manager, ctxt: ctxt}
}

func (f sessionFixture) connect(t *testing.T) *testClient {
	client := &testClient{t: t, pipe: newPipeTransport(), done: make(chan error, 1)}
	go func() {
		client.done <- f.manager.Serve(f.ctxt, client.pipe)
	}()
	return client
}

func defineTestAppKey(t *testing.T) string {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	assert.Nil(t, err)
	pub, err := priv.PublicKey.ECDH()
	assert.Nil(t, err)
	return base64.RawURLEncoding.EncodeToString(pub.Bytes())
}

func defaultTestParams() Params {
	return Params{
		NodeID: "ut-node", BatchSize: 6, IdleTimeout: time.Second * 30,
		InboxDepth: 4, WriteTimeout: time.Second,
	}
}

func TestSessionHandshake(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, cancel := context.WithTimeout(context.Background(), time.Second*30)
	defer cancel()
	fixture := defineSessionFixture(t, utCtxt, defaultTestParams())

	// Case 1: hello without uaid mints one
	var uaid string
	{
		client := fixture.connect(t)
		uaid = client.hello("", nil)
		assert.Len(uaid, 32)
		record, err := fixture.store.GetUser(utCtxt, uaid)
		assert.Nil(err)
		assert.Equal("ut-node", record.NodeID)
		assert.True(fixture.manager.Connected(uaid))

		// Ping
		client.expectNothingPending()

		// Case 1a: repeated hello is a violation
		client.send(map[string]interface{}{"messageType": "hello"})
		select {
		case err := <-client.done:
			assert.True(errors.Is(err, common.ErrProtocolViolation))
		case <-time.After(time.Second * 5):
			assert.Fail("session did not end")
		}
		assert.False(fixture.manager.Connected(uaid))
		record, err = fixture.store.GetUser(utCtxt, uaid)
		assert.Nil(err)
		assert.Equal("", record.NodeID)
	}

	// Case 2: returning uaid is kept
	{
		client := fixture.connect(t)
		assert.Equal(uaid, client.hello(uaid, nil))
		assert.Nil(client.disconnect())
	}

	// Case 3: unknown uaid is replaced
	{
		client := fixture.connect(t)
		unknown := common.NewUAID()
		minted := client.hello(unknown, nil)
		assert.NotEqual(unknown, minted)
		assert.Len(minted, 32)
		assert.Nil(client.disconnect())
	}

	// Case 4: frame before hello
	{
		client := fixture.connect(t)
		client.send(map[string]interface{}{"messageType": "register", "channelID": uuid.New().String()})
		select {
		case err := <-client.done:
			assert.True(errors.Is(err, common.ErrProtocolViolation))
		case <-time.After(time.Second * 5):
			assert.Fail("session did not end")
		}
	}

	// Case 5: unknown frame type
	{
		client := fixture.connect(t)
		client.hello("", nil)
		client.sendRaw(`{"messageType":"subscribe"}`)
		select {
		case err := <-client.done:
			assert.True(errors.Is(err, common.ErrProtocolViolation))
		case <-time.After(time.Second * 5):
			assert.Fail("session did not end")
		}
	}

	// Case 6: a newer session takes over the uaid
	{
		first := fixture.connect(t)
		firstUAID := first.hello("", nil)
		second := fixture.connect(t)
		assert.Equal(firstUAID, second.hello(firstUAID, nil))
		select {
		case err := <-first.done:
			assert.Nil(err)
		case <-time.After(time.Second * 5):
			assert.Fail("older session did not end")
		}
		// The older session must not mark the user agent offline
		record, err := fixture.store.GetUser(utCtxt, firstUAID)
		assert.Nil(err)
		assert.Equal("ut-node", record.NodeID)
		assert.True(fixture.manager.Connected(firstUAID))
		assert.Nil(second.disconnect())
	}
}

func TestSessionRegister(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, cancel := context.WithTimeout(context.Background(), time.Second*30)
	defer cancel()
	fixture := defineSessionFixture(t, utCtxt, defaultTestParams())

	client := fixture.connect(t)
	uaid := client.hello("", nil)
	chid := uuid.New().String()

	// Case 1: register
	{
		client.send(map[string]interface{}{"messageType": "register", "channelID": chid})
		reply := client.recv()
		assert.Equal("register", reply["messageType"])
		assert.Equal(chid, reply["channelID"])
		assert.Equal(float64(http.StatusOK), reply["status"])
		assert.Contains(reply["pushEndpoint"], "http://127.0.0.1:8082/wpush/v1/")
		_, err := fixture.store.GetChannel(utCtxt, uaid, chid)
		assert.Nil(err)
	}

	// Case 2: bad channel ID
	{
		client.send(map[string]interface{}{"messageType": "register", "channelID": "not-a-uuid"})
		reply := client.recv()
		assert.Equal(float64(http.StatusBadRequest), reply["status"])
	}

	// Case 3: bad key
	{
		client.send(map[string]interface{}{
			"messageType": "register", "channelID": uuid.New().String(), "key": "AAAA",
		})
		reply := client.recv()
		assert.Equal(float64(http.StatusBadRequest), reply["status"])
	}

	// Case 4: same channel with a key is a conflict
	{
		client.send(map[string]interface{}{
			"messageType": "register", "channelID": chid,
			"key": defineTestAppKey(t),
		})
		reply := client.recv()
		assert.Equal(float64(http.StatusConflict), reply["status"])
	}

	// Case 5: unregister drops pending notifications
	{
		_, err := fixture.store.Enqueue(utCtxt, common.Notification{
			UAID: uaid, CHID: chid, TTL: 60, Data: []byte("pending"),
		})
		assert.Nil(err)
		client.send(map[string]interface{}{"messageType": "unregister", "channelID": chid})
		reply := client.recv()
		assert.Equal("unregister", reply["messageType"])
		assert.Equal(float64(http.StatusOK), reply["status"])
		_, err = fixture.store.GetChannel(utCtxt, uaid, chid)
		assert.True(errors.Is(err, common.ErrNotFound))
		msgs, err := fixture.store.FetchBatch(utCtxt, uaid, 0, 10)
		assert.Nil(err)
		assert.Len(msgs, 0)
	}

	assert.Nil(client.disconnect())
}

func TestSessionStoredDelivery(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, cancel := context.WithTimeout(context.Background(), time.Second*30)
	defer cancel()
	fixture := defineSessionFixture(t, utCtxt, defaultTestParams())

	client := fixture.connect(t)
	uaid := client.hello("", nil)
	chid := uuid.New().String()
	client.send(map[string]interface{}{"messageType": "register", "channelID": chid})
	client.recv()
	assert.Nil(client.disconnect())

	// Case 1: stored while offline, delivered once on connect
	{
		_, err := fixture.store.Enqueue(utCtxt, common.Notification{
			UAID: uaid, CHID: chid, TTL: 60, Data: []byte("X"),
			Headers: common.NotificationHeaders{"encoding": "aes128gcm"},
		})
		assert.Nil(err)

		client = fixture.connect(t)
		client.hello(uaid, nil)
		notification := client.recv()
		assert.Equal("notification", notification["messageType"])
		assert.Equal(chid, notification["channelID"])
		assert.Equal(base64.RawURLEncoding.EncodeToString([]byte("X")), notification["data"])
		assert.Equal(map[string]interface{}{"encoding": "aes128gcm"}, notification["headers"])
		client.expectNothingPending()
		client.ack(notification)
		client.expectNothingPending()
		assert.Nil(client.disconnect())

		client = fixture.connect(t)
		client.hello(uaid, nil)
		client.expectNothingPending()
		assert.Nil(client.disconnect())
	}

	// Case 2: topic replacement while offline
	{
		for _, payload := range []string{"first", "second"} {
			_, err := fixture.store.Enqueue(utCtxt, common.Notification{
				UAID: uaid, CHID: chid, TTL: 60, Topic: "Inbox", Data: []byte(payload),
			})
			assert.Nil(err)
		}
		client = fixture.connect(t)
		client.hello(uaid, nil)
		notification := client.recv()
		assert.Equal(base64.RawURLEncoding.EncodeToString([]byte("second")), notification["data"])
		client.expectNothingPending()

		// Unacked, so it comes back on the next connection
		assert.Nil(client.disconnect())
		client = fixture.connect(t)
		client.hello(uaid, nil)
		again := client.recv()
		assert.Equal(notification["version"], again["version"])
		client.ack(again)
		client.expectNothingPending()
		assert.Nil(client.disconnect())
	}

	// Case 3: batch bound
	{
		for itr := 0; itr < 12; itr++ {
			_, err := fixture.store.Enqueue(utCtxt, common.Notification{
				UAID: uaid, CHID: chid, TTL: 60, Data: []byte(fmt.Sprintf("msg-%02d", itr)),
			})
			assert.Nil(err)
		}
		client = fixture.connect(t)
		client.hello(uaid, nil)
		first := []map[string]interface{}{}
		for itr := 0; itr < 6; itr++ {
			first = append(first, client.recv())
		}
		for itr, notification := range first {
			assert.Equal(
				base64.RawURLEncoding.EncodeToString([]byte(fmt.Sprintf("msg-%02d", itr))),
				notification["data"],
			)
		}
		client.expectNothingPending()

		// One ack frees one slot
		client.ack(first[3])
		seventh := client.recv()
		assert.Equal(base64.RawURLEncoding.EncodeToString([]byte("msg-06")), seventh["data"])
		client.expectNothingPending()

		// Ack everything in reverse
		remaining := append([]map[string]interface{}{}, first[:3]...)
		remaining = append(remaining, first[4:]...)
		remaining = append(remaining, seventh)
		for itr := len(remaining) - 1; itr >= 0; itr-- {
			client.ack(remaining[itr])
		}
		rest := []map[string]interface{}{}
		for itr := 0; itr < 5; itr++ {
			rest = append(rest, client.recv())
		}
		assert.Equal(base64.RawURLEncoding.EncodeToString([]byte("msg-11")), rest[4]["data"])
		for _, notification := range rest {
			client.ack(notification)
		}
		client.expectNothingPending()
		msgs, err := fixture.store.FetchBatch(utCtxt, uaid, 0, 20)
		assert.Nil(err)
		assert.Len(msgs, 0)
		assert.Nil(client.disconnect())
	}
}

func TestSessionLiveDelivery(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, cancel := context.WithTimeout(context.Background(), time.Second*30)
	defer cancel()
	params := defaultTestParams()
	params.BatchSize = 2
	fixture := defineSessionFixture(t, utCtxt, params)

	client := fixture.connect(t)
	uaid := client.hello("", nil)
	chid := uuid.New().String()

	liveMsg := func(payload string) common.Notification {
		sortKey, err := fixture.store.NextSortKey(utCtxt, uaid)
		assert.Nil(err)
		return common.Notification{
			UAID: uaid, CHID: chid, SortKey: sortKey, TTL: 60, Timestamp: time.Now(),
			Data: []byte(payload),
		}
	}

	// Case 1: no session
	{
		err := fixture.manager.Deliver(utCtxt, common.Notification{UAID: common.NewUAID()})
		assert.True(errors.Is(err, common.ErrNotConnected))
	}

	// Case 2: live delivery up to the bound
	var delivered []map[string]interface{}
	{
		assert.Nil(fixture.manager.Deliver(utCtxt, liveMsg("live-1")))
		assert.Nil(fixture.manager.Deliver(utCtxt, liveMsg("live-2")))
		err := fixture.manager.Deliver(utCtxt, liveMsg("live-3"))
		assert.True(errors.Is(err, ErrSessionBusy))
		delivered = append(delivered, client.recv(), client.recv())
		assert.Equal(base64.RawURLEncoding.EncodeToString([]byte("live-1")), delivered[0]["data"])
		client.expectNothingPending()
	}

	// Case 3: stored notifications block live ones until drained
	{
		_, err := fixture.store.Enqueue(utCtxt, common.Notification{
			UAID: uaid, CHID: chid, TTL: 60, Data: []byte("stored"),
		})
		assert.Nil(err)
		assert.True(fixture.manager.CheckStorage(uaid))
		err = fixture.manager.Deliver(utCtxt, liveMsg("live-4"))
		assert.True(errors.Is(err, ErrSessionBusy))

		client.ack(delivered[0])
		stored := client.recv()
		assert.Equal(base64.RawURLEncoding.EncodeToString([]byte("stored")), stored["data"])
		client.ack(stored)
		client.expectNothingPending()
	}

	// Case 4: unacked live notifications are saved on disconnect
	{
		assert.Nil(client.disconnect())
		msgs, err := fixture.store.FetchBatch(utCtxt, uaid, 0, 10)
		assert.Nil(err)
		assert.Len(msgs, 1)
		assert.Equal([]byte("live-2"), msgs[0].Data)
	}

	// Case 5: ttl=0 live notification is never saved
	{
		client = fixture.connect(t)
		client.hello(uaid, nil)
		saved := client.recv()
		client.ack(saved)
		client.expectNothingPending()
		msg := liveMsg("now-or-never")
		msg.TTL = 0
		assert.Nil(fixture.manager.Deliver(utCtxt, msg))
		client.recv()
		assert.Nil(client.disconnect())
		msgs, err := fixture.store.FetchBatch(utCtxt, uaid, 0, 10)
		assert.Nil(err)
		assert.Len(msgs, 0)
	}
}

func TestSessionBroadcast(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, cancel := context.WithTimeout(context.Background(), time.Second*30)
	defer cancel()
	fixture := defineSessionFixture(t, utCtxt, defaultTestParams())
	fixture.registry.ApplyPoll(broadcast.Versions{"svc": "v2", "other": "o1"})

	client := fixture.connect(t)

	// Case 1: hello reports what changed
	{
		client.send(map[string]interface{}{
			"messageType": "hello", "use_webpush": true,
			"broadcasts": map[string]string{"svc": "v1", "unknown": "u1"},
		})
		reply := client.recv()
		assert.Equal(map[string]interface{}{"svc": "v2"}, reply["broadcasts"])
	}

	// Case 2: a poll change is pushed
	{
		fixture.registry.ApplyPoll(broadcast.Versions{"svc": "v3"})
		frame := client.recv()
		assert.Equal("broadcast", frame["messageType"])
		assert.Equal(map[string]interface{}{"svc": "v3"}, frame["broadcasts"])
	}

	// Case 3: changes to services the session does not follow are not pushed
	{
		fixture.registry.ApplyPoll(broadcast.Versions{"other": "o2"})
		client.expectNothingPending()
	}

	// Case 4: subscribe later
	{
		client.send(map[string]interface{}{
			"messageType": "broadcast_subscribe", "broadcasts": map[string]string{"other": "o1"},
		})
		frame := client.recv()
		assert.Equal(map[string]interface{}{"other": "o2"}, frame["broadcasts"])
		fixture.registry.ApplyPoll(broadcast.Versions{"other": "o3"})
		frame = client.recv()
		assert.Equal(map[string]interface{}{"other": "o3"}, frame["broadcasts"])
	}

	assert.Nil(client.disconnect())
}

func TestSessionStaleUser(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, cancel := context.WithTimeout(context.Background(), time.Second*30)
	defer cancel()
	params := defaultTestParams()
	params.UserRetention = time.Hour * 24
	fixture := defineSessionFixture(t, utCtxt, params)

	define := func(away time.Duration) (string, string) {
		uaid := common.NewUAID()
		chid := uuid.New().String()
		connected := time.Now().Add(-away)
		assert.Nil(fixture.store.PutUser(utCtxt, common.RouterRecord{
			UAID: uaid, ConnectedAt: connected, StoragePeriod: common.StoragePeriodFor(connected),
		}))
		assert.Nil(fixture.store.AddChannel(utCtxt, common.ChannelRecord{
			UAID: uaid, CHID: chid, CreatedAt: connected,
		}))
		_, err := fixture.store.Enqueue(utCtxt, common.Notification{
			UAID: uaid, CHID: chid, TTL: 60, Data: []byte("old"),
		})
		assert.Nil(err)
		return uaid, chid
	}

	// Case 1: a user agent away past the retention is dropped and gets a new UAID
	{
		uaid, chid := define(time.Hour * 48)
		client := fixture.connect(t)
		minted := client.hello(uaid, nil)
		assert.NotEqual(uaid, minted)
		client.expectNothingPending()
		_, err := fixture.store.GetUser(utCtxt, uaid)
		assert.True(errors.Is(err, common.ErrNotFound))
		_, err = fixture.store.GetChannel(utCtxt, uaid, chid)
		assert.True(errors.Is(err, common.ErrNotFound))
		msgs, err := fixture.store.FetchBatch(utCtxt, uaid, 0, 10)
		assert.Nil(err)
		assert.Len(msgs, 0)
		assert.Nil(client.disconnect())
	}

	// Case 2: a recent user agent keeps its UAID and pending notifications
	{
		uaid, _ := define(time.Hour)
		client := fixture.connect(t)
		assert.Equal(uaid, client.hello(uaid, nil))
		notification := client.recv()
		assert.Equal("notification", notification["messageType"])
		client.ack(notification)
		assert.Nil(client.disconnect())
	}
}

// racingRegistry applies a poll right after the first session diff is computed
type racingRegistry struct {
	broadcast.Registry
	once sync.Once
	poll broadcast.Versions
}

func (r *racingRegistry) DiffForSession(known broadcast.Versions) broadcast.Versions {
	diff := r.Registry.DiffForSession(known)
	r.once.Do(func() { r.Registry.ApplyPoll(r.poll) })
	return diff
}

func TestSessionBroadcastDuringHello(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, cancel := context.WithTimeout(context.Background(), time.Second*30)
	defer cancel()
	registry := &racingRegistry{
		Registry: broadcast.GetRegistry(), poll: broadcast.Versions{"svc": "v2"},
	}
	registry.Registry.ApplyPoll(broadcast.Versions{"svc": "v1"})
	fixture := defineSessionFixtureWithRegistry(t, utCtxt, defaultTestParams(), registry)

	client := fixture.connect(t)
	client.hello("", broadcast.Versions{"svc": "v1"})

	// The poll which landed while hello was processed is still delivered
	frame := client.recv()
	assert.Equal("broadcast", frame["messageType"])
	assert.Equal(map[string]interface{}{"svc": "v2"}, frame["broadcasts"])
	client.expectNothingPending()

	assert.Nil(client.disconnect())
}

func TestSessionIdle(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, cancel := context.WithTimeout(context.Background(), time.Second*30)
	defer cancel()
	params := defaultTestParams()
	params.IdleTimeout = time.Millisecond * 200
	fixture := defineSessionFixture(t, utCtxt, params)

	client := fixture.connect(t)
	uaid := client.hello("", nil)
	select {
	case err := <-client.done:
		assert.Nil(err)
	case <-time.After(time.Second * 5):
		assert.Fail("idle session did not end")
	}
	assert.False(fixture.manager.Connected(uaid))
}

func TestSessionServerStop(t *testing.T) {
	assert := assert.New(t)

	utCtxt, cancel := context.WithCancel(context.Background())
	fixture := defineSessionFixture(t, utCtxt, defaultTestParams())
	client := fixture.connect(t)
	uaid := client.hello("", nil)
	assert.Equal(1, fixture.manager.Count())
	cancel()
	select {
	case <-client.done:
	case <-time.After(time.Second * 5):
		assert.Fail("session did not end")
	}
	assert.False(fixture.manager.Connected(uaid))
	assert.Equal(0, fixture.manager.Count())
}
