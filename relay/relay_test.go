package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/httpush/common"
	"github.com/alwitt/httpush/core"
	"github.com/alwitt/httpush/session"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
)

// fakeManager records what the receiver hands it
type fakeManager struct {
	session.Manager
	nodeID    string
	lock      sync.Mutex
	delivered []common.Notification
	checked   chan string
	evicted   chan string
	result    error
}

func (m *fakeManager) NodeID() string {
	return m.nodeID
}

func (m *fakeManager) Deliver(_ context.Context, msg common.Notification) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.result != nil {
		return m.result
	}
	m.delivered = append(m.delivered, msg)
	return nil
}

func (m *fakeManager) CheckStorage(uaid string) bool {
	m.checked <- uaid
	return true
}

func (m *fakeManager) Evict(uaid string) bool {
	m.evicted <- uaid
	return true
}

func (m *fakeManager) setResult(err error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.result = err
}

func defineTestNATSClient(t *testing.T, natsURI string) *core.NatsClient {
	logTags := log.Fields{"module": "relay_test"}
	client, err := core.GetNatsClient(core.NATSConnectParams{
		ServerURI:           natsURI,
		ConnectTimeout:      time.Second,
		MaxReconnectAttempt: 0,
		ReconnectWait:       time.Second,
		OnDisconnectCallback: func(_ *nats.Conn, e error) {
			if e != nil {
				log.WithError(e).WithFields(logTags).Error("Disconnect callback triggered with failure")
			}
		},
		OnReconnectCallback: func(_ *nats.Conn) {},
		OnCloseCallback:     func(_ *nats.Conn) {},
	})
	assert.Nil(t, err)
	return client
}

func TestNodeSubject(t *testing.T) {
	assert := assert.New(t)
	assert.Equal("httpush.node.node-1.deliver", NodeSubject("node-1", opDeliver))
	assert.Equal("httpush.node.node-1.evict", NodeSubject("node-1", opEvict))
}

func TestRelayRoundTrip(t *testing.T) {
	natsURI := common.GetUnitTestNatsURI()
	if natsURI == "" {
		t.Skip("UNITTEST_NATS_URI not set")
	}
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, cancel := context.WithTimeout(context.Background(), time.Second*30)
	defer cancel()

	nodeID := "ut-" + uuid.New().String()
	manager := &fakeManager{
		nodeID: nodeID, checked: make(chan string, 4), evicted: make(chan string, 4),
	}

	serverNC := defineTestNATSClient(t, natsURI)
	defer serverNC.Close(utCtxt)
	clientNC := defineTestNATSClient(t, natsURI)
	defer clientNC.Close(utCtxt)

	wg := sync.WaitGroup{}
	receiver, err := GetReceiver(utCtxt, serverNC, manager, 2)
	assert.Nil(err)
	assert.Nil(receiver.Start(&wg))
	assert.Nil(serverNC.NATs().Flush())

	uut := GetClient(clientNC, time.Second*2)
	uaid := common.NewUAID()
	msg := common.Notification{
		UAID: uaid, CHID: uuid.New().String(), SortKey: 42, TTL: 60,
		Timestamp: time.Now(), Data: []byte{0x01, 0x02},
	}

	// Case 1: delivered
	{
		assert.Nil(uut.Deliver(utCtxt, nodeID, msg))
		manager.lock.Lock()
		assert.Len(manager.delivered, 1)
		if len(manager.delivered) == 1 {
			assert.Equal(uint64(42), manager.delivered[0].SortKey)
			assert.Equal([]byte{0x01, 0x02}, manager.delivered[0].Data)
		}
		manager.lock.Unlock()
	}

	// Case 2: busy
	{
		manager.setResult(session.ErrSessionBusy)
		err := uut.Deliver(utCtxt, nodeID, msg)
		assert.True(errors.Is(err, session.ErrSessionBusy))
	}

	// Case 3: not connected
	{
		manager.setResult(common.ErrNotConnected)
		err := uut.Deliver(utCtxt, nodeID, msg)
		assert.True(errors.Is(err, common.ErrNotConnected))
	}

	// Case 4: check storage and takeover
	{
		assert.Nil(uut.CheckStorage(utCtxt, nodeID, uaid))
		assert.Nil(uut.NotifyTakeover(utCtxt, nodeID, uaid))
		assert.Nil(clientNC.NATs().Flush())
		select {
		case read := <-manager.checked:
			assert.Equal(uaid, read)
		case <-time.After(time.Second * 5):
			assert.Fail("check storage not relayed")
		}
		select {
		case read := <-manager.evicted:
			assert.Equal(uaid, read)
		case <-time.After(time.Second * 5):
			assert.Fail("takeover not relayed")
		}
	}

	// Case 5: node nobody listens on
	{
		err := uut.Deliver(utCtxt, "ut-"+uuid.New().String(), msg)
		assert.True(errors.Is(err, common.ErrNotConnected))
	}

	assert.Nil(receiver.Stop())
	wg.Wait()
}
