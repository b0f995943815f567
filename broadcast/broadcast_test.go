package broadcast

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/httpush/common"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func TestRegistry(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut := GetRegistry()

	notified := []Versions{}
	uut.Subscribe("ut", func(diff Versions) { notified = append(notified, diff) })

	// Case 1: first poll is all new
	{
		diff := uut.ApplyPoll(Versions{"remote-settings/monitor_changes": "v1", "tracking": "t1"})
		assert.Equal(Versions{"remote-settings/monitor_changes": "v1", "tracking": "t1"}, diff)
		assert.Len(notified, 1)
	}

	// Case 2: unchanged poll produces no diff and no notification
	{
		diff := uut.ApplyPoll(Versions{"remote-settings/monitor_changes": "v1", "tracking": "t1"})
		assert.Len(diff, 0)
		assert.Len(notified, 1)
	}

	// Case 3: partial poll only changes what it names
	{
		diff := uut.ApplyPoll(Versions{"tracking": "t2"})
		assert.Equal(Versions{"tracking": "t2"}, diff)
		assert.Equal(
			Versions{"remote-settings/monitor_changes": "v1", "tracking": "t2"}, uut.(*registryImpl).current(),
		)
		assert.Len(notified, 2)
		assert.Equal(Versions{"tracking": "t2"}, notified[1])
	}

	// Case 4: session diff
	{
		diff := uut.DiffForSession(Versions{
			"remote-settings/monitor_changes": "v1", "tracking": "t1", "unknown": "u1",
		})
		assert.Equal(Versions{"tracking": "t2"}, diff)
		assert.Len(uut.DiffForSession(Versions{}), 0)
	}

	// Case 5: unsubscribed listeners are not called
	{
		uut.Unsubscribe("ut")
		uut.ApplyPoll(Versions{"tracking": "t3"})
		assert.Len(notified, 2)
	}

	// Case 6: the registry keeps the last poll
	{
		assert.Equal(
			Versions{"remote-settings/monitor_changes": "v1", "tracking": "t3"},
			uut.(*registryImpl).current(),
		)
	}
}

func TestPoller(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	var lock sync.Mutex
	failing := false
	current := Versions{"svc": "v1"}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lock.Lock()
		defer lock.Unlock()
		if r.Header.Get("Authorization") != "Bearer ut-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if failing {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(PollResponse{Broadcasts: current})
	}))
	defer server.Close()

	registry := GetRegistry()
	uut, err := GetPoller(common.BroadcastConfig{
		SourceURL: server.URL, Token: "ut-token", PollInterval: 1, RequestTimeout: 1,
	}, registry, server.Client())
	assert.Nil(err)

	utCtxt, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()

	// Case 1: successful poll
	{
		assert.Nil(uut.PollOnce(utCtxt))
		assert.Equal(Versions{"svc": "v1"}, registry.(*registryImpl).current())
	}

	// Case 2: failed poll leaves state alone
	{
		lock.Lock()
		failing = true
		lock.Unlock()
		assert.NotNil(uut.PollOnce(utCtxt))
		assert.Equal(Versions{"svc": "v1"}, registry.(*registryImpl).current())
	}

	// Case 3: recovers on the next poll
	{
		lock.Lock()
		failing = false
		current = Versions{"svc": "v2"}
		lock.Unlock()
		assert.Nil(uut.PollOnce(utCtxt))
		assert.Equal(Versions{"svc": "v2"}, registry.(*registryImpl).current())
	}

	// Case 4: bad credential
	{
		other, err := GetPoller(common.BroadcastConfig{
			SourceURL: server.URL, Token: "wrong", PollInterval: 1, RequestTimeout: 1,
		}, registry, server.Client())
		assert.Nil(err)
		assert.NotNil(other.PollOnce(utCtxt))
		assert.Equal(Versions{"svc": "v2"}, registry.(*registryImpl).current())
	}

	// Case 5: no source
	{
		_, err := GetPoller(common.BroadcastConfig{}, registry, nil)
		assert.NotNil(err)
	}
}

func TestPollerLoop(t *testing.T) {
	assert := assert.New(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(PollResponse{Broadcasts: Versions{"svc": "v9"}})
	}))
	defer server.Close()

	registry := GetRegistry()
	changed := make(chan Versions, 1)
	registry.Subscribe("ut", func(diff Versions) {
		select {
		case changed <- diff:
		default:
		}
	})
	uut, err := GetPoller(common.BroadcastConfig{
		SourceURL: server.URL, PollInterval: 1, RequestTimeout: 1,
	}, registry, server.Client())
	assert.Nil(err)

	utCtxt, cancel := context.WithCancel(context.Background())
	wg := sync.WaitGroup{}
	assert.Nil(uut.Start(utCtxt, &wg))

	select {
	case diff := <-changed:
		assert.Equal(Versions{"svc": "v9"}, diff)
	case <-time.After(time.Second * 5):
		assert.Fail("no broadcast change seen")
	}
	cancel()
	wg.Wait()
}
