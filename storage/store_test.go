package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/httpush/common"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

var utRetry = common.RetryParams{
	MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond * 2,
}

// flakyDriver fails the first N message writes
type flakyDriver struct {
	Driver
	lock     sync.Mutex
	failures int
}

func (d *flakyDriver) PutMessage(ctxt context.Context, msg common.Notification) error {
	d.lock.Lock()
	if d.failures > 0 {
		d.failures--
		d.lock.Unlock()
		return fmt.Errorf("injected failure")
	}
	d.lock.Unlock()
	return d.Driver.PutMessage(ctxt, msg)
}

func defineTestStore(t *testing.T, driver Driver) *storeImpl {
	uut, err := GetStore(driver, utRetry, "unit-test")
	assert.Nil(t, err)
	return uut.(*storeImpl)
}

func exerciseStore(t *testing.T, driver Driver) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()

	uut := defineTestStore(t, driver)
	clock := time.Now()
	uut.now = func() time.Time { return clock }

	uaid := common.NewUAID()
	chid := uuid.New().String()

	// Case 0: ttl=0 is never stored
	{
		_, err := uut.Enqueue(utCtxt, common.Notification{UAID: uaid, CHID: chid, TTL: 0})
		assert.True(errors.Is(err, common.ErrNotConnected))
		msgs, err := uut.FetchBatch(utCtxt, uaid, 0, 10)
		assert.Nil(err)
		assert.Len(msgs, 0)
	}

	// Case 1: round trip of data and headers
	{
		headers := common.NotificationHeaders{
			"encoding": "aesgcm", "encryption": "salt=abc", "crypto_key": "dh=def",
		}
		stored, err := uut.Enqueue(utCtxt, common.Notification{
			UAID: uaid, CHID: chid, TTL: 60, Headers: headers, Data: []byte{0x00, 0xff, 0x10},
		})
		assert.Nil(err)
		assert.NotZero(stored.SortKey)
		msgs, err := uut.FetchBatch(utCtxt, uaid, 0, 10)
		assert.Nil(err)
		assert.Len(msgs, 1)
		assert.Equal([]byte{0x00, 0xff, 0x10}, msgs[0].Data)
		assert.Equal(headers, msgs[0].Headers)

		// Case 1a: ack is idempotent
		removed, err := uut.Ack(utCtxt, uaid, chid, stored.SortKey)
		assert.Nil(err)
		assert.True(removed)
		removed, err = uut.Ack(utCtxt, uaid, chid, stored.SortKey)
		assert.Nil(err)
		assert.False(removed)
		msgs, err = uut.FetchBatch(utCtxt, uaid, 0, 10)
		assert.Nil(err)
		assert.Len(msgs, 0)
	}

	// Case 2: sort keys are strictly increasing even with a frozen clock
	{
		var last uint64
		for itr := 0; itr < 12; itr++ {
			stored, err := uut.Enqueue(utCtxt, common.Notification{
				UAID: uaid, CHID: chid, TTL: 60, Data: []byte(fmt.Sprintf("msg-%d", itr)),
			})
			assert.Nil(err)
			assert.Greater(stored.SortKey, last)
			last = stored.SortKey
		}
		next, err := uut.NextSortKey(utCtxt, uaid)
		assert.Nil(err)
		assert.Greater(next, last)

		// Bounded batches resume after the cursor
		first, err := uut.FetchBatch(utCtxt, uaid, 0, 6)
		assert.Nil(err)
		assert.Len(first, 6)
		assert.Equal([]byte("msg-0"), first[0].Data)
		second, err := uut.FetchBatch(utCtxt, uaid, first[5].SortKey, 6)
		assert.Nil(err)
		assert.Len(second, 6)
		assert.Equal([]byte("msg-6"), second[0].Data)
		third, err := uut.FetchBatch(utCtxt, uaid, second[5].SortKey, 6)
		assert.Nil(err)
		assert.Len(third, 0)

		// Acks in any order empty the store
		for itr := len(second) - 1; itr >= 0; itr-- {
			_, err := uut.Ack(utCtxt, uaid, chid, second[itr].SortKey)
			assert.Nil(err)
		}
		for _, msg := range first {
			_, err := uut.Ack(utCtxt, uaid, chid, msg.SortKey)
			assert.Nil(err)
		}
		msgs, err := uut.FetchBatch(utCtxt, uaid, 0, 20)
		assert.Nil(err)
		assert.Len(msgs, 0)
	}

	// Case 3: topic replacement keeps only the newest
	{
		_, err := uut.Enqueue(utCtxt, common.Notification{
			UAID: uaid, CHID: chid, TTL: 60, Topic: "Inbox", Data: []byte("first"),
		})
		assert.Nil(err)
		second, err := uut.Enqueue(utCtxt, common.Notification{
			UAID: uaid, CHID: chid, TTL: 60, Topic: "Inbox", Data: []byte("second"),
		})
		assert.Nil(err)
		msgs, err := uut.FetchBatch(utCtxt, uaid, 0, 10)
		assert.Nil(err)
		assert.Len(msgs, 1)
		assert.Equal([]byte("second"), msgs[0].Data)

		// Saving back an older copy of the topic does not displace the newer one
		stale, err := uut.Enqueue(utCtxt, common.Notification{
			UAID: uaid, CHID: chid, TTL: 60, Topic: "Inbox", Data: []byte("stale"),
			SortKey: second.SortKey - 1,
		})
		assert.Nil(err)
		assert.Equal(second.SortKey, stale.SortKey)
		msgs, err = uut.FetchBatch(utCtxt, uaid, 0, 10)
		assert.Nil(err)
		assert.Len(msgs, 1)
		assert.Equal([]byte("second"), msgs[0].Data)

		_, err = uut.Ack(utCtxt, uaid, chid, second.SortKey)
		assert.Nil(err)
	}

	// Case 4: expired messages are skipped and removed
	{
		short, err := uut.Enqueue(utCtxt, common.Notification{
			UAID: uaid, CHID: chid, TTL: 1, Data: []byte("short"),
		})
		assert.Nil(err)
		long, err := uut.Enqueue(utCtxt, common.Notification{
			UAID: uaid, CHID: chid, TTL: 600, Data: []byte("long"),
		})
		assert.Nil(err)
		clock = clock.Add(time.Second * 2)
		msgs, err := uut.FetchBatch(utCtxt, uaid, 0, 1)
		assert.Nil(err)
		assert.Len(msgs, 1)
		assert.Equal([]byte("long"), msgs[0].Data)
		removed, err := uut.Ack(utCtxt, uaid, chid, short.SortKey)
		assert.Nil(err)
		assert.False(removed)
		_, err = uut.Ack(utCtxt, uaid, chid, long.SortKey)
		assert.Nil(err)
	}

	// Case 5: periodic sweep
	{
		_, err := uut.Enqueue(utCtxt, common.Notification{UAID: uaid, CHID: chid, TTL: 1})
		assert.Nil(err)
		_, err = uut.Enqueue(utCtxt, common.Notification{UAID: uaid, CHID: chid, TTL: 1})
		assert.Nil(err)
		kept, err := uut.Enqueue(utCtxt, common.Notification{UAID: uaid, CHID: chid, TTL: 600})
		assert.Nil(err)
		clock = clock.Add(time.Second * 5)
		swept, err := uut.SweepExpired(utCtxt, 100)
		assert.Nil(err)
		assert.Equal(2, swept)
		msgs, err := uut.FetchBatch(utCtxt, uaid, 0, 10)
		assert.Nil(err)
		assert.Len(msgs, 1)
		_, err = uut.Ack(utCtxt, uaid, chid, kept.SortKey)
		assert.Nil(err)
	}

	// Case 6: sender delete removes the newest of the channel
	{
		older, err := uut.Enqueue(utCtxt, common.Notification{
			UAID: uaid, CHID: chid, TTL: 60, Data: []byte("older"),
		})
		assert.Nil(err)
		_, err = uut.Enqueue(utCtxt, common.Notification{
			UAID: uaid, CHID: chid, TTL: 60, Data: []byte("newer"),
		})
		assert.Nil(err)
		removed, err := uut.Delete(utCtxt, uaid, chid)
		assert.Nil(err)
		assert.True(removed)
		msgs, err := uut.FetchBatch(utCtxt, uaid, 0, 10)
		assert.Nil(err)
		assert.Len(msgs, 1)
		assert.Equal(older.SortKey, msgs[0].SortKey)
		removed, err = uut.Delete(utCtxt, uaid, uuid.New().String())
		assert.Nil(err)
		assert.False(removed)
	}

	// Case 7: unregister drops the channel and what it had pending
	{
		assert.Nil(uut.AddChannel(utCtxt, common.ChannelRecord{UAID: uaid, CHID: chid}))
		existed, err := uut.Unregister(utCtxt, uaid, chid)
		assert.Nil(err)
		assert.True(existed)
		msgs, err := uut.FetchBatch(utCtxt, uaid, 0, 10)
		assert.Nil(err)
		assert.Len(msgs, 0)
		_, err = uut.GetChannel(utCtxt, uaid, chid)
		assert.True(errors.Is(err, common.ErrNotFound))
	}
}

func TestStoreOnMemory(t *testing.T) {
	exerciseStore(t, GetMemoryDriver())
}

func TestStoreOnSQLite(t *testing.T) {
	driver, err := GetSQLiteDriver(context.Background(), ":memory:")
	assert.Nil(t, err)
	defer func() { _ = driver.Close() }()
	exerciseStore(t, driver)
}

func TestStoreRetries(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)
	utCtxt := context.Background()

	driver := &flakyDriver{Driver: GetMemoryDriver()}
	uut := defineTestStore(t, driver)
	uaid := common.NewUAID()
	chid := uuid.New().String()

	// Case 1: transient failures are absorbed
	{
		driver.failures = 2
		_, err := uut.Enqueue(utCtxt, common.Notification{UAID: uaid, CHID: chid, TTL: 60})
		assert.Nil(err)
	}

	// Case 2: persistent failure surfaces as storage transient
	{
		driver.failures = 10
		_, err := uut.Enqueue(utCtxt, common.Notification{UAID: uaid, CHID: chid, TTL: 60})
		assert.True(errors.Is(err, common.ErrStorageTransient))
	}

	// Case 3: not found is not retried
	{
		_, err := uut.GetUser(utCtxt, common.NewUAID())
		assert.True(errors.Is(err, common.ErrNotFound))
		assert.False(errors.Is(err, common.ErrStorageTransient))
	}
}

func TestStoreConcurrentEnqueue(t *testing.T) {
	assert := assert.New(t)
	utCtxt := context.Background()

	uut := defineTestStore(t, GetMemoryDriver())
	uaid := common.NewUAID()
	chid := uuid.New().String()

	wg := sync.WaitGroup{}
	for itr := 0; itr < 8; itr++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for count := 0; count < 25; count++ {
				_, err := uut.Enqueue(utCtxt, common.Notification{UAID: uaid, CHID: chid, TTL: 60})
				assert.Nil(err)
			}
		}()
	}
	wg.Wait()

	msgs, err := uut.FetchBatch(utCtxt, uaid, 0, 500)
	assert.Nil(err)
	assert.Len(msgs, 200)
	seen := map[uint64]bool{}
	for idx, msg := range msgs {
		assert.False(seen[msg.SortKey])
		seen[msg.SortKey] = true
		if idx > 0 {
			assert.Greater(msg.SortKey, msgs[idx-1].SortKey)
		}
	}
	assert.Equal(0, uut.locks.Len())
}
