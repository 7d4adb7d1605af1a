package nats

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/brojonat/charityledger/service/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ ledger.Publisher = (*JetStreamPublisher)(nil)
	_ ledger.Publisher = (*MockPublisher)(nil)
	_ Subscriber       = (*JetStreamSubscriber)(nil)
	_ Subscriber       = (*MockPublisher)(nil)
)

func TestSubjects(t *testing.T) {
	assert.Equal(t, "ledger.voucher_issued", Subject(ledger.EventVoucherIssued))
	assert.Equal(t, "ledger-42", MsgID(ledger.Event{Seq: 42}))

	subject, err := FilterSubject("")
	require.NoError(t, err)
	assert.Equal(t, "ledger.*", subject)

	subject, err = FilterSubject("transaction_completed")
	require.NoError(t, err)
	assert.Equal(t, "ledger.transaction_completed", subject)

	_, err = FilterSubject("wallet_drained")
	assert.Error(t, err)
}

func TestMockPublisherFanOut(t *testing.T) {
	mock := NewMockPublisher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var got []ledger.Event
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = mock.Subscribe(ctx, SubscribeOptions{Kind: string(ledger.EventVoucherIssued)}, func(ev ledger.Event) {
			mu.Lock()
			got = append(got, ev)
			mu.Unlock()
		})
	}()

	require.Eventually(t, func() bool { return mock.SubscriberCount() == 1 }, time.Second, 5*time.Millisecond)

	err := mock.Publish(ctx, []ledger.Event{
		{Seq: 1, Kind: ledger.EventBeneficiaryRegistered},
		{Seq: 2, Kind: ledger.EventVoucherIssued, Amount: 10},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
	assert.Equal(t, 0, mock.SubscriberCount())
	assert.Equal(t, uint64(2), got[0].Seq)
	assert.Equal(t, 2, mock.GetPublishedEventCount())
	assert.Len(t, mock.GetPublishedEventsOfKind(ledger.EventVoucherIssued), 1)
}

func TestMockPublisherError(t *testing.T) {
	mock := NewMockPublisher()
	mock.SetPublishError(errors.New("nats unavailable"))

	err := mock.Publish(context.Background(), []ledger.Event{{Seq: 1, Kind: ledger.EventDonationReceived}})
	assert.Error(t, err)
	assert.Equal(t, 0, mock.GetPublishedEventCount())

	mock.Reset()
	require.NoError(t, mock.Publish(context.Background(), []ledger.Event{{Seq: 1, Kind: ledger.EventDonationReceived}}))
	assert.Equal(t, 1, mock.GetPublishedEventCount())
}
