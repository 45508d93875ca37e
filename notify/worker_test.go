package notify_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/lcfs/compliance-engine/compliance"
	"github.com/lcfs/compliance-engine/compliance/store"
	"github.com/lcfs/compliance-engine/notify"
)

type mockSender struct {
	mock.Mock
}

func (m *mockSender) Send(ctx context.Context, e compliance.EmailRequest) error {
	return m.Called(e.ID).Error(0)
}

var t0 = time.Date(2025, time.April, 2, 9, 0, 0, 0, time.UTC)

func enqueue(t *testing.T, mem *store.Memory, ids ...string) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, mem.EnqueueEmail(context.Background(), compliance.EmailRequest{
			ID:          id,
			RecipientID: "analyst",
			Address:     "analyst@gov.bc.example",
			Type:        compliance.NotifyAnalystSubmitted,
			Subject:     "Compliance report submitted",
			Status:      compliance.EmailPending,
			CreatedAt:   t0,
			UpdatedAt:   t0,
		}))
	}
}

func newWorker(mem *store.Memory, sender notify.EmailSender) *notify.Worker {
	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)
	w := notify.NewWorker(mem, sender, log)
	w.MaxAttempts = 2
	w.Now = func() time.Time { return t0 }
	return w
}

func pendingIDs(t *testing.T, mem *store.Memory) []string {
	t.Helper()
	pending, err := mem.PendingEmails(context.Background(), 0)
	require.NoError(t, err)
	ids := make([]string, 0, len(pending))
	for _, e := range pending {
		ids = append(ids, e.ID)
	}
	return ids
}

func TestWorker_SendsPending(t *testing.T) {
	mem := store.NewMemory()
	enqueue(t, mem, "email-1", "email-2")
	sender := &mockSender{}
	sender.On("Send", "email-1").Return(nil).Once()
	sender.On("Send", "email-2").Return(nil).Once()

	res := newWorker(mem, sender).RunOnce(context.Background())

	assert.Equal(t, notify.Result{Sent: 2}, res)
	assert.Empty(t, pendingIDs(t, mem))
	sender.AssertExpectations(t)
}

func TestWorker_RetriesThenFails(t *testing.T) {
	// GIVEN: A transport that keeps failing and MaxAttempts of 2
	// WHEN: Two batches run
	// THEN: The first leaves the request pending and the second marks it failed
	mem := store.NewMemory()
	enqueue(t, mem, "email-1")
	sender := &mockSender{}
	sender.On("Send", "email-1").Return(errors.New("smtp unavailable")).Twice()
	w := newWorker(mem, sender)

	first := w.RunOnce(context.Background())
	assert.Equal(t, notify.Result{Retry: 1}, first)
	pending, err := mem.PendingEmails(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].Attempts)
	assert.Equal(t, "smtp unavailable", pending[0].LastError)

	second := w.RunOnce(context.Background())
	assert.Equal(t, notify.Result{Failed: 1}, second)
	assert.Empty(t, pendingIDs(t, mem))

	third := w.RunOnce(context.Background())
	assert.Equal(t, notify.Result{}, third)
	sender.AssertExpectations(t)
}

func TestWorker_MixedBatch(t *testing.T) {
	mem := store.NewMemory()
	enqueue(t, mem, "email-ok", "email-bad")
	sender := &mockSender{}
	sender.On("Send", "email-ok").Return(nil)
	sender.On("Send", "email-bad").Return(errors.New("mailbox full"))

	res := newWorker(mem, sender).RunOnce(context.Background())

	assert.Equal(t, notify.Result{Sent: 1, Retry: 1}, res)
	assert.Equal(t, []string{"email-bad"}, pendingIDs(t, mem))
}

func TestWorker_StartStop(t *testing.T) {
	// GIVEN: A started worker
	// WHEN: It is stopped
	// THEN: The initial batch has run and Stop is safe to repeat
	mem := store.NewMemory()
	enqueue(t, mem, "email-1")
	sender := &mockSender{}
	sender.On("Send", "email-1").Return(nil).Once()
	w := newWorker(mem, sender)
	w.Interval = time.Hour

	w.Start()
	require.Eventually(t, func() bool { return len(pendingIDs(t, mem)) == 0 }, time.Second, 10*time.Millisecond)
	w.Stop()
	w.Stop()

	sender.AssertExpectations(t)
}

func TestLogSender_NeverFails(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	err := notify.LogSender{Log: log}.Send(context.Background(), compliance.EmailRequest{ID: "email-1"})

	assert.NoError(t, err)
}
