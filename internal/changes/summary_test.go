package changes

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	published []Notification
	err       error
}

func (r *recordingNotifier) Publish(_ context.Context, n Notification) error {
	r.published = append(r.published, n)
	return r.err
}

func TestSummaryUnion(t *testing.T) {
	a := NewSummary()
	a.AddUser(1)
	a.AddRepo(100)

	b := NewSummary()
	b.AddUser(1)
	b.AddUser(2)
	b.AddOrg(9)

	a.Union(b)
	assert.Equal(t, []int64{1, 2}, a.Users())
	assert.Equal(t, []int64{9}, a.Orgs())
	assert.Equal(t, []int64{100}, a.Repos())

	// Union is idempotent.
	a.Union(b)
	assert.Equal(t, []int64{1, 2}, a.Users())

	// Union with nil is a no-op.
	a.Union(nil)
	assert.Equal(t, []int64{1, 2}, a.Users())
}

func TestSummaryIgnoresZeroIDs(t *testing.T) {
	s := NewSummary()
	s.AddUser(0)
	s.AddOrg(0)
	s.AddRepo(0)
	assert.True(t, s.Empty())
}

func TestSubmitSkipsEmpty(t *testing.T) {
	notifier := &recordingNotifier{}
	Submit(context.Background(), notifier, NewSummary())
	assert.Empty(t, notifier.published)

	Submit(context.Background(), notifier, nil)
	assert.Empty(t, notifier.published)
}

func TestSubmitPublishesSorted(t *testing.T) {
	s := NewSummary()
	s.AddRepo(300)
	s.AddRepo(100)
	s.AddRepo(200)
	s.AddUser(2)
	s.AddUser(1)

	notifier := &recordingNotifier{}
	Submit(context.Background(), notifier, s)
	require.Len(t, notifier.published, 1)
	assert.Equal(t, []int64{100, 200, 300}, notifier.published[0].Repos)
	assert.Equal(t, []int64{1, 2}, notifier.published[0].Users)
	assert.Empty(t, notifier.published[0].Orgs)
}

func TestSubmitSwallowsPublishErrors(t *testing.T) {
	s := NewSummary()
	s.AddRepo(100)
	notifier := &recordingNotifier{err: errors.New("broker down")}
	// Must not panic or propagate.
	Submit(context.Background(), notifier, s)
	assert.Len(t, notifier.published, 1)
}

func TestChannelNotifier(t *testing.T) {
	cn := NewChannelNotifier(1)
	s := NewSummary()
	s.AddOrg(9)
	Submit(context.Background(), cn, s)

	n := <-cn.C
	assert.Equal(t, []int64{9}, n.Orgs)
}
