// Package changes aggregates the ids affected by a unit of work into a
// mergeable summary, the single value downstream notification is
// derived from.
package changes

import (
	"context"
	"log"
	"sort"
)

// Summary is a set of affected user, organization, and repository ids.
// Merging is set union: idempotent, commutative, associative. A fresh
// summary is created per unit of work, unioned across every store
// mutation in that unit, and submitted exactly once at the end.
type Summary struct {
	users map[int64]struct{}
	orgs  map[int64]struct{}
	repos map[int64]struct{}
}

// NewSummary creates an empty summary.
func NewSummary() *Summary {
	return &Summary{
		users: make(map[int64]struct{}),
		orgs:  make(map[int64]struct{}),
		repos: make(map[int64]struct{}),
	}
}

// AddUser marks a user as affected.
func (s *Summary) AddUser(id int64) {
	if id != 0 {
		s.users[id] = struct{}{}
	}
}

// AddOrg marks an organization as affected.
func (s *Summary) AddOrg(id int64) {
	if id != 0 {
		s.orgs[id] = struct{}{}
	}
}

// AddRepo marks a repository as affected.
func (s *Summary) AddRepo(id int64) {
	if id != 0 {
		s.repos[id] = struct{}{}
	}
}

// Union merges other into s.
func (s *Summary) Union(other *Summary) {
	if other == nil {
		return
	}
	for id := range other.users {
		s.users[id] = struct{}{}
	}
	for id := range other.orgs {
		s.orgs[id] = struct{}{}
	}
	for id := range other.repos {
		s.repos[id] = struct{}{}
	}
}

// Empty reports whether no id is affected.
func (s *Summary) Empty() bool {
	return len(s.users) == 0 && len(s.orgs) == 0 && len(s.repos) == 0
}

// Users returns the affected user ids in ascending order.
func (s *Summary) Users() []int64 { return sorted(s.users) }

// Orgs returns the affected organization ids in ascending order.
func (s *Summary) Orgs() []int64 { return sorted(s.orgs) }

// Repos returns the affected repository ids in ascending order.
func (s *Summary) Repos() []int64 { return sorted(s.repos) }

func sorted(set map[int64]struct{}) []int64 {
	ids := make([]int64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Notification is the egress message shape: one per unit of work.
type Notification struct {
	Users []int64
	Orgs  []int64
	Repos []int64
}

// Notifier delivers change notifications downstream.
type Notifier interface {
	Publish(ctx context.Context, n Notification) error
}

// Submit publishes a summary, skipping empty ones entirely. Delivery
// errors are logged, not propagated: delivery is at-least-once and the
// merge that produced the summary already committed.
func Submit(ctx context.Context, notifier Notifier, s *Summary) {
	if s == nil || s.Empty() || notifier == nil {
		return
	}
	n := Notification{Users: s.Users(), Orgs: s.Orgs(), Repos: s.Repos()}
	if err := notifier.Publish(ctx, n); err != nil {
		log.Printf("changes: failed to publish notification: %v", err)
	}
}

// ChannelNotifier delivers notifications on a channel, dropping when
// the consumer falls behind.
type ChannelNotifier struct {
	C chan Notification
}

// NewChannelNotifier creates a notifier with the given buffer size.
func NewChannelNotifier(buffer int) *ChannelNotifier {
	return &ChannelNotifier{C: make(chan Notification, buffer)}
}

// Publish implements Notifier.
func (cn *ChannelNotifier) Publish(ctx context.Context, n Notification) error {
	select {
	case cn.C <- n:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LogNotifier logs notifications, for operating without a downstream
// consumer.
type LogNotifier struct{}

// Publish implements Notifier.
func (LogNotifier) Publish(_ context.Context, n Notification) error {
	log.Printf("changes: users=%v orgs=%v repos=%v", n.Users, n.Orgs, n.Repos)
	return nil
}
