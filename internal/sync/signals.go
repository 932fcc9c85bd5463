package sync

import (
	"context"
	"log"
)

// BillingNotifier is the fire-and-forget signal surface of the billing
// collaborator. Implementations own trial/coupon/invoice logic; this
// core only tells them when something they care about changed.
type BillingNotifier interface {
	// EvaluateComplimentary re-evaluates whether a user qualifies for a
	// complimentary personal subscription.
	EvaluateComplimentary(ctx context.Context, userID int64) error
	// SyncOrgSubscription refreshes an organization's subscription
	// state on behalf of a member.
	SyncOrgSubscription(ctx context.Context, orgID, actorUserID int64) error
}

// HookProvisioner is the fire-and-forget signal surface of the webhook
// provisioning collaborator.
type HookProvisioner interface {
	// EnsureRepoHook registers (or repairs) a repository webhook using
	// the given user's credential.
	EnsureRepoHook(ctx context.Context, repoID, userID int64) error
	// EnsureOrgHook registers (or repairs) an organization webhook
	// using the given admin's credential.
	EnsureOrgHook(ctx context.Context, orgID, adminUserID int64) error
}

// LogBilling logs billing signals, for running without the billing
// collaborator attached.
type LogBilling struct{}

func (LogBilling) EvaluateComplimentary(_ context.Context, userID int64) error {
	log.Printf("billing: evaluate complimentary subscription for user %d", userID)
	return nil
}

func (LogBilling) SyncOrgSubscription(_ context.Context, orgID, actorUserID int64) error {
	log.Printf("billing: sync subscription for org %d on behalf of user %d", orgID, actorUserID)
	return nil
}

// LogProvisioner logs provisioning signals.
type LogProvisioner struct{}

func (LogProvisioner) EnsureRepoHook(_ context.Context, repoID, userID int64) error {
	log.Printf("hooks: ensure webhook for repo %d using user %d", repoID, userID)
	return nil
}

func (LogProvisioner) EnsureOrgHook(_ context.Context, orgID, adminUserID int64) error {
	log.Printf("hooks: ensure webhook for org %d using admin %d", orgID, adminUserID)
	return nil
}
