package sync

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/google/go-github/v57/github"
	"github.com/realartists/shiphub-sync/internal/actor"
	"github.com/realartists/shiphub-sync/internal/api"
	"github.com/realartists/shiphub-sync/internal/changes"
	"github.com/realartists/shiphub-sync/internal/credentials"
	"github.com/realartists/shiphub-sync/internal/models"
)

// OrganizationActor keeps an organization's profile and membership
// roster synchronized. Role information is only available one role at a
// time, so each refresh issues two member listings and reconciles the
// union against the stored roster.
type OrganizationActor struct {
	deps  *Deps
	orgID int64

	login string
	creds []models.Credential
	pool  *credentials.Pool
	meta  *metaSet

	// known maps member user id to admin flag, mirroring the stored
	// roster so removals can be detected without re-reading it.
	known map[int64]bool
}

// NewOrganizationActor creates the actor; state loads at activation.
func NewOrganizationActor(deps *Deps, orgID int64) *OrganizationActor {
	return &OrganizationActor{deps: deps, orgID: orgID}
}

func (a *OrganizationActor) metaKey(sub string) string {
	return fmt.Sprintf("org:%d:%s", a.orgID, sub)
}

// Activate resolves the organization account, builds the credential
// pool from its known members, and loads the stored roster.
func (a *OrganizationActor) Activate(ctx context.Context) error {
	account, err := a.deps.Store.GetAccount(ctx, a.orgID)
	if err != nil {
		return err
	}
	if account == nil {
		return fmt.Errorf("sync: organization %d does not exist", a.orgID)
	}
	a.login = account.Login

	a.creds, err = a.deps.Store.ListOrgCredentials(ctx, a.orgID)
	if err != nil {
		return err
	}
	tokens := make([]string, 0, len(a.creds))
	for _, cred := range a.creds {
		tokens = append(tokens, cred.Token)
	}
	a.pool, err = credentials.NewPool(a.deps.Clients, tokens)
	if err != nil {
		return fmt.Errorf("sync: organization %s: %w", a.login, err)
	}

	memberships, err := a.deps.Store.ListOrgMemberships(ctx, a.orgID)
	if err != nil {
		return err
	}
	a.known = make(map[int64]bool, len(memberships))
	for _, m := range memberships {
		a.known[m.UserID] = m.Admin
	}

	a.meta, err = loadMeta(ctx, a.deps.Store,
		a.metaKey("profile"), a.metaKey("members"), a.metaKey("admins"))
	return err
}

// Tick refreshes the profile and the membership roster.
func (a *OrganizationActor) Tick(ctx context.Context) {
	now := time.Now()
	summary := changes.NewSummary()

	a.syncProfile(ctx, now, summary)
	a.syncMembers(ctx, now, summary)
	a.ensureHook(ctx)

	changes.Submit(ctx, a.deps.Notifier, summary)
}

func (a *OrganizationActor) syncProfile(ctx context.Context, now time.Time, summary *changes.Summary) {
	key := a.metaKey("profile")
	if !a.meta.expired(key, now) {
		return
	}
	res, err := a.pool.Client().Organization(ctx, api.PriorityBackground, a.login, a.meta.get(key))
	if err != nil {
		tolerate("organization profile", err)
		return
	}
	a.meta.put(key, res.Cache)
	if res.NotModified {
		return
	}

	account := api.ConvertOrgAccount(res.Payload)
	changed, err := a.deps.Store.UpsertAccount(ctx, account)
	if err != nil {
		log.Printf("sync: org %s: save profile: %v", a.login, err)
		return
	}
	if changed {
		summary.AddOrg(a.orgID)
	}
	a.login = account.Login
}

func (a *OrganizationActor) syncMembers(ctx context.Context, now time.Time, summary *changes.Summary) {
	members, membersFresh, ok := a.fetchRole(ctx, now, a.metaKey("members"), "member")
	if !ok {
		return
	}
	admins, adminsFresh, ok := a.fetchRole(ctx, now, a.metaKey("admins"), "admin")
	if !ok {
		return
	}
	if !membersFresh && !adminsFresh {
		return
	}

	seen := make(map[int64]bool, len(a.known))
	// A role listing that came back unchanged contributes its known
	// members as-is so the removal diff below stays valid.
	for userID, admin := range a.known {
		if admin && !adminsFresh {
			seen[userID] = true
		}
		if !admin && !membersFresh {
			seen[userID] = false
		}
	}
	var affected []int64
	rosterChanged := false

	merge := func(users []*github.User, admin bool) {
		for _, user := range users {
			account := api.ConvertAccount(user)
			if account == nil {
				continue
			}
			if _, err := a.deps.Store.UpsertAccount(ctx, account); err != nil {
				log.Printf("sync: org %s: save member: %v", a.login, err)
				continue
			}
			seen[account.ID] = admin
			prev, existed := a.known[account.ID]
			if existed && prev == admin {
				continue
			}
			changed, err := a.deps.Store.SetOrgMembership(ctx, models.OrgMembership{
				OrgID: a.orgID, UserID: account.ID, Admin: admin,
			})
			if err != nil {
				log.Printf("sync: org %s: save membership: %v", a.login, err)
				continue
			}
			if changed {
				rosterChanged = true
				affected = append(affected, account.ID)
			}
		}
	}
	merge(members, false)
	merge(admins, true)

	for userID := range a.known {
		if _, still := seen[userID]; still {
			continue
		}
		removed, err := a.deps.Store.RemoveOrgMembership(ctx, a.orgID, userID)
		if err != nil {
			log.Printf("sync: org %s: remove membership: %v", a.login, err)
			continue
		}
		if removed {
			rosterChanged = true
			affected = append(affected, userID)
		}
	}
	a.known = seen

	if !rosterChanged {
		return
	}
	summary.AddOrg(a.orgID)
	a.signalBilling(ctx, affected)
}

// fetchRole returns the user list for one role. fresh reports whether
// the listing actually changed; ok is false when the fetch failed.
func (a *OrganizationActor) fetchRole(ctx context.Context, now time.Time, key, role string) (users []*github.User, fresh, ok bool) {
	if !a.meta.expired(key, now) {
		return nil, false, true
	}
	res, err := a.pool.Client().OrgMembers(ctx, api.PriorityBackground, a.login, role, a.meta.get(key))
	if err != nil {
		tolerate("organization "+role+" listing", err)
		return nil, false, false
	}
	a.meta.put(key, res.Cache)
	if res.NotModified {
		return nil, false, true
	}
	return res.Payload, true, true
}

// signalBilling re-evaluates affected members when the organization
// holds a paid subscription, since membership can grant or revoke
// complimentary coverage.
func (a *OrganizationActor) signalBilling(ctx context.Context, affected []int64) {
	sub, err := a.deps.Store.GetSubscription(ctx, a.orgID)
	if err != nil {
		log.Printf("sync: org %s: read subscription: %v", a.login, err)
		return
	}
	if sub == nil || sub.State != "paid" {
		return
	}
	billing := a.deps.Billing
	for _, userID := range affected {
		userID := userID
		actor.Detach(ctx, "evaluate-complimentary", func(ctx context.Context) error {
			return billing.EvaluateComplimentary(ctx, userID)
		})
	}
}

// ensureHook asks the provisioning collaborator to register or
// health-check the organization webhook. Only admins can install org
// hooks, and only one whose sync actor is currently active is chosen,
// so the request runs on behalf of a user we know to be live.
func (a *OrganizationActor) ensureHook(ctx context.Context) {
	var admins []int64
	for userID, admin := range a.known {
		if admin && a.deps.Runtime.Active(UserKey(userID)) {
			admins = append(admins, userID)
		}
	}
	if len(admins) == 0 {
		return
	}
	chosen := admins[rand.Intn(len(admins))]
	orgID := a.orgID
	provisioner := a.deps.Provisioner
	actor.Detach(ctx, "ensure-org-hook", func(ctx context.Context) error {
		return provisioner.EnsureOrgHook(ctx, orgID, chosen)
	})
}

// Deactivate flushes the durable metadata records back to the store.
func (a *OrganizationActor) Deactivate(ctx context.Context) {
	a.meta.flush(ctx)
}
