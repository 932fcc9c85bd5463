package sync

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/realartists/shiphub-sync/internal/actor"
	"github.com/realartists/shiphub-sync/internal/api"
	"github.com/realartists/shiphub-sync/internal/changes"
)

// UserActor keeps one user's profile, organization memberships, and
// visible-repository set synchronized, and propagates interest to the
// repository and organization actors the user can see.
type UserActor struct {
	deps   *Deps
	userID int64

	login  string
	client *api.Client
	meta   *metaSet

	// last-known visibility, reconstructed from the store on
	// activation, used to keep signaling interest across ticks where
	// the lists come back unmodified.
	orgIDs  []int64
	repoIDs []int64
}

// NewUserActor creates the actor; state loads at activation.
func NewUserActor(deps *Deps, userID int64) *UserActor {
	return &UserActor{deps: deps, userID: userID}
}

func (a *UserActor) metaKey(sub string) string {
	return fmt.Sprintf("user:%d:%s", a.userID, sub)
}

// Activate loads identity, credential, cached metadata, and last-known
// visibility from the store. A missing user or blank token is fatal.
func (a *UserActor) Activate(ctx context.Context) error {
	cred, err := a.deps.Store.GetCredential(ctx, a.userID)
	if err != nil {
		return err
	}
	if cred == nil {
		return fmt.Errorf("sync: user %d does not exist", a.userID)
	}
	if cred.Token == "" {
		return fmt.Errorf("sync: user %s has no usable credential", cred.Login)
	}
	a.login = cred.Login
	a.client = a.deps.Clients.Client(cred.Token)

	a.meta, err = loadMeta(ctx, a.deps.Store,
		a.metaKey("profile"), a.metaKey("orgs"), a.metaKey("repos"))
	if err != nil {
		return err
	}
	if a.orgIDs, err = a.deps.Store.ListUserOrgIDs(ctx, a.userID); err != nil {
		return err
	}
	if a.repoIDs, err = a.deps.Store.ListUserRepoIDs(ctx, a.userID); err != nil {
		return err
	}
	return nil
}

// Tick refreshes profile, org memberships, and the repository list, in
// that order: the profile gates access control, and accounts must land
// before anything referencing them.
func (a *UserActor) Tick(ctx context.Context) {
	now := time.Now()
	summary := changes.NewSummary()

	a.syncProfile(ctx, now, summary)
	a.syncOrgs(ctx, now, summary)
	a.syncRepos(ctx, now, summary)

	// Interest propagates every tick while this user stays active, so
	// the entity actors outlive a single unmodified listing.
	for _, orgID := range a.orgIDs {
		if err := a.deps.Runtime.SignalInterest(ctx, OrgKey(orgID)); err != nil {
			log.Printf("sync: user %s: signal org %d: %v", a.login, orgID, err)
		}
	}
	for _, repoID := range a.repoIDs {
		if err := a.deps.Runtime.SignalInterest(ctx, RepoKey(repoID)); err != nil {
			log.Printf("sync: user %s: signal repo %d: %v", a.login, repoID, err)
		}
	}

	changes.Submit(ctx, a.deps.Notifier, summary)
}

func (a *UserActor) syncProfile(ctx context.Context, now time.Time, summary *changes.Summary) {
	key := a.metaKey("profile")
	if !a.meta.expired(key, now) {
		return
	}
	res, err := a.client.AuthenticatedUser(ctx, api.PriorityInteractive, a.meta.get(key))
	if err != nil {
		tolerate("user profile", err)
		return
	}
	a.meta.put(key, res.Cache)
	if res.NotModified {
		return
	}
	changed, err := a.deps.Store.UpsertAccount(ctx, api.ConvertAccount(res.Payload))
	if err != nil {
		log.Printf("sync: user %s: save profile: %v", a.login, err)
		return
	}
	if changed {
		summary.AddUser(a.userID)
	}
}

func (a *UserActor) syncOrgs(ctx context.Context, now time.Time, summary *changes.Summary) {
	key := a.metaKey("orgs")
	if !a.meta.expired(key, now) {
		return
	}
	res, err := a.client.UserOrgs(ctx, api.PriorityInteractive, a.meta.get(key))
	if err != nil {
		tolerate("user orgs", err)
		return
	}
	a.meta.put(key, res.Cache)
	if res.NotModified {
		return
	}

	previous := make(map[int64]bool, len(a.orgIDs))
	for _, id := range a.orgIDs {
		previous[id] = true
	}

	var current []int64
	membershipChanged := false
	for _, org := range res.Payload {
		account := api.ConvertOrgAccount(org)
		if _, err := a.deps.Store.UpsertAccount(ctx, account); err != nil {
			log.Printf("sync: user %s: save org %s: %v", a.login, account.Login, err)
			continue
		}
		current = append(current, account.ID)
		added, err := a.deps.Store.EnsureOrgMembership(ctx, account.ID, a.userID)
		if err != nil {
			log.Printf("sync: user %s: save membership: %v", a.login, err)
			continue
		}
		if added || !previous[account.ID] {
			membershipChanged = true
			summary.AddOrg(account.ID)
		}
		delete(previous, account.ID)
	}
	// Anything left in previous is a membership the platform no longer
	// reports.
	for orgID := range previous {
		removed, err := a.deps.Store.RemoveOrgMembership(ctx, orgID, a.userID)
		if err != nil {
			log.Printf("sync: user %s: remove membership: %v", a.login, err)
			continue
		}
		if removed {
			membershipChanged = true
			summary.AddOrg(orgID)
		}
	}
	a.orgIDs = current

	if membershipChanged {
		summary.AddUser(a.userID)
		userID := a.userID
		billing := a.deps.Billing
		actor.Detach(ctx, "evaluate-complimentary", func(ctx context.Context) error {
			return billing.EvaluateComplimentary(ctx, userID)
		})
		for _, orgID := range current {
			orgID := orgID
			actor.Detach(ctx, "sync-org-subscription", func(ctx context.Context) error {
				return billing.SyncOrgSubscription(ctx, orgID, userID)
			})
		}
	}
}

func (a *UserActor) syncRepos(ctx context.Context, now time.Time, summary *changes.Summary) {
	key := a.metaKey("repos")
	if !a.meta.expired(key, now) {
		return
	}
	res, err := a.client.UserRepos(ctx, api.PriorityInteractive, a.meta.get(key))
	if err != nil {
		tolerate("user repos", err)
		return
	}
	a.meta.put(key, res.Cache)
	if res.NotModified {
		return
	}

	var current []int64
	for _, repo := range res.Payload {
		// Only repositories this product can track: issues enabled and
		// push access for the syncing user.
		if !repo.GetHasIssues() || !repo.GetPermissions()["push"] {
			continue
		}
		if owner := api.ConvertAccount(repo.GetOwner()); owner != nil {
			if _, err := a.deps.Store.UpsertAccount(ctx, owner); err != nil {
				log.Printf("sync: user %s: save repo owner: %v", a.login, err)
				continue
			}
		}
		model := api.ConvertRepository(repo)
		changed, err := a.deps.Store.UpsertRepository(ctx, model)
		if err != nil {
			log.Printf("sync: user %s: save repo %s: %v", a.login, model.FullName, err)
			continue
		}
		if changed {
			summary.AddRepo(model.ID)
		}
		if err := a.deps.Store.SetRepoAccess(ctx, model.ID, a.userID, true); err != nil {
			log.Printf("sync: user %s: save repo access: %v", a.login, err)
			continue
		}
		current = append(current, model.ID)
	}
	a.repoIDs = current
}

// Deactivate flushes the durable metadata records back to the store.
func (a *UserActor) Deactivate(ctx context.Context) {
	a.meta.flush(ctx)
}
