package webhook

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/realartists/shiphub-sync/internal/api"
	"github.com/realartists/shiphub-sync/internal/credentials"
	"github.com/realartists/shiphub-sync/internal/models"
	"github.com/realartists/shiphub-sync/internal/store"
)

// repoHookEvents are the event kinds a repository hook subscribes to.
var repoHookEvents = []string{
	"issues", "issue_comment", "label", "milestone", "repository", "member",
}

// orgHookEvents are the event kinds an organization hook subscribes to.
var orgHookEvents = []string{"organization"}

const (
	// hookStaleAfter is how long a hook may go without a verified
	// delivery before its health is probed.
	hookStaleAfter = 24 * time.Hour

	// hookPingInterval spaces health probes so one broken hook does not
	// get pinged on every actor tick.
	hookPingInterval = time.Hour
)

// Provisioner registers webhooks with GitHub and tracks their health.
// A hook that stops delivering gets pinged; after too many unanswered
// pings it is torn down and re-created with a fresh secret.
type Provisioner struct {
	store     *store.Store
	clients   *credentials.Cache
	publicURL string
}

// NewProvisioner wires a hook provisioner. publicURL is the externally
// reachable base of the webhook endpoint.
func NewProvisioner(st *store.Store, clients *credentials.Cache, publicURL string) *Provisioner {
	return &Provisioner{store: st, clients: clients, publicURL: strings.TrimSuffix(publicURL, "/")}
}

// EnsureRepoHook creates or health-checks the repository's hook, acting
// as the given user.
func (p *Provisioner) EnsureRepoHook(ctx context.Context, repoID, userID int64) error {
	hook, err := p.store.GetRepoHook(ctx, repoID)
	if err != nil {
		return err
	}
	if hook == nil {
		return p.createRepoHook(ctx, repoID, userID)
	}
	return p.checkHealth(ctx, hook, userID)
}

// EnsureOrgHook creates or health-checks the organization's hook,
// acting as the given admin.
func (p *Provisioner) EnsureOrgHook(ctx context.Context, orgID, adminUserID int64) error {
	hook, err := p.store.GetOrgHook(ctx, orgID)
	if err != nil {
		return err
	}
	if hook == nil {
		return p.createOrgHook(ctx, orgID, adminUserID)
	}
	return p.checkHealth(ctx, hook, adminUserID)
}

func (p *Provisioner) createRepoHook(ctx context.Context, repoID, userID int64) error {
	owner, name, err := p.repoCoords(ctx, repoID)
	if err != nil {
		return err
	}
	client, err := p.client(ctx, userID)
	if err != nil {
		return err
	}

	secret := uuid.NewString()
	created, err := client.CreateRepoHook(ctx, owner, name, api.HookOptions{
		CallbackURL: fmt.Sprintf("%s/webhooks/repo/%d", p.publicURL, repoID),
		Secret:      secret,
		Events:      repoHookEvents,
	})
	if err != nil {
		return fmt.Errorf("webhook: register hook for %s/%s: %w", owner, name, err)
	}
	_, err = p.store.CreateHook(ctx, &models.Hook{
		RepositoryID: repoID,
		Secret:       secret,
		GitHubID:     created.GetID(),
	})
	return err
}

func (p *Provisioner) createOrgHook(ctx context.Context, orgID, adminUserID int64) error {
	login, err := p.orgLogin(ctx, orgID)
	if err != nil {
		return err
	}
	client, err := p.client(ctx, adminUserID)
	if err != nil {
		return err
	}

	secret := uuid.NewString()
	created, err := client.CreateOrgHook(ctx, login, api.HookOptions{
		CallbackURL: fmt.Sprintf("%s/webhooks/org/%d", p.publicURL, orgID),
		Secret:      secret,
		Events:      orgHookEvents,
	})
	if err != nil {
		return fmt.Errorf("webhook: register hook for org %s: %w", login, err)
	}
	_, err = p.store.CreateHook(ctx, &models.Hook{
		OrgID:    orgID,
		Secret:   secret,
		GitHubID: created.GetID(),
	})
	return err
}

// checkHealth probes a hook that has gone quiet. Verified deliveries
// reset the failure counter elsewhere; here it only climbs, and a hook
// that exhausts its chances is torn down so the next ensure pass
// re-creates it.
func (p *Provisioner) checkHealth(ctx context.Context, hook *models.Hook, userID int64) error {
	now := time.Now()
	if hook.LastSeen != nil && now.Sub(*hook.LastSeen) < hookStaleAfter {
		return nil
	}
	if hook.LastSeen == nil && hook.LastPing == nil && hook.PingCount == 0 {
		// Freshly created hook; give the first delivery time to arrive.
		return nil
	}
	if hook.LastPing != nil && now.Sub(*hook.LastPing) < hookPingInterval {
		return nil
	}

	count, err := p.store.RecordHookPing(ctx, hook.ID, now)
	if err != nil {
		return err
	}
	client, err := p.client(ctx, userID)
	if err != nil {
		return err
	}

	if count > store.MaxHookPingFailures {
		return p.teardown(ctx, client, hook)
	}
	if hook.RepositoryID != 0 {
		owner, name, err := p.repoCoords(ctx, hook.RepositoryID)
		if err != nil {
			return err
		}
		return client.PingRepoHook(ctx, owner, name, hook.GitHubID)
	}
	login, err := p.orgLogin(ctx, hook.OrgID)
	if err != nil {
		return err
	}
	return client.PingOrgHook(ctx, login, hook.GitHubID)
}

func (p *Provisioner) teardown(ctx context.Context, client *api.Client, hook *models.Hook) error {
	var err error
	if hook.RepositoryID != 0 {
		owner, name, cerr := p.repoCoords(ctx, hook.RepositoryID)
		if cerr != nil {
			return cerr
		}
		err = client.DeleteRepoHook(ctx, owner, name, hook.GitHubID)
	} else {
		login, cerr := p.orgLogin(ctx, hook.OrgID)
		if cerr != nil {
			return cerr
		}
		err = client.DeleteOrgHook(ctx, login, hook.GitHubID)
	}
	// A hook GitHub already forgot is fine to forget locally too.
	var notFound *api.NotFoundError
	if err != nil && !errors.As(err, &notFound) {
		return err
	}
	return p.store.DeleteHook(ctx, hook.ID)
}

func (p *Provisioner) client(ctx context.Context, userID int64) (*api.Client, error) {
	cred, err := p.store.GetCredential(ctx, userID)
	if err != nil {
		return nil, err
	}
	if cred == nil || cred.Token == "" {
		return nil, fmt.Errorf("webhook: user %d has no usable credential", userID)
	}
	return p.clients.Client(cred.Token), nil
}

func (p *Provisioner) repoCoords(ctx context.Context, repoID int64) (string, string, error) {
	repo, err := p.store.GetRepository(ctx, repoID)
	if err != nil {
		return "", "", err
	}
	if repo == nil {
		return "", "", fmt.Errorf("webhook: repository %d does not exist", repoID)
	}
	owner, name, ok := strings.Cut(repo.FullName, "/")
	if !ok {
		return "", "", fmt.Errorf("webhook: repository %d has malformed full name %q", repoID, repo.FullName)
	}
	return owner, name, nil
}

func (p *Provisioner) orgLogin(ctx context.Context, orgID int64) (string, error) {
	account, err := p.store.GetAccount(ctx, orgID)
	if err != nil {
		return "", err
	}
	if account == nil {
		return "", fmt.Errorf("webhook: organization %d does not exist", orgID)
	}
	return account.Login, nil
}
