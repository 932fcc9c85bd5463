// Package sync holds the per-entity synchronization actors. Each actor
// owns exactly one entity's state, polls its sub-resources through the
// conditional-fetch layer, and merges results into the shared store in
// referential-dependency order: accounts before the entities that
// reference them, parents before children.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/realartists/shiphub-sync/internal/actor"
	"github.com/realartists/shiphub-sync/internal/api"
	"github.com/realartists/shiphub-sync/internal/changes"
	"github.com/realartists/shiphub-sync/internal/credentials"
	"github.com/realartists/shiphub-sync/internal/models"
	"github.com/realartists/shiphub-sync/internal/store"
)

// Actor kinds registered with the runtime.
const (
	KindUser     actor.Kind = "user"
	KindRepo     actor.Kind = "repo"
	KindOrg      actor.Kind = "org"
	KindIssue    actor.Kind = "issue"
	KindMentions actor.Kind = "mentions"
)

// UserKey addresses a user's sync actor.
func UserKey(userID int64) actor.Key {
	return actor.Key{Kind: KindUser, ID: strconv.FormatInt(userID, 10)}
}

// RepoKey addresses a repository's sync actor.
func RepoKey(repoID int64) actor.Key {
	return actor.Key{Kind: KindRepo, ID: strconv.FormatInt(repoID, 10)}
}

// OrgKey addresses an organization's sync actor.
func OrgKey(orgID int64) actor.Key {
	return actor.Key{Kind: KindOrg, ID: strconv.FormatInt(orgID, 10)}
}

// IssueKey addresses an issue's sync actor by its compound key. The
// numeric issue id is resolved once, at activation.
func IssueKey(repoID int64, number int) actor.Key {
	return actor.Key{Kind: KindIssue, ID: fmt.Sprintf("%d/%d", repoID, number)}
}

// MentionsKey addresses a user's cross-repository mentions actor.
func MentionsKey(userID int64) actor.Key {
	return actor.Key{Kind: KindMentions, ID: strconv.FormatInt(userID, 10)}
}

// Deps carries the shared collaborators every actor needs.
type Deps struct {
	Store       *store.Store
	Clients     *credentials.Cache
	Runtime     *actor.Runtime
	Notifier    changes.Notifier
	Billing     BillingNotifier
	Provisioner HookProvisioner
}

// Register installs the actor factories on the runtime.
func Register(rt *actor.Runtime, deps *Deps) {
	rt.Register(KindUser, func(key actor.Key) (actor.Worker, error) {
		id, err := parseID(key.ID)
		if err != nil {
			return nil, err
		}
		return NewUserActor(deps, id), nil
	})
	rt.Register(KindRepo, func(key actor.Key) (actor.Worker, error) {
		id, err := parseID(key.ID)
		if err != nil {
			return nil, err
		}
		return NewRepositoryActor(deps, id), nil
	})
	rt.Register(KindOrg, func(key actor.Key) (actor.Worker, error) {
		id, err := parseID(key.ID)
		if err != nil {
			return nil, err
		}
		return NewOrganizationActor(deps, id), nil
	})
	rt.Register(KindIssue, func(key actor.Key) (actor.Worker, error) {
		var repoID int64
		var number int
		if _, err := fmt.Sscanf(key.ID, "%d/%d", &repoID, &number); err != nil {
			return nil, fmt.Errorf("sync: malformed issue key %q", key.ID)
		}
		return NewIssueActor(deps, repoID, number), nil
	})
	rt.Register(KindMentions, func(key actor.Key) (actor.Worker, error) {
		id, err := parseID(key.ID)
		if err != nil {
			return nil, err
		}
		return NewMentionsActor(deps, id), nil
	})
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("sync: malformed actor key %q", s)
	}
	return id, nil
}

// metaSet is an actor's in-memory view of its Metadata Cache Records,
// loaded from the store at activation and flushed back at deactivation.
// The in-store copy is the durable source of truth.
type metaSet struct {
	store *store.Store
	recs  map[string]*models.CacheMetadata
	dirty map[string]bool
}

func loadMeta(ctx context.Context, st *store.Store, keys ...string) (*metaSet, error) {
	m := &metaSet{
		store: st,
		recs:  make(map[string]*models.CacheMetadata, len(keys)),
		dirty: make(map[string]bool),
	}
	for _, key := range keys {
		rec, err := st.GetCacheMetadata(ctx, key)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			m.recs[key] = rec
		}
	}
	return m, nil
}

func (m *metaSet) get(key string) *models.CacheMetadata {
	return m.recs[key]
}

func (m *metaSet) expired(key string, now time.Time) bool {
	return m.recs[key].Expired(now)
}

// put replaces a record wholesale.
func (m *metaSet) put(key string, rec models.CacheMetadata) {
	m.recs[key] = &rec
	m.dirty[key] = true
}

// load pulls one record on demand (per-comment reaction records are not
// known at activation).
func (m *metaSet) load(ctx context.Context, key string) *models.CacheMetadata {
	if rec, ok := m.recs[key]; ok {
		return rec
	}
	rec, err := m.store.GetCacheMetadata(ctx, key)
	if err != nil {
		log.Printf("sync: failed to load cache metadata %s: %v", key, err)
		return nil
	}
	if rec != nil {
		m.recs[key] = rec
	}
	return rec
}

// flush persists dirty records. Failures are logged; the records are
// recomputed from responses on the next activation anyway.
func (m *metaSet) flush(ctx context.Context) {
	for key := range m.dirty {
		if rec := m.recs[key]; rec != nil {
			if err := m.store.SetCacheMetadata(ctx, key, *rec); err != nil {
				log.Printf("sync: failed to flush cache metadata %s: %v", key, err)
			}
		}
	}
	m.dirty = make(map[string]bool)
}

// tolerate absorbs a sub-resource failure so sibling sub-resources in
// the same tick still run. The sub-resource keeps its previous cache
// record and retries next tick.
func tolerate(what string, err error) {
	var rateLimited *api.RateLimitError
	if errors.As(err, &rateLimited) {
		log.Printf("sync: %s rate limited, resets at %s", what, rateLimited.ResetTime.Format(time.RFC3339))
		return
	}
	log.Printf("sync: %s failed: %v", what, err)
}
