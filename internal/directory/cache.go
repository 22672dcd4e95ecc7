package directory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pelusa-v/pelusa-presence/internal/model"
)

// Source loads the full directory.
type Source interface {
	Directory(ctx context.Context) ([]model.Identity, error)
}

// Cache is a read-mostly snapshot of the directory, indexed by username and by
// email. A refresh replaces the snapshot wholesale; a failed refresh keeps the
// previous one.
type Cache struct {
	mu          sync.RWMutex
	list        []model.Identity
	byUsername  map[string]model.Identity
	byEmail     map[string]model.Identity
	refreshedAt time.Time
}

func NewCache() *Cache {
	return &Cache{byUsername: map[string]model.Identity{}, byEmail: map[string]model.Identity{}}
}

// Refresh reloads from src. On error the cached snapshot is left as it was.
func (c *Cache) Refresh(ctx context.Context, src Source) error {
	list, err := src.Directory(ctx)
	if err != nil {
		log.Warn().Err(err).Str("component", "directory").Msg("directory refresh failed, keeping previous snapshot")
		return err
	}
	c.Replace(list)
	return nil
}

// Replace installs a new snapshot. Entries without a username are skipped.
func (c *Cache) Replace(list []model.Identity) {
	byUsername := make(map[string]model.Identity, len(list))
	byEmail := make(map[string]model.Identity, len(list))
	kept := make([]model.Identity, 0, len(list))
	for _, id := range list {
		k := model.Key(id.Username)
		if k == "" {
			continue
		}
		byUsername[k] = id
		if e := model.Key(id.Email); e != "" {
			byEmail[e] = id
		}
		kept = append(kept, id)
	}
	c.mu.Lock()
	c.list = kept
	c.byUsername = byUsername
	c.byEmail = byEmail
	c.refreshedAt = time.Now()
	c.mu.Unlock()
	log.Debug().Str("component", "directory").Int("entries", len(kept)).Msg("directory snapshot replaced")
}

func (c *Cache) Lookup(username string) (model.Identity, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.byUsername[model.Key(username)]
	return id, ok
}

func (c *Cache) LookupEmail(email string) (model.Identity, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.byEmail[model.Key(email)]
	return id, ok
}

// EmailFor joins a hub username to its directory email.
func (c *Cache) EmailFor(username string) (string, bool) {
	id, ok := c.Lookup(username)
	if !ok || id.Email == "" {
		return "", false
	}
	return id.Email, true
}

// Resolve returns the directory entry, or a bare identity for unknown users.
func (c *Cache) Resolve(username string) model.Identity {
	if id, ok := c.Lookup(username); ok {
		return id
	}
	return model.Identity{Username: username}
}

// All returns the snapshot in directory order.
func (c *Cache) All() []model.Identity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]model.Identity(nil), c.list...)
}

// Emails returns every distinct email, sorted.
func (c *Cache) Emails() []string {
	c.mu.RLock()
	out := make([]string, 0, len(c.byEmail))
	for _, id := range c.byEmail {
		out = append(out, id.Email)
	}
	c.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.list)
}

func (c *Cache) RefreshedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.refreshedAt
}
