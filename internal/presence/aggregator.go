// Package presence merges hub online/offline events, hub-relayed presence
// updates and calendar free/busy polling into one display status per person.
//
// Two maps are kept on purpose. The online set is keyed by lower-cased
// username because the hub speaks usernames; presence records are keyed by
// lower-cased email because the calendar speaks emails. The join key is the
// directory entry (Identity.Username <-> Identity.Email).
package presence

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pelusa-v/pelusa-presence/internal/hubproto"
	"github.com/pelusa-v/pelusa-presence/internal/model"
)

type CalendarStatus string

const (
	CalendarUnknown   CalendarStatus = "unknown"
	CalendarFree      CalendarStatus = "free"
	CalendarTentative CalendarStatus = "tentative"
	CalendarBusy      CalendarStatus = "busy"
)

// ParseCalendarStatus accepts the calendar names case-insensitively; anything
// else is unknown.
func ParseCalendarStatus(s string) CalendarStatus {
	switch CalendarStatus(strings.ToLower(strings.TrimSpace(s))) {
	case CalendarFree:
		return CalendarFree
	case CalendarTentative:
		return CalendarTentative
	case CalendarBusy:
		return CalendarBusy
	}
	return CalendarUnknown
}

type DisplayStatus string

const (
	Available DisplayStatus = "available"
	Away      DisplayStatus = "away"
	Busy      DisplayStatus = "busy"
	Offline   DisplayStatus = "offline"
)

// Rank orders statuses for people lists: available first, offline last.
func (s DisplayStatus) Rank() int {
	switch s {
	case Available:
		return 0
	case Away:
		return 1
	case Busy:
		return 2
	}
	return 3
}

// Derive is the merge rule. It is pure: callers must pass online=false for
// anyone outside the online set, whatever the calendar says.
func Derive(online bool, cal CalendarStatus) DisplayStatus {
	switch {
	case !online:
		return Offline
	case cal == CalendarBusy:
		return Busy
	case cal == CalendarTentative:
		return Away
	}
	return Available
}

// Record is what is known about one email. Hub-relayed fields and the polled
// calendar field are written by different operations and never overwrite
// each other.
type Record struct {
	HubStatus          string
	HubCalendarStatus  CalendarStatus
	Source             string
	HubUpdated         time.Time
	HubCalendarUpdated time.Time

	CalendarStatus  CalendarStatus
	CalendarUpdated time.Time
}

// EffectiveCalendar picks whichever calendar signal arrived last. A hub update
// without a calendar status does not refresh the hub calendar value.
func (r Record) EffectiveCalendar() CalendarStatus {
	hub, cal := r.HubCalendarStatus, r.CalendarStatus
	switch {
	case hub == "" && cal == "":
		return CalendarUnknown
	case hub == "":
		return cal
	case cal == "":
		return hub
	case r.HubCalendarUpdated.After(r.CalendarUpdated):
		return hub
	}
	return cal
}

// LastUpdated is the newer of the two signal times.
func (r Record) LastUpdated() time.Time {
	if r.HubUpdated.After(r.CalendarUpdated) {
		return r.HubUpdated
	}
	return r.CalendarUpdated
}

// EmailResolver maps a hub username to the directory email.
type EmailResolver interface {
	EmailFor(username string) (string, bool)
}

// Invoker is the slice of the transport used to report self presence.
type Invoker interface {
	Invoke(ctx context.Context, method string, result any, args ...any) error
}

const SelfStatus = "Available"

type Aggregator struct {
	source   string
	resolver EmailResolver
	now      func() time.Time

	mu      sync.RWMutex
	online  map[string]struct{}
	records map[string]*Record
	// usernames whose records are keyed by username until the directory knows them
	unresolved map[string]struct{}
}

type Option func(*Aggregator)

func WithResolver(r EmailResolver) Option {
	return func(a *Aggregator) { a.resolver = r }
}

func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// NewAggregator creates an empty aggregator. source tags self-reported presence.
func NewAggregator(source string, opts ...Option) *Aggregator {
	a := &Aggregator{
		source:  source,
		now:     time.Now,
		online:     map[string]struct{}{},
		records:    map[string]*Record{},
		unresolved: map[string]struct{}{},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ReportSelfPresence announces this client as available.
func (a *Aggregator) ReportSelfPresence(ctx context.Context, inv Invoker) error {
	return inv.Invoke(ctx, hubproto.MethodReportPresence, nil, a.source, SelfStatus)
}

// ReplaceOnline installs the snapshot returned by GetOnlineUsers.
func (a *Aggregator) ReplaceOnline(usernames []string) {
	set := make(map[string]struct{}, len(usernames))
	for _, u := range usernames {
		if k := model.Key(u); k != "" {
			set[k] = struct{}{}
		}
	}
	a.mu.Lock()
	a.online = set
	a.mu.Unlock()
}

// SetOnline applies UserOnline / UserOffline. It reports whether the set changed.
func (a *Aggregator) SetOnline(username string, online bool) bool {
	k := model.Key(username)
	if k == "" {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	_, was := a.online[k]
	if online {
		a.online[k] = struct{}{}
	} else {
		delete(a.online, k)
	}
	return was != online
}

func (a *Aggregator) IsOnline(username string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.online[model.Key(username)]
	return ok
}

// OnlineSet returns the lower-cased online usernames, sorted.
func (a *Aggregator) OnlineSet() []string {
	a.mu.RLock()
	out := make([]string, 0, len(a.online))
	for u := range a.online {
		out = append(out, u)
	}
	a.mu.RUnlock()
	sort.Strings(out)
	return out
}

// RecordUpdate applies a hub PresenceUpdate. calendarStatus and source may be
// empty, in which case the previous hub values are kept.
func (a *Aggregator) RecordUpdate(username, status, calendarStatus, source string) {
	key, resolved := a.recordKey(username)
	if key == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if !resolved {
		a.unresolved[key] = struct{}{}
	}
	now := a.now()
	r := a.recordLocked(key)
	r.HubStatus = status
	if calendarStatus != "" {
		r.HubCalendarStatus = ParseCalendarStatus(calendarStatus)
		r.HubCalendarUpdated = now
	}
	if source != "" {
		r.Source = source
	}
	r.HubUpdated = now
}

// Rekey moves records stored under a bare username onto the email the
// resolver now knows for it. Call it after the directory is refreshed.
func (a *Aggregator) Rekey() {
	if a.resolver == nil {
		return
	}
	a.mu.RLock()
	pending := make([]string, 0, len(a.unresolved))
	for u := range a.unresolved {
		pending = append(pending, u)
	}
	a.mu.RUnlock()

	moves := map[string]string{}
	for _, u := range pending {
		if email, ok := a.resolver.EmailFor(u); ok && model.Key(email) != "" && model.Key(email) != u {
			moves[u] = model.Key(email)
		}
	}
	if len(moves) == 0 {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for u, email := range moves {
		delete(a.unresolved, u)
		src, ok := a.records[u]
		if !ok {
			continue
		}
		delete(a.records, u)
		mergeHub(a.recordLocked(email), src)
		log.Debug().Str("component", "presence").Str("username", u).Msg("presence record moved to directory email")
	}
}

// mergeHub copies the hub-relayed fields of src into dst where src is newer.
func mergeHub(dst, src *Record) {
	if src.HubUpdated.After(dst.HubUpdated) {
		dst.HubStatus = src.HubStatus
		dst.HubUpdated = src.HubUpdated
		if src.Source != "" {
			dst.Source = src.Source
		}
	}
	if src.HubCalendarUpdated.After(dst.HubCalendarUpdated) {
		dst.HubCalendarStatus = src.HubCalendarStatus
		dst.HubCalendarUpdated = src.HubCalendarUpdated
	}
}

// RecordCalendar applies one polled free/busy result.
func (a *Aggregator) RecordCalendar(email string, status CalendarStatus) {
	key := model.Key(email)
	if key == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	r := a.recordLocked(key)
	r.CalendarStatus = status
	r.CalendarUpdated = a.now()
}

// Record returns a copy of what is known about email.
func (a *Aggregator) Record(email string) (Record, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	r, ok := a.records[model.Key(email)]
	if !ok {
		return Record{}, false
	}
	return *r, true
}

// DisplayStatus is computed on every call and never cached.
func (a *Aggregator) DisplayStatus(id model.Identity) DisplayStatus {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, online := a.online[model.Key(id.Username)]
	cal := CalendarUnknown
	key := model.Key(id.Email)
	if key == "" {
		key = model.Key(id.Username)
	}
	if r, ok := a.records[key]; ok {
		cal = r.EffectiveCalendar()
	}
	return Derive(online, cal)
}

func (a *Aggregator) recordLocked(key string) *Record {
	r, ok := a.records[key]
	if !ok {
		r = &Record{}
		a.records[key] = r
	}
	return r
}

// recordKey resolves a hub username to its email key. Unknown usernames fall
// back to the lower-cased username so the update is not lost; Rekey moves it
// once the directory knows the user. DisplayStatus uses the same fallback for
// identities without an email.
func (a *Aggregator) recordKey(username string) (string, bool) {
	if a.resolver != nil {
		if email, ok := a.resolver.EmailFor(username); ok && email != "" {
			return model.Key(email), true
		}
	}
	k := model.Key(username)
	if k != "" {
		log.Debug().Str("component", "presence").Str("username", k).Msg("presence update for user outside directory")
	}
	return k, false
}
