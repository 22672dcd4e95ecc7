package hub

import (
	"sort"
	"strings"

	"github.com/pelusa-v/pelusa-presence/internal/auth"
	"github.com/pelusa-v/pelusa-presence/internal/calendar"
	"github.com/pelusa-v/pelusa-presence/internal/model"
	"github.com/pelusa-v/pelusa-presence/internal/presence"
)

// Member is a roster entry. Calendar is an availability code: 0 free,
// 1 tentative, 2 busy.
type Member struct {
	model.Identity
	Calendar string
}

// Roster is the fixed user directory served by the hub. An empty roster
// admits any username.
type Roster struct {
	members []Member
	byUser  map[string]int
	byEmail map[string]int
}

func NewRoster(members []Member) *Roster {
	r := &Roster{byUser: map[string]int{}, byEmail: map[string]int{}}
	for _, m := range members {
		if model.Key(m.Username) == "" {
			continue
		}
		if m.DisplayName == "" {
			m.DisplayName = m.Username
		}
		if m.Initials == "" {
			m.Initials = auth.Initials(m.DisplayName)
		}
		r.byUser[model.Key(m.Username)] = len(r.members)
		if e := model.Key(m.Email); e != "" {
			r.byEmail[e] = len(r.members)
		}
		r.members = append(r.members, m)
	}
	return r
}

// Identities lists the roster sorted by display name.
func (r *Roster) Identities() []model.Identity {
	out := make([]model.Identity, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, m.Identity)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return strings.ToLower(out[i].Name()) < strings.ToLower(out[j].Name())
	})
	return out
}

// Admits reports whether username may connect.
func (r *Roster) Admits(username string) bool {
	if model.Key(username) == "" {
		return false
	}
	if len(r.members) == 0 {
		return true
	}
	_, ok := r.byUser[model.Key(username)]
	return ok
}

// Canonical returns the roster spelling of username.
func (r *Roster) Canonical(username string) string {
	if i, ok := r.byUser[model.Key(username)]; ok {
		return r.members[i].Username
	}
	return username
}

// AvailabilityView returns the availability code for email, "" when unknown.
func (r *Roster) AvailabilityView(email string) string {
	if i, ok := r.byEmail[model.Key(email)]; ok {
		return r.members[i].Calendar
	}
	return ""
}

// CalendarStatus is the status the hub relays in PresenceUpdate for username.
func (r *Roster) CalendarStatus(username string) presence.CalendarStatus {
	i, ok := r.byUser[model.Key(username)]
	if !ok {
		return presence.CalendarUnknown
	}
	return calendar.ParseAvailability(r.members[i].Calendar)
}
