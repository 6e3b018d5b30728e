package broadcast

import (
	"context"
	"strings"
	"sync"

	"groupcast/internal/transport"
)

// ProfileTags checks and writes the markers an account profile must carry
// before non-premium users may broadcast from it.
type ProfileTags struct {
	Client transport.AccountClient

	mu         sync.RWMutex
	nameMarker string
	bioMarker  string
}

func NewProfileTags(client transport.AccountClient, nameMarker, bioMarker string) *ProfileTags {
	t := &ProfileTags{Client: client}
	t.SetMarkers(nameMarker, bioMarker)
	return t
}

func (t *ProfileTags) SetMarkers(name, bio string) {
	t.mu.Lock()
	t.nameMarker, t.bioMarker = strings.TrimSpace(name), strings.TrimSpace(bio)
	t.mu.Unlock()
}

func (t *ProfileTags) Markers() (name, bio string) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.nameMarker, t.bioMarker
}

func carries(field, marker string) bool {
	return marker == "" || strings.Contains(strings.ToLower(field), strings.ToLower(marker))
}

// HasTags reports whether the live profile carries both markers. The name
// marker may sit in the first or last name.
func (t *ProfileTags) HasTags(ctx context.Context, accountID int64) (bool, error) {
	p, err := t.Client.Profile(ctx, accountID)
	if err != nil {
		return false, err
	}
	name, bio := t.Markers()
	return carries(p.FirstName+" "+p.LastName, name) && carries(p.About, bio), nil
}

// Apply appends missing markers to the last name and the bio.
func (t *ProfileTags) Apply(ctx context.Context, accountID int64) error {
	p, err := t.Client.Profile(ctx, accountID)
	if err != nil {
		return err
	}
	name, bio := t.Markers()
	last, about := p.LastName, p.About
	if !carries(p.FirstName+" "+last, name) {
		last = strings.TrimSpace(last + " " + name)
	}
	if !carries(about, bio) {
		about = strings.TrimSpace(about + " " + bio)
	}
	if last == p.LastName && about == p.About {
		return nil
	}
	return t.Client.UpdateProfile(ctx, accountID, last, about)
}
