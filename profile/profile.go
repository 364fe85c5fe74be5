// Package profile defines the deployment profile context consumed by the
// certificate lifecycle. Attribute resolution (institution, federation,
// inheritance) happens elsewhere; this package only carries the resolved
// values the issuing engine needs.
package profile

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// ErrProfileNotFound is returned when a profile ID is not registered.
var ErrProfileNotFound = errors.New("profile not found")

// CABackend selects the CA signer variant used for a profile.
type CABackend string

const (
	// BackendEmbedded signs with the locally held issuing CA.
	BackendEmbedded CABackend = "embedded"
	// BackendExternal delegates signing to a remote CA service.
	BackendExternal CABackend = "external"
)

// ParseCABackend parses a backend selector, defaulting to embedded.
func ParseCABackend(s string) (CABackend, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(BackendEmbedded):
		return BackendEmbedded, nil
	case string(BackendExternal):
		return BackendExternal, nil
	default:
		return "", fmt.Errorf("invalid CA backend %q: must be embedded or external", s)
	}
}

// Profile is the resolved context of one deployment.
type Profile struct {
	ID          string
	Realm       string
	Institution string
	Federation  string

	// MaxActiveUsers caps the number of active users within the
	// federation. Zero means unlimited.
	MaxActiveUsers int

	// DeviceLimit is the default number of redemptions per invitation.
	DeviceLimit int

	// InvitationValidity is the default lifetime of a new invitation.
	InvitationValidity time.Duration

	CABackend     CABackend
	ExternalCAURL string
}

// Validate checks that the profile carries what issuance needs.
func (p *Profile) Validate() error {
	if p.ID == "" {
		return errors.New("profile: id is required")
	}
	if p.Realm == "" {
		return fmt.Errorf("profile %s: realm is required", p.ID)
	}
	if p.Federation == "" {
		return fmt.Errorf("profile %s: federation is required", p.ID)
	}
	if p.CABackend == BackendExternal && p.ExternalCAURL == "" {
		return fmt.Errorf("profile %s: external CA backend requires a URL", p.ID)
	}
	return nil
}

// Registry is a concurrency-safe set of profiles indexed by ID.
type Registry struct {
	mu       sync.RWMutex
	profiles map[string]*Profile
}

// NewRegistry returns a registry holding the given profiles.
func NewRegistry(profiles ...*Profile) *Registry {
	r := &Registry{profiles: make(map[string]*Profile, len(profiles))}
	for _, p := range profiles {
		r.profiles[p.ID] = p
	}
	return r
}

// Add registers or replaces a profile.
func (r *Registry) Add(p *Profile) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.profiles[p.ID] = p
}

// Get returns the profile with the given ID.
func (r *Registry) Get(id string) (*Profile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrProfileNotFound)
	}
	return p, nil
}

// InFederation returns the IDs of all profiles belonging to federation.
func (r *Registry) InFederation(federation string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for id, p := range r.profiles {
		if strings.EqualFold(p.Federation, federation) {
			ids = append(ids, id)
		}
	}
	return ids
}
