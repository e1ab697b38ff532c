package pairing

import (
	"fmt"
	"regexp"

	"github.com/google/uuid"
)

// DiscoveryFilter describes which nearby devices qualify for the chooser.
// A zero filter matches every device. Filters are immutable once built.
type DiscoveryFilter struct {
	namePattern *regexp.Regexp
	serviceUUID uuid.UUID
	hasService  bool
}

// NewDiscoveryFilter builds a filter. Empty arguments leave that criterion unset.
func NewDiscoveryFilter(namePattern, serviceUUID string) (*DiscoveryFilter, error) {
	f := &DiscoveryFilter{}

	if namePattern != "" {
		re, err := regexp.Compile(namePattern)
		if err != nil {
			return nil, fmt.Errorf("invalid name pattern %q: %w", namePattern, err)
		}
		f.namePattern = re
	}

	if serviceUUID != "" {
		u, err := uuid.Parse(serviceUUID)
		if err != nil {
			return nil, fmt.Errorf("invalid service uuid %q: %w", serviceUUID, err)
		}
		f.serviceUUID = u
		f.hasService = true
	}

	return f, nil
}

// MatchAll returns a filter accepting every device
func MatchAll() *DiscoveryFilter {
	return &DiscoveryFilter{}
}

// NamePattern returns the source of the name pattern, or "" when unset
func (f *DiscoveryFilter) NamePattern() string {
	if f == nil || f.namePattern == nil {
		return ""
	}
	return f.namePattern.String()
}

// ServiceUUID returns the required service and whether one is set
func (f *DiscoveryFilter) ServiceUUID() (uuid.UUID, bool) {
	if f == nil {
		return uuid.Nil, false
	}
	return f.serviceUUID, f.hasService
}

// Matches reports whether a device advertising the given services qualifies
func (f *DiscoveryFilter) Matches(d Device, services []uuid.UUID) bool {
	if f == nil {
		return true
	}
	if f.namePattern != nil && !f.namePattern.MatchString(d.Name) {
		return false
	}
	if f.hasService {
		for _, s := range services {
			if s == f.serviceUUID {
				return true
			}
		}
		return false
	}
	return true
}

func (f *DiscoveryFilter) String() string {
	svc := "any"
	if u, ok := f.ServiceUUID(); ok {
		svc = u.String()
	}
	name := f.NamePattern()
	if name == "" {
		name = "any"
	}
	return fmt.Sprintf("name=%s service=%s", name, svc)
}

// PairingRequest is a one-shot discovery intent. A fresh one is built for every attempt.
type PairingRequest struct {
	ID           uuid.UUID
	Filter       *DiscoveryFilter
	SingleDevice bool
}

// NewPairingRequest creates a request with a new identifier
func NewPairingRequest(filter *DiscoveryFilter, singleDevice bool) PairingRequest {
	if filter == nil {
		filter = MatchAll()
	}
	return PairingRequest{
		ID:           uuid.New(),
		Filter:       filter,
		SingleDevice: singleDevice,
	}
}
