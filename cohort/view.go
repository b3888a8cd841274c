package cohort

import (
	"fmt"
	"sort"
	"time"

	"github.com/alwitt/omrs/common"
	"github.com/go-playground/validator/v10"
)

// RegistrationKind which event carried a registration
type RegistrationKind string

// Registration kinds
const (
	KindRegistration   RegistrationKind = "registration"
	KindReregistration RegistrationKind = "reregistration"
	KindStored         RegistrationKind = "stored"
)

// ApplyOutcome result of applying a registration to the member view
type ApplyOutcome string

// Apply outcomes
const (
	// OutcomeAdded a new member was added
	OutcomeAdded ApplyOutcome = "added"
	// OutcomeUpdated a known member's registration was replaced by a newer one
	OutcomeUpdated ApplyOutcome = "updated"
	// OutcomeStale the registration was not newer than the stored one, nothing changed
	OutcomeStale ApplyOutcome = "stale"
	// OutcomeConflict a newer registration changed the member's identity. The
	// stored identity is kept and the other fields are updated.
	OutcomeConflict ApplyOutcome = "conflict"
	// OutcomeRejected the registration was invalid or collides with the local server
	OutcomeRejected ApplyOutcome = "rejected"
)

// Changed whether the outcome modified the stored registration
func (o ApplyOutcome) Changed() bool {
	return o == OutcomeAdded || o == OutcomeUpdated || o == OutcomeConflict
}

// MemberEntry one remote member known to the view
type MemberEntry struct {
	Registration common.MemberRegistration `json:"registration"`
	// LastHeard when an event about the member was last received. Zero for
	// members loaded from the store and not heard from since.
	LastHeard time.Time `json:"last_heard"`
}

// ApplyResult full result of applying a registration
type ApplyResult struct {
	Outcome   ApplyOutcome
	Before    *common.MemberRegistration
	After     *common.MemberRegistration
	Anomalies []Anomaly
}

// MemberView the known remote members of one cohort. It holds the pure protocol
// rules and is not thread safe; the owning registry serializes access.
type MemberView struct {
	localID   string
	localName string
	localEP   string
	members   map[string]*MemberEntry
	validate  *validator.Validate
}

// NewMemberView define a new view. The local registration is used to detect
// collisions with the local server, and may be nil.
func NewMemberView(local *common.MemberRegistration) *MemberView {
	view := &MemberView{members: map[string]*MemberEntry{}, validate: validator.New()}
	view.SetLocal(local)
	return view
}

// SetLocal update the local server's registration
func (v *MemberView) SetLocal(local *common.MemberRegistration) {
	if local == nil {
		v.localID, v.localName, v.localEP = "", "", ""
		return
	}
	v.localID = local.MetadataCollectionID
	v.localName = local.ServerName
	v.localEP = local.Endpoint()
}

// ApplyRegistration apply a Registration or Reregistration heard at "now"
func (v *MemberView) ApplyRegistration(
	reg *common.MemberRegistration, kind RegistrationKind, now time.Time,
) ApplyResult {
	if err := reg.Validate(v.validate); err != nil {
		anomaly := Anomaly{
			Class:      AnomalyInvalidRegistration,
			Detail:     fmt.Sprintf("Dropped invalid %s: %s", kind, err.Error()),
			DetectedAt: now,
		}
		if reg != nil {
			anomaly.MetadataCollectionID = reg.MetadataCollectionID
			anomaly.ServerName = reg.ServerName
		}
		return ApplyResult{Outcome: OutcomeRejected, Anomalies: []Anomaly{anomaly}}
	}
	incoming := reg.Copy()

	if v.localID != "" && incoming.MetadataCollectionID == v.localID {
		if incoming.ServerName == v.localName && incoming.Endpoint() == v.localEP {
			// Own announcement echoed back
			return ApplyResult{Outcome: OutcomeStale}
		}
		return ApplyResult{
			Outcome: OutcomeRejected,
			Anomalies: []Anomaly{{
				Class:                AnomalyDuplicateMetadataCollectionID,
				MetadataCollectionID: incoming.MetadataCollectionID,
				ServerName:           incoming.ServerName,
				Endpoint:             incoming.Endpoint(),
				Detail: fmt.Sprintf(
					"Server %s announced the local metadata collection ID", incoming.ServerName,
				),
				DetectedAt: now,
			}},
		}
	}

	existing, known := v.members[incoming.MetadataCollectionID]
	if !known {
		v.members[incoming.MetadataCollectionID] = &MemberEntry{
			Registration: incoming, LastHeard: heardAt(kind, now),
		}
		after := incoming.Copy()
		result := ApplyResult{Outcome: OutcomeAdded, After: &after}
		if kind != KindStored {
			result.Anomalies = v.duplicateChecks(incoming, now)
		}
		return result
	}

	sameIdentity := incoming.SameIdentity(existing.Registration)
	var anomalies []Anomaly
	if !sameIdentity && kind != KindStored {
		anomalies = append(anomalies, Anomaly{
			Class:                AnomalyDuplicateMetadataCollectionID,
			MetadataCollectionID: incoming.MetadataCollectionID,
			ServerName:           incoming.ServerName,
			Endpoint:             incoming.Endpoint(),
			Detail: fmt.Sprintf(
				"Metadata collection ID %s used by %s as well as %s",
				incoming.MetadataCollectionID,
				incoming.ServerName,
				existing.Registration.ServerName,
			),
			DetectedAt: now,
		})
	}

	if !incoming.IsNewerThan(existing.Registration) {
		// Only the member itself may mark itself as heard from
		if sameIdentity && kind != KindStored &&
			incoming.RegistrationTime.Equal(existing.Registration.RegistrationTime) {
			existing.LastHeard = now
		}
		return ApplyResult{Outcome: OutcomeStale, Anomalies: anomalies}
	}

	before := existing.Registration.Copy()
	result := ApplyResult{Outcome: OutcomeUpdated, Before: &before, Anomalies: anomalies}
	if !sameIdentity {
		result.Outcome = OutcomeConflict
		incoming.ServerName = existing.Registration.ServerName
		incoming.RepositoryConnection = existing.Registration.Copy().RepositoryConnection
	}
	existing.Registration = incoming
	if sameIdentity && kind != KindStored {
		existing.LastHeard = now
	}
	after := incoming.Copy()
	result.After = &after
	return result
}

// duplicateChecks look for other members, or the local server, sharing a new
// member's server name or endpoint
func (v *MemberView) duplicateChecks(reg common.MemberRegistration, now time.Time) []Anomaly {
	anomalies := []Anomaly{}
	endpoint := reg.Endpoint()
	nameClash := func(otherID string) {
		anomalies = append(anomalies, Anomaly{
			Class:                AnomalyDuplicateServerName,
			MetadataCollectionID: reg.MetadataCollectionID,
			ConflictsWith:        otherID,
			ServerName:           reg.ServerName,
			Detail: fmt.Sprintf(
				"Server name %s registered by %s and %s",
				reg.ServerName,
				reg.MetadataCollectionID,
				otherID,
			),
			DetectedAt: now,
		})
	}
	endpointClash := func(otherID string) {
		anomalies = append(anomalies, Anomaly{
			Class:                AnomalyDuplicateServerEndpoint,
			MetadataCollectionID: reg.MetadataCollectionID,
			ConflictsWith:        otherID,
			Endpoint:             endpoint,
			Detail: fmt.Sprintf(
				"Repository endpoint %s registered by %s and %s",
				endpoint,
				reg.MetadataCollectionID,
				otherID,
			),
			DetectedAt: now,
		})
	}
	if v.localID != "" {
		if reg.ServerName == v.localName {
			nameClash(v.localID)
		}
		if endpoint != "" && endpoint == v.localEP {
			endpointClash(v.localID)
		}
	}
	for _, otherID := range v.sortedIDs() {
		if otherID == reg.MetadataCollectionID {
			continue
		}
		other := v.members[otherID].Registration
		if other.ServerName == reg.ServerName {
			nameClash(otherID)
		}
		if endpoint != "" && other.Endpoint() == endpoint {
			endpointClash(otherID)
		}
	}
	if len(anomalies) == 0 {
		return nil
	}
	return anomalies
}

// ApplyUnRegistration remove a member. Returns the removed registration, or nil
// if the member was unknown.
func (v *MemberView) ApplyUnRegistration(id string) *common.MemberRegistration {
	entry, ok := v.members[id]
	if !ok {
		return nil
	}
	delete(v.members, id)
	removed := entry.Registration.Copy()
	return &removed
}

// Get fetch one member
func (v *MemberView) Get(id string) (MemberEntry, bool) {
	entry, ok := v.members[id]
	if !ok {
		return MemberEntry{}, false
	}
	return MemberEntry{Registration: entry.Registration.Copy(), LastHeard: entry.LastHeard}, true
}

// Members copy of all members, ordered by metadata collection ID
func (v *MemberView) Members() []MemberEntry {
	result := make([]MemberEntry, 0, len(v.members))
	for _, id := range v.sortedIDs() {
		entry := v.members[id]
		result = append(result, MemberEntry{
			Registration: entry.Registration.Copy(), LastHeard: entry.LastHeard,
		})
	}
	return result
}

// Clear drop all members, returning what was removed
func (v *MemberView) Clear() []common.MemberRegistration {
	removed := make([]common.MemberRegistration, 0, len(v.members))
	for _, entry := range v.Members() {
		removed = append(removed, entry.Registration)
	}
	v.members = map[string]*MemberEntry{}
	return removed
}

// Len number of members
func (v *MemberView) Len() int {
	return len(v.members)
}

func (v *MemberView) sortedIDs() []string {
	ids := make([]string, 0, len(v.members))
	for id := range v.members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func heardAt(kind RegistrationKind, now time.Time) time.Time {
	if kind == KindStored {
		return time.Time{}
	}
	return now
}
