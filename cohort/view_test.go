package cohort

import (
	"fmt"
	"testing"
	"time"

	"github.com/alwitt/omrs/common"
	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func testRegistration(id, server, endpoint string, at time.Time) *common.MemberRegistration {
	reg := &common.MemberRegistration{
		MetadataCollectionID: id,
		ServerName:           server,
		RegistrationTime:     at,
	}
	if endpoint != "" {
		reg.RepositoryConnection = &common.ConnectionDescriptor{Protocol: "nats", Endpoint: endpoint}
	}
	return reg
}

func anomalyClasses(anomalies []Anomaly) []AnomalyClass {
	classes := []AnomalyClass{}
	for _, anomaly := range anomalies {
		classes = append(classes, anomaly.Class)
	}
	return classes
}

func TestMemberViewRegistrationRules(t *testing.T) {
	assert := assert.New(t)

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	local := testRegistration("L1", "local-server", "omrs.repo.L1", base)
	uut := NewMemberView(local)

	// Case 0: unknown member is added
	{
		result := uut.ApplyRegistration(testRegistration("B1", "server-b", "omrs.repo.B1", base), KindRegistration, base)
		assert.Equal(OutcomeAdded, result.Outcome)
		assert.Nil(result.Before)
		assert.Equal("server-b", result.After.ServerName)
		assert.Empty(result.Anomalies)
		assert.Equal(1, uut.Len())
	}

	// Case 1: same registration again changes nothing, but counts as heard from
	{
		heard := base.Add(time.Minute)
		result := uut.ApplyRegistration(testRegistration("B1", "server-b", "omrs.repo.B1", base), KindReregistration, heard)
		assert.Equal(OutcomeStale, result.Outcome)
		entry, ok := uut.Get("B1")
		assert.True(ok)
		assert.Equal(heard, entry.LastHeard)
	}

	// Case 2: older registration is ignored entirely
	{
		result := uut.ApplyRegistration(
			testRegistration("B1", "server-b", "omrs.repo.B1", base.Add(-time.Hour)), KindRegistration, base.Add(time.Hour),
		)
		assert.Equal(OutcomeStale, result.Outcome)
		entry, _ := uut.Get("B1")
		assert.Equal(base, entry.Registration.RegistrationTime)
		assert.Equal(base.Add(time.Minute), entry.LastHeard)
	}

	// Case 3: newer registration updates
	{
		newer := testRegistration("B1", "server-b", "omrs.repo.B1", base.Add(time.Hour))
		newer.OrganizationName = "org-b"
		result := uut.ApplyRegistration(newer, KindReregistration, base.Add(time.Hour))
		assert.Equal(OutcomeUpdated, result.Outcome)
		assert.Equal(base, result.Before.RegistrationTime)
		assert.Equal("org-b", result.After.OrganizationName)
	}

	// Case 4: newer registration with another identity keeps the stored identity
	{
		imposter := testRegistration("B1", "server-x", "omrs.repo.X", base.Add(2*time.Hour))
		imposter.OrganizationName = "org-x"
		result := uut.ApplyRegistration(imposter, KindRegistration, base.Add(2*time.Hour))
		assert.Equal(OutcomeConflict, result.Outcome)
		assert.Equal(
			[]AnomalyClass{AnomalyDuplicateMetadataCollectionID}, anomalyClasses(result.Anomalies),
		)
		entry, _ := uut.Get("B1")
		assert.Equal("server-b", entry.Registration.ServerName)
		assert.Equal("omrs.repo.B1", entry.Registration.Endpoint())
		assert.Equal("org-x", entry.Registration.OrganizationName)
		assert.Equal(base.Add(2*time.Hour), entry.Registration.RegistrationTime)
		// Hearing from another server does not count as hearing from the member
		assert.Equal(base.Add(time.Hour), entry.LastHeard)
	}

	// Case 4a: older registration with another identity is still a collision
	{
		imposter := testRegistration("B1", "server-x", "omrs.repo.X", base)
		result := uut.ApplyRegistration(imposter, KindRegistration, base.Add(3*time.Hour))
		assert.Equal(OutcomeStale, result.Outcome)
		assert.Equal(
			[]AnomalyClass{AnomalyDuplicateMetadataCollectionID}, anomalyClasses(result.Anomalies),
		)
		assert.Equal("server-x", result.Anomalies[0].ServerName)
		entry, _ := uut.Get("B1")
		assert.Equal("server-b", entry.Registration.ServerName)
		assert.Equal(base.Add(time.Hour), entry.LastHeard)
	}

	// Case 4b: equal time registration with another identity is a collision, and
	// does not refresh the member
	{
		imposter := testRegistration("B1", "server-x", "omrs.repo.X", base.Add(2*time.Hour))
		result := uut.ApplyRegistration(imposter, KindReregistration, base.Add(4*time.Hour))
		assert.Equal(OutcomeStale, result.Outcome)
		assert.Equal(
			[]AnomalyClass{AnomalyDuplicateMetadataCollectionID}, anomalyClasses(result.Anomalies),
		)
		entry, _ := uut.Get("B1")
		assert.Equal("server-b", entry.Registration.ServerName)
		assert.Equal("omrs.repo.B1", entry.Registration.Endpoint())
		assert.Equal(base.Add(time.Hour), entry.LastHeard)
	}

	// Case 5: another ID using the same server name and endpoint
	{
		result := uut.ApplyRegistration(testRegistration("C1", "server-b", "omrs.repo.B1", base), KindRegistration, base)
		assert.Equal(OutcomeAdded, result.Outcome)
		assert.Equal(
			[]AnomalyClass{AnomalyDuplicateServerName, AnomalyDuplicateServerEndpoint},
			anomalyClasses(result.Anomalies),
		)
		assert.Equal("B1", result.Anomalies[0].ConflictsWith)
		assert.Equal(2, uut.Len())
	}

	// Case 6: another ID using the local server's name
	{
		result := uut.ApplyRegistration(testRegistration("D1", "local-server", "", base), KindRegistration, base)
		assert.Equal(OutcomeAdded, result.Outcome)
		assert.Equal([]AnomalyClass{AnomalyDuplicateServerName}, anomalyClasses(result.Anomalies))
		assert.Equal("L1", result.Anomalies[0].ConflictsWith)
	}

	// Case 7: the local ID announced by another server
	{
		result := uut.ApplyRegistration(testRegistration("L1", "server-z", "", base), KindRegistration, base)
		assert.Equal(OutcomeRejected, result.Outcome)
		assert.Equal(
			[]AnomalyClass{AnomalyDuplicateMetadataCollectionID}, anomalyClasses(result.Anomalies),
		)
		_, ok := uut.Get("L1")
		assert.False(ok)
	}

	// Case 8: own announcement echoed back
	{
		result := uut.ApplyRegistration(local, KindRegistration, base)
		assert.Equal(OutcomeStale, result.Outcome)
		assert.Empty(result.Anomalies)
	}

	// Case 9: invalid registrations
	{
		result := uut.ApplyRegistration(nil, KindRegistration, base)
		assert.Equal(OutcomeRejected, result.Outcome)
		assert.Equal([]AnomalyClass{AnomalyInvalidRegistration}, anomalyClasses(result.Anomalies))
		result = uut.ApplyRegistration(testRegistration("E1", "", "", base), KindRegistration, base)
		assert.Equal(OutcomeRejected, result.Outcome)
		assert.Equal([]AnomalyClass{AnomalyInvalidRegistration}, anomalyClasses(result.Anomalies))
		assert.Equal(3, uut.Len())
	}

	// Case 10: un-registration
	{
		removed := uut.ApplyUnRegistration("C1")
		assert.NotNil(removed)
		assert.Equal("C1", removed.MetadataCollectionID)
		assert.Nil(uut.ApplyUnRegistration("C1"))
		members := uut.Members()
		assert.Len(members, 2)
		assert.Equal("B1", members[0].Registration.MetadataCollectionID)
		assert.Equal("D1", members[1].Registration.MetadataCollectionID)
	}

	// Case 11: stored members are not considered heard from
	{
		result := uut.ApplyRegistration(testRegistration("F1", "local-server", "", base), KindStored, base)
		assert.Equal(OutcomeAdded, result.Outcome)
		assert.Empty(result.Anomalies)
		entry, _ := uut.Get("F1")
		assert.True(entry.LastHeard.IsZero())
	}

	// Case 12: clear
	{
		removed := uut.Clear()
		assert.Len(removed, 3)
		assert.Equal(0, uut.Len())
	}
}

func TestMemberViewReturnsCopies(t *testing.T) {
	assert := assert.New(t)

	base := time.Now().UTC()
	uut := NewMemberView(nil)
	reg := testRegistration("B1", "server-b", "omrs.repo.B1", base)
	result := uut.ApplyRegistration(reg, KindRegistration, base)
	assert.Equal(OutcomeAdded, result.Outcome)

	reg.RepositoryConnection.Endpoint = "changed"
	result.After.ServerName = "changed"
	members := uut.Members()
	members[0].Registration.RepositoryConnection.Endpoint = "changed"

	entry, _ := uut.Get("B1")
	assert.Equal("server-b", entry.Registration.ServerName)
	assert.Equal("omrs.repo.B1", entry.Registration.Endpoint())
}

// TestMemberViewIdempotentAndMonotonic is a property-based test using rapid.
// Any delivery order of any registrations, replayed any number of times, ends
// with each member at its newest registration.
func TestMemberViewIdempotentAndMonotonic(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ids := []string{"M1", "M2", "M3"}

	rapid.Check(t, func(rt *rapid.T) {
		numRegs := rapid.IntRange(1, 20).Draw(rt, "numRegs")
		registrations := make([]*common.MemberRegistration, 0, numRegs)
		newest := map[string]time.Time{}
		for itr := 0; itr < numRegs; itr++ {
			id := rapid.SampledFrom(ids).Draw(rt, "id")
			offset := rapid.IntRange(0, 10).Draw(rt, "offset")
			at := base.Add(time.Duration(offset) * time.Minute)
			registrations = append(
				registrations,
				testRegistration(id, fmt.Sprintf("server-%s", id), fmt.Sprintf("omrs.repo.%s", id), at),
			)
			if at.After(newest[id]) || newest[id].IsZero() {
				newest[id] = at
			}
		}
		order := rapid.Permutation(registrations).Draw(rt, "order")

		uut := NewMemberView(nil)
		for _, reg := range order {
			result := uut.ApplyRegistration(reg, KindRegistration, base)
			if result.Outcome == OutcomeRejected || result.Outcome == OutcomeConflict {
				rt.Fatalf("unexpected outcome %s for %s", result.Outcome, reg.String())
			}
		}
		check := func() {
			members := uut.Members()
			if len(members) != len(newest) {
				rt.Fatalf("expected %d members, have %d", len(newest), len(members))
			}
			for _, member := range members {
				expected := newest[member.Registration.MetadataCollectionID]
				if !member.Registration.RegistrationTime.Equal(expected) {
					rt.Fatalf(
						"%s at %s, expected %s",
						member.Registration.MetadataCollectionID,
						member.Registration.RegistrationTime,
						expected,
					)
				}
			}
		}
		check()

		// Replaying changes nothing
		for _, reg := range registrations {
			if result := uut.ApplyRegistration(reg, KindReregistration, base); result.Outcome != OutcomeStale {
				rt.Fatalf("replay of %s gave %s", reg.String(), result.Outcome)
			}
		}
		check()
	})
}
