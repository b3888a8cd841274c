package common

import (
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestMemberRegistrationBasics(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	validate := validator.New()

	// Case 0: nil and incomplete registrations
	{
		var nilReg *MemberRegistration
		assert.NotNil(nilReg.Validate(validate))
		assert.NotNil((&MemberRegistration{ServerName: "a"}).Validate(validate))
		assert.NotNil((&MemberRegistration{MetadataCollectionID: "a"}).Validate(validate))
	}

	now := time.Now().UTC()
	reg := MemberRegistration{
		MetadataCollectionID: uuid.NewString(),
		ServerName:           "ServerA",
		RegistrationTime:     now,
		RepositoryConnection: &ConnectionDescriptor{
			Protocol:   "nats",
			Endpoint:   "omrs.repo.a",
			Properties: map[string]string{"k": "v"},
		},
	}
	assert.Nil(reg.Validate(validate))

	// Case 1: identity and freshness
	{
		other := reg.Copy()
		other.RegistrationTime = now.Add(time.Second)
		assert.True(reg.SameIdentity(other))
		assert.True(other.IsNewerThan(reg))
		assert.False(reg.IsNewerThan(other))
		other.RepositoryConnection.Endpoint = "omrs.repo.b"
		assert.False(reg.SameIdentity(other))
		// Copy must not alias the connection
		assert.Equal("omrs.repo.a", reg.Endpoint())
	}

	// Case 2: copy does not alias properties
	{
		other := reg.Copy()
		other.RepositoryConnection.Properties["k"] = "changed"
		assert.Equal("v", reg.RepositoryConnection.Properties["k"])
	}

	// Case 3: SQL value / scan
	{
		value, err := reg.Value()
		assert.Nil(err)
		var parsed MemberRegistration
		assert.Nil(parsed.Scan(value))
		assert.Equal(reg.MetadataCollectionID, parsed.MetadataCollectionID)
		assert.True(reg.RegistrationTime.Equal(parsed.RegistrationTime))
		assert.NotNil(parsed.Scan(12))
	}
}
