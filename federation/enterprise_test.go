package federation_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alwitt/omrs/cohort"
	"github.com/alwitt/omrs/common"
	"github.com/alwitt/omrs/federation"
	"github.com/alwitt/omrs/metadata"
	"github.com/alwitt/omrs/mocks"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func testMember(id string) common.MemberRegistration {
	return common.MemberRegistration{
		MetadataCollectionID: id,
		ServerName:           fmt.Sprintf("server-%s", id),
		RegistrationTime:     time.Now().UTC(),
		RepositoryConnection: federation.RepositoryConnection("ut", id),
	}
}

func testInstance(home, guid string, version int64, at time.Time) metadata.Instance {
	return metadata.Instance{
		Kind:                     metadata.KindEntity,
		GUID:                     guid,
		HomeMetadataCollectionID: home,
		TypeName:                 "Table",
		Version:                  version,
		UpdateTime:               at,
	}
}

// mockFactory hands out prepared mock connectors by metadata collection ID
func mockFactory(connectors map[string]*mocks.RepositoryConnector) federation.ConnectorFactory {
	return federation.ConnectorFactoryFunc(
		func(registration common.MemberRegistration) (federation.RepositoryConnector, error) {
			connector, ok := connectors[registration.MetadataCollectionID]
			if !ok {
				return nil, fmt.Errorf("no connector for %s", registration.MetadataCollectionID)
			}
			return connector, nil
		},
	)
}

// blockUntilDone a member which never answers
func blockUntilDone(args mock.Arguments) {
	<-args.Get(0).(context.Context).Done()
}

func TestEnterpriseConnectorMerge(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, utCancel := context.WithCancel(context.Background())
	defer utCancel()

	exporter := tracetest.NewInMemoryExporter()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	defer func() {
		_ = provider.Shutdown(utCtxt)
	}()

	base := time.Now().UTC()
	findEntities := federation.Operation{Name: federation.OpFindEntities, TypeName: "Table"}

	m1 := mocks.NewRepositoryConnector("M1")
	m1.On("Execute", mock.Anything, findEntities).Return(
		[]metadata.Instance{testInstance("M1", "g1", 1, base)}, nil,
	)
	m2 := mocks.NewRepositoryConnector("M2")
	m2.On("Execute", mock.Anything, findEntities).Return(
		[]metadata.Instance{
			testInstance("M1", "g1", 2, base.Add(time.Minute)),
			testInstance("M2", "g0", 1, base),
		}, nil,
	)
	m3 := mocks.NewRepositoryConnector("M3")
	m3.On("Execute", mock.Anything, findEntities).Run(blockUntilDone).Return(nil, context.DeadlineExceeded)

	uut, err := federation.GetEnterpriseConnector(federation.EnterpriseParam{
		Factory:       mockFactory(map[string]*mocks.RepositoryConnector{"M1": m1, "M2": m2, "M3": m3}),
		MemberTimeout: time.Millisecond * 100,
		Tracer:        provider.Tracer("ut"),
	})
	assert.Nil(err)

	// Case 0: nothing to federate with
	{
		_, err := uut.Execute(utCtxt, findEntities, federation.ScopeFilter{}, federation.Options{})
		assert.ErrorIs(err, federation.ErrNoMembers)
	}

	for _, id := range []string{"M1", "M2", "M3"} {
		assert.Nil(uut.AddMember("ut-cohort", testMember(id)))
	}
	assert.Equal([]string{"M1", "M2", "M3"}, uut.Members())

	// Case 1: one member times out; newest copy of each instance wins
	{
		exporter.Reset()
		result, err := uut.Execute(utCtxt, findEntities, federation.ScopeFilter{}, federation.Options{})
		assert.Nil(err)
		assert.True(result.Partial)
		assert.Equal([]string{"M1", "M2"}, result.Succeeded)
		assert.Empty(result.Failures)
		assert.Len(result.Instances, 2)
		assert.Equal("g0", result.Instances[0].GUID)
		assert.Equal("g1", result.Instances[1].GUID)
		assert.Equal(int64(2), result.Instances[1].Version)

		spans := exporter.GetSpans()
		assert.Len(spans, 4)
		memberErrors := 0
		for _, span := range spans {
			if span.Name == "federation.member" && span.Status.Code == codes.Error {
				memberErrors++
			}
			if span.Name == "federation.execute" {
				assert.Equal(codes.Ok, span.Status.Code)
			}
		}
		assert.Equal(1, memberErrors)
	}

	// Case 2: verbose reports the failure
	{
		result, err := uut.Execute(
			utCtxt, findEntities, federation.ScopeFilter{}, federation.Options{Verbose: true},
		)
		assert.Nil(err)
		assert.Len(result.Failures, 1)
		assert.Equal("M3", result.Failures[0].MetadataCollectionID)
		assert.Contains(result.Failures[0].Error, "no reply within")
	}

	// Case 3: strict consistency refuses a partial result
	{
		_, err := uut.Execute(
			utCtxt, findEntities, federation.ScopeFilter{}, federation.Options{Strict: true},
		)
		assert.ErrorIs(err, federation.ErrPartialResult)
	}

	// Case 4: scope filter
	{
		result, err := uut.Execute(
			utCtxt, findEntities, federation.ScopeFilter{Include: []string{"M1", "M3"}, Exclude: []string{"M3"}},
			federation.Options{},
		)
		assert.Nil(err)
		assert.False(result.Partial)
		assert.Equal([]string{"M1"}, result.Succeeded)
		assert.Len(result.Instances, 1)
		assert.Equal(int64(1), result.Instances[0].Version)

		_, err = uut.Execute(
			utCtxt, findEntities, federation.ScopeFilter{Include: []string{"M9"}}, federation.Options{},
		)
		assert.ErrorIs(err, federation.ErrNoMembers)
	}

	// Case 5: every member in scope fails
	{
		exporter.Reset()
		_, err := uut.Execute(
			utCtxt, findEntities, federation.ScopeFilter{Include: []string{"M3"}}, federation.Options{},
		)
		assert.ErrorIs(err, federation.ErrAllMembersFailed)
		for _, span := range exporter.GetSpans() {
			assert.Equal(codes.Error, span.Status.Code)
		}
	}

	// Case 6: invalid operation
	{
		_, err := uut.Execute(
			utCtxt, federation.Operation{Name: federation.OpGetInstance}, federation.ScopeFilter{},
			federation.Options{},
		)
		assert.NotNil(err)
	}

	for _, connector := range []*mocks.RepositoryConnector{m1, m2, m3} {
		connector.On("Close").Return(nil).Once()
	}
	assert.Nil(uut.Close())
	assert.Empty(uut.Members())
	m1.AssertExpectations(t)
	m2.AssertExpectations(t)
	m3.AssertExpectations(t)
}

func TestEnterpriseConnectorMemberLeavesMidRequest(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, utCancel := context.WithCancel(context.Background())
	defer utCancel()

	op := federation.Operation{Name: federation.OpGetInstance, GUID: "g1"}
	m1 := mocks.NewRepositoryConnector("M1")
	m1.On("Execute", mock.Anything, op).Return(
		[]metadata.Instance{testInstance("M1", "g1", 1, time.Now().UTC())}, nil,
	)
	m2 := mocks.NewRepositoryConnector("M2")
	m2.On("Execute", mock.Anything, op).Run(blockUntilDone).Return(nil, context.Canceled)
	m2.On("Close").Return(nil).Once()

	uut, err := federation.GetEnterpriseConnector(federation.EnterpriseParam{
		Factory:       mockFactory(map[string]*mocks.RepositoryConnector{"M1": m1, "M2": m2}),
		MemberTimeout: time.Second * 30,
	})
	assert.Nil(err)
	assert.Nil(uut.AddMember("ut-cohort", testMember("M1")))
	assert.Nil(uut.AddMember("ut-cohort", testMember("M2")))

	go func() {
		time.Sleep(time.Millisecond * 50)
		uut.OnMembershipChange(cohort.MembershipChange{
			Cohort: "ut-cohort", Kind: cohort.MemberRemoved, Before: &common.MemberRegistration{
				MetadataCollectionID: "M2", ServerName: "server-M2",
			},
		})
	}()

	start := time.Now()
	result, err := uut.Execute(utCtxt, op, federation.ScopeFilter{}, federation.Options{Verbose: true})
	assert.Nil(err)
	assert.Less(time.Since(start), time.Second*10)
	assert.Equal([]string{"M1"}, result.Succeeded)
	assert.Len(result.Failures, 1)
	assert.Contains(result.Failures[0].Error, federation.ErrMemberRemoved.Error())
	assert.Equal([]string{"M1"}, uut.Members())
	m2.AssertExpectations(t)
}

func TestEnterpriseConnectorMembership(t *testing.T) {
	assert := assert.New(t)

	first := mocks.NewRepositoryConnector("M1")
	second := mocks.NewRepositoryConnector("M1")
	built := 0
	factory := federation.ConnectorFactoryFunc(
		func(registration common.MemberRegistration) (federation.RepositoryConnector, error) {
			if registration.RepositoryConnection == nil {
				return nil, federation.ErrNoRepository
			}
			built++
			if built == 1 {
				return first, nil
			}
			return second, nil
		},
	)
	uut, err := federation.GetEnterpriseConnector(federation.EnterpriseParam{
		Factory: factory, MemberTimeout: time.Second,
	})
	assert.Nil(err)

	// Case 0: member of two cohorts
	member := testMember("M1")
	uut.OnMembershipChange(cohort.MembershipChange{Cohort: "c1", Kind: cohort.MemberAdded, After: &member})
	uut.OnMembershipChange(cohort.MembershipChange{Cohort: "c2", Kind: cohort.MemberAdded, After: &member})
	assert.Equal(1, built)
	assert.Equal([]string{"M1"}, uut.Members())

	// Case 1: leaving one cohort keeps the member
	uut.RemoveMember("c1", "M1")
	assert.Equal([]string{"M1"}, uut.Members())

	// Case 2: a new endpoint replaces the connector
	first.On("Close").Return(nil).Once()
	moved := testMember("M1")
	moved.RepositoryConnection.Endpoint = "ut.repo.elsewhere"
	uut.OnMembershipChange(cohort.MembershipChange{
		Cohort: "c2", Kind: cohort.MemberUpdated, Before: &member, After: &moved,
	})
	assert.Equal(2, built)
	first.AssertExpectations(t)

	// Case 3: leaving the last cohort drops the member
	second.On("Close").Return(nil).Once()
	uut.RemoveMember("c2", "M1")
	assert.Empty(uut.Members())
	second.AssertExpectations(t)

	// Case 4: members without a repository are not targets
	bare := testMember("M2")
	bare.RepositoryConnection = nil
	assert.True(errors.Is(uut.AddMember("c1", bare), federation.ErrNoRepository))
	assert.Empty(uut.Members())

	// Case 5: invalid parameters
	_, err = federation.GetEnterpriseConnector(federation.EnterpriseParam{MemberTimeout: time.Second})
	assert.NotNil(err)
	_, err = federation.GetEnterpriseConnector(federation.EnterpriseParam{Factory: factory})
	assert.NotNil(err)
}

func TestEnterpriseConnectorIncludesLocal(t *testing.T) {
	assert := assert.New(t)

	utCtxt, utCancel := context.WithCancel(context.Background())
	defer utCancel()

	base := time.Now().UTC()
	repo := metadata.NewInMemoryRepository("ut-local")
	saved, err := repo.Save(testInstance("L1", "g1", 3, base))
	assert.Nil(err)
	assert.True(saved)
	saved, err = repo.Save(testInstance("L1", "g2", 1, base))
	assert.Nil(err)
	assert.True(saved)
	_, err = repo.Save(metadata.Instance{
		Kind: metadata.KindRelationship, GUID: "r1", HomeMetadataCollectionID: "L1", TypeName: "Link",
	})
	assert.Nil(err)

	op := federation.Operation{Name: federation.OpFindEntities}
	remote := mocks.NewRepositoryConnector("M1")
	// Same update time, lower version: the local copy wins
	remote.On("Execute", mock.Anything, op).Return(
		[]metadata.Instance{testInstance("L1", "g1", 2, base)}, nil,
	)

	uut, err := federation.GetEnterpriseConnector(federation.EnterpriseParam{
		Factory:       mockFactory(map[string]*mocks.RepositoryConnector{"M1": remote}),
		Local:         federation.NewLocalConnector("L1", repo),
		MemberTimeout: time.Second,
	})
	assert.Nil(err)

	// Case 0: local only
	{
		result, err := uut.Execute(utCtxt, op, federation.ScopeFilter{}, federation.Options{})
		assert.Nil(err)
		assert.Equal([]string{"L1"}, result.Succeeded)
		assert.Len(result.Instances, 2)
	}

	// Case 1: local and remote
	{
		assert.Nil(uut.AddMember("ut-cohort", testMember("M1")))
		result, err := uut.Execute(utCtxt, op, federation.ScopeFilter{}, federation.Options{})
		assert.Nil(err)
		assert.Equal([]string{"L1", "M1"}, result.Succeeded)
		assert.Len(result.Instances, 2)
		assert.Equal(int64(3), result.Instances[0].Version)
	}

	// Case 2: limit applies to the merged result
	{
		limited := federation.Operation{Name: federation.OpFindEntities, Limit: 1}
		remote.On("Execute", mock.Anything, limited).Return([]metadata.Instance{}, nil)
		result, err := uut.Execute(utCtxt, limited, federation.ScopeFilter{}, federation.Options{})
		assert.Nil(err)
		assert.Len(result.Instances, 1)
		assert.Equal("g1", result.Instances[0].GUID)
	}
}

func TestOperationQuery(t *testing.T) {
	assert := assert.New(t)

	query, err := federation.Operation{Name: federation.OpFindRelationships, TypeName: "Link"}.Query()
	assert.Nil(err)
	assert.Equal(metadata.KindRelationship, query.Kind)
	assert.Equal("Link", query.TypeName)

	query, err = federation.Operation{Name: federation.OpGetInstance, GUID: "g1", Limit: 5}.Query()
	assert.Nil(err)
	assert.Equal("g1", query.GUID)
	assert.Equal(0, query.Limit)
	assert.Equal(metadata.InstanceKind(""), query.Kind)

	_, err = federation.Operation{Name: "drop_everything"}.Query()
	assert.NotNil(err)
}
