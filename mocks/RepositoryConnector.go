package mocks

import (
	"context"

	"github.com/alwitt/omrs/federation"
	"github.com/alwitt/omrs/metadata"
	"github.com/stretchr/testify/mock"
)

// RepositoryConnector is a mock type for the federation.RepositoryConnector type
type RepositoryConnector struct {
	mock.Mock
}

// MetadataCollectionID provides a mock function with given fields:
func (_m *RepositoryConnector) MetadataCollectionID() string {
	ret := _m.Called()
	return ret.String(0)
}

// Execute provides a mock function with given fields: ctxt, op
func (_m *RepositoryConnector) Execute(
	ctxt context.Context, op federation.Operation,
) ([]metadata.Instance, error) {
	ret := _m.Called(ctxt, op)

	var r0 []metadata.Instance
	if rf, ok := ret.Get(0).(func(context.Context, federation.Operation) []metadata.Instance); ok {
		r0 = rf(ctxt, op)
	} else if ret.Get(0) != nil {
		r0 = ret.Get(0).([]metadata.Instance)
	}

	var r1 error
	if rf, ok := ret.Get(1).(func(context.Context, federation.Operation) error); ok {
		r1 = rf(ctxt, op)
	} else {
		r1 = ret.Error(1)
	}
	return r0, r1
}

// Close provides a mock function with given fields:
func (_m *RepositoryConnector) Close() error {
	ret := _m.Called()
	return ret.Error(0)
}

// NewRepositoryConnector creates a new instance of RepositoryConnector with the
// metadata collection ID stubbed
func NewRepositoryConnector(metadataCollectionID string) *RepositoryConnector {
	m := &RepositoryConnector{}
	m.On("MetadataCollectionID").Return(metadataCollectionID).Maybe()
	return m
}
