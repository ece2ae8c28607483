// Package mocks provides test doubles for the dataforseo client.
package mocks

import (
	"context"

	dataforseo "github.com/sells-group/recherche-engine/pkg/dataforseo"
	mock "github.com/stretchr/testify/mock"
)

// MockClient is a mock type for the Client interface.
type MockClient struct {
	mock.Mock
}

// SearchListings provides a mock function with given fields: ctx, req
func (_m *MockClient) SearchListings(ctx context.Context, req dataforseo.ListingsRequest) (*dataforseo.ListingsResponse, error) {
	ret := _m.Called(ctx, req)

	if len(ret) == 0 {
		panic("no return value specified for SearchListings")
	}

	var r0 *dataforseo.ListingsResponse
	var r1 error
	if rf, ok := ret.Get(0).(func(context.Context, dataforseo.ListingsRequest) (*dataforseo.ListingsResponse, error)); ok {
		return rf(ctx, req)
	}
	if rf, ok := ret.Get(0).(func(context.Context, dataforseo.ListingsRequest) *dataforseo.ListingsResponse); ok {
		r0 = rf(ctx, req)
	} else {
		if ret.Get(0) != nil {
			r0 = ret.Get(0).(*dataforseo.ListingsResponse)
		}
	}

	if rf, ok := ret.Get(1).(func(context.Context, dataforseo.ListingsRequest) error); ok {
		r1 = rf(ctx, req)
	} else {
		r1 = ret.Error(1)
	}

	return r0, r1
}

// NewMockClient creates a new instance of MockClient.
func NewMockClient(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockClient {
	mock := &MockClient{}
	mock.Test(t)

	t.Cleanup(func() { mock.AssertExpectations(t) })

	return mock
}
