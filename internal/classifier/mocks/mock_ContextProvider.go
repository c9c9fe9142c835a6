package mocks

import (
	"context"

	mock "github.com/stretchr/testify/mock"
)

// MockContextProvider is a mock type for the ContextProvider interface.
type MockContextProvider struct {
	mock.Mock
}

// Snippets provides a mock function with given fields: ctx, description
func (_m *MockContextProvider) Snippets(ctx context.Context, description string) ([]string, error) {
	ret := _m.Called(ctx, description)

	if len(ret) == 0 {
		panic("no return value specified for Snippets")
	}

	var r0 []string
	var r1 error
	if rf, ok := ret.Get(0).(func(context.Context, string) ([]string, error)); ok {
		return rf(ctx, description)
	}
	if rf, ok := ret.Get(0).(func(context.Context, string) []string); ok {
		r0 = rf(ctx, description)
	} else {
		if ret.Get(0) != nil {
			r0 = ret.Get(0).([]string)
		}
	}

	if rf, ok := ret.Get(1).(func(context.Context, string) error); ok {
		r1 = rf(ctx, description)
	} else {
		r1 = ret.Error(1)
	}

	return r0, r1
}

// NewMockContextProvider creates a new instance of MockContextProvider.
func NewMockContextProvider(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockContextProvider {
	mock := &MockContextProvider{}
	mock.Test(t)

	t.Cleanup(func() { mock.AssertExpectations(t) })

	return mock
}
