// Package mocks provides test doubles for the classifier interfaces.
package mocks

import (
	"context"

	classifier "github.com/sells-group/ncm-audit/internal/classifier"
	mock "github.com/stretchr/testify/mock"
)

// MockClassifier is a mock type for the Classifier interface.
type MockClassifier struct {
	mock.Mock
}

// Classify provides a mock function with given fields: ctx, req
func (_m *MockClassifier) Classify(ctx context.Context, req classifier.Request) (classifier.Result, error) {
	ret := _m.Called(ctx, req)

	if len(ret) == 0 {
		panic("no return value specified for Classify")
	}

	var r0 classifier.Result
	var r1 error
	if rf, ok := ret.Get(0).(func(context.Context, classifier.Request) (classifier.Result, error)); ok {
		return rf(ctx, req)
	}
	if rf, ok := ret.Get(0).(func(context.Context, classifier.Request) classifier.Result); ok {
		r0 = rf(ctx, req)
	} else {
		r0 = ret.Get(0).(classifier.Result)
	}

	if rf, ok := ret.Get(1).(func(context.Context, classifier.Request) error); ok {
		r1 = rf(ctx, req)
	} else {
		r1 = ret.Error(1)
	}

	return r0, r1
}

// NewMockClassifier creates a new instance of MockClassifier.
func NewMockClassifier(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockClassifier {
	mock := &MockClassifier{}
	mock.Test(t)

	t.Cleanup(func() { mock.AssertExpectations(t) })

	return mock
}
