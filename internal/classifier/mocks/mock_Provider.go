// Package mocks provides test doubles for the classifier provider.
package mocks

import (
	"context"

	classifier "github.com/sells-group/toolscout/internal/classifier"
	mock "github.com/stretchr/testify/mock"
)

// MockProvider is a mock type for the Provider interface.
type MockProvider struct {
	mock.Mock
}

// ClassifyBatch provides a mock function with given fields: ctx, items
func (_m *MockProvider) ClassifyBatch(ctx context.Context, items []classifier.Item) ([]classifier.ProviderResult, float64, error) {
	ret := _m.Called(ctx, items)

	if len(ret) == 0 {
		panic("no return value specified for ClassifyBatch")
	}

	var r0 []classifier.ProviderResult
	var r1 float64
	var r2 error
	if rf, ok := ret.Get(0).(func(context.Context, []classifier.Item) ([]classifier.ProviderResult, float64, error)); ok {
		return rf(ctx, items)
	}
	if rf, ok := ret.Get(0).(func(context.Context, []classifier.Item) []classifier.ProviderResult); ok {
		r0 = rf(ctx, items)
	} else {
		if ret.Get(0) != nil {
			r0 = ret.Get(0).([]classifier.ProviderResult)
		}
	}

	if rf, ok := ret.Get(1).(func(context.Context, []classifier.Item) float64); ok {
		r1 = rf(ctx, items)
	} else {
		r1 = ret.Get(1).(float64)
	}

	if rf, ok := ret.Get(2).(func(context.Context, []classifier.Item) error); ok {
		r2 = rf(ctx, items)
	} else {
		r2 = ret.Error(2)
	}

	return r0, r1, r2
}

// NewMockProvider creates a new instance of MockProvider. It also registers a
// testing interface on the mock and a cleanup function to assert the mocks
// expectations.
func NewMockProvider(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockProvider {
	m := &MockProvider{}
	m.Mock.Test(t)

	t.Cleanup(func() { m.AssertExpectations(t) })

	return m
}
