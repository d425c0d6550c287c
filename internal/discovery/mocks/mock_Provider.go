// Package mocks provides test doubles for the discovery provider.
package mocks

import (
	"context"

	model "github.com/sells-group/toolscout/internal/model"
	mock "github.com/stretchr/testify/mock"
)

// MockProvider is a mock type for the Provider interface.
type MockProvider struct {
	mock.Mock
}

// Search provides a mock function with given fields: ctx, term, platform, maxItems
func (_m *MockProvider) Search(ctx context.Context, term string, platform string, maxItems int) ([]model.Posting, error) {
	ret := _m.Called(ctx, term, platform, maxItems)

	if len(ret) == 0 {
		panic("no return value specified for Search")
	}

	var r0 []model.Posting
	var r1 error
	if rf, ok := ret.Get(0).(func(context.Context, string, string, int) ([]model.Posting, error)); ok {
		return rf(ctx, term, platform, maxItems)
	}
	if rf, ok := ret.Get(0).(func(context.Context, string, string, int) []model.Posting); ok {
		r0 = rf(ctx, term, platform, maxItems)
	} else {
		if ret.Get(0) != nil {
			r0 = ret.Get(0).([]model.Posting)
		}
	}

	if rf, ok := ret.Get(1).(func(context.Context, string, string, int) error); ok {
		r1 = rf(ctx, term, platform, maxItems)
	} else {
		r1 = ret.Error(1)
	}

	return r0, r1
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
