package storage

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/JakeFAU/stackharvest/internal/crawler"
)

// MockQuestionStore is a testify mock of crawler.QuestionStore.
type MockQuestionStore struct {
	mock.Mock
}

// StoreBatch records the call.
func (m *MockQuestionStore) StoreBatch(ctx context.Context, questions []crawler.Question) (int, error) {
	args := m.Called(ctx, questions)
	return args.Int(0), args.Error(1) //nolint:wrapcheck
}

// Count records the call.
func (m *MockQuestionStore) Count(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1) //nolint:wrapcheck
}

// Stats records the call.
func (m *MockQuestionStore) Stats(ctx context.Context) (crawler.StoreStats, error) {
	args := m.Called(ctx)
	return args.Get(0).(crawler.StoreStats), args.Error(1) //nolint:wrapcheck
}

// List records the call.
func (m *MockQuestionStore) List(ctx context.Context, limit int) ([]crawler.Question, error) {
	args := m.Called(ctx, limit)
	questions, _ := args.Get(0).([]crawler.Question)
	return questions, args.Error(1) //nolint:wrapcheck
}

// Ping records the call.
func (m *MockQuestionStore) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0) //nolint:wrapcheck
}

// Close records the call.
func (m *MockQuestionStore) Close() {
	m.Called()
}
