package runstore

import "context"

type NoopStore struct{}

func NewNoopStore() *NoopStore {
	return &NoopStore{}
}

func (s *NoopStore) Get(_ context.Context, _ string) (*Record, error) {
	return nil, ErrNotFound
}

func (s *NoopStore) Set(_ context.Context, _ *Record) error {
	return nil
}

func (s *NoopStore) Close() error {
	return nil
}
