// Package mocks provides mock implementations for testing the simulation
// lifecycle coordinator.
//
// This package uses go.uber.org/mock (gomock) to generate type-safe mocks for
// the ports in internal/core. To regenerate after interface changes, run:
//
//	go generate ./internal/mocks
//
// Usage in tests:
//
//	ctrl := gomock.NewController(t)
//	defer ctrl.Finish()
//	store := mocks.NewMockSimulationStore(ctrl)
//	store.EXPECT().GetByID(gomock.Any(), "sim-1").Return(rec, nil)
package mocks

// Generate mock for SimulationStore interface from internal/core package.
// This creates MockSimulationStore with methods for all SimulationStore
// interface methods: Create, GetByID, ConditionalUpdate, ListRunning,
// ListByStatus, Stats
//go:generate go run go.uber.org/mock/mockgen -package=mocks -destination=simulation_store_mock.go github.com/phip-platform/simcoord/internal/core SimulationStore
