// Package mocks provides gomock implementations of the agent's interfaces.
//
// To regenerate after interface changes, run:
//
//	go generate ./internal/mocks
package mocks

//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=endpoint_mock.go jobsagent/internal/callback Endpoint

//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=store_mock.go jobsagent/internal/storage Store
