package service_registry

// Service is the lifecycle every registered component implements.
type Service interface {
	Start() error
	Stop() error
}
