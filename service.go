package txnsvc

// Service is the user-supplied lifecycle contract of a managed service.
// The container invokes Start and Stop from task executables; each context
// must receive exactly one terminating call per invocation, either
// synchronously or from another goroutine.
type Service interface {
	// Start brings the service up. The implementation must call exactly one
	// of ctx.Complete or ctx.Fail once startup has terminated. Problems may
	// be attached before terminating.
	Start(ctx *StartContext)

	// Stop brings the service down. The implementation must call
	// ctx.Complete once shutdown has terminated.
	Stop(ctx *StopContext)
}

// voidService is installed when a builder supplies no service. It starts
// and stops instantly and carries no value.
type voidService struct{}

func (voidService) Start(ctx *StartContext) { ctx.Complete(nil) }

func (voidService) Stop(ctx *StopContext) { ctx.Complete() }

// Listener observes the completion of a controller operation. Each
// registered listener is called at most once, outside all container locks,
// when the controller reaches the matching terminal transition.
type Listener func(*ServiceController)
