package gattc

import "errors"

// Plumbing errors of this package. These are ordinary Go errors, distinct
// from the Status taxonomy in types.go, which is business data delivered to
// applications inside an AppEvent. Of these, only ErrEngineClosed is
// returned by Engine methods.
var (
	// ErrQueueFull names the case where the CLCB's single deferred slot is
	// already occupied and Config.StrictQueueing is enabled. enqueue does
	// not return it: it reports enqueueRejected, and the app receives the
	// operation's completion event with StatusNoResources.
	ErrQueueFull = errors.New("gattc: operation queue slot already holds a deferred command")

	// ErrUnknownApp is returned by findRegistryHandle when a client id was
	// never registered or has already been deregistered. Public Engine
	// methods treat that case as a no-op and return nil.
	ErrUnknownApp = errors.New("gattc: unknown application client id")

	// ErrNoCLCB names a (client id, peer, transport) tuple with no live
	// CLCB. No function in this package returns it.
	ErrNoCLCB = errors.New("gattc: no connection block for this app/peer/transport")

	// ErrEngineClosed is returned by public API methods once the engine's
	// work queue has been shut down.
	ErrEngineClosed = errors.New("gattc: engine is closed")

	// ErrDeregisterPending names a registration attempted while a prior
	// deregistration of the same app is still draining. register does not
	// check for that case, and no function in this package returns it.
	ErrDeregisterPending = errors.New("gattc: deregistration already pending for this application")
)
