// Package tether tracks remote job execution from the client side. It
// submits runs to a remote execution service, observes their completion
// through a merged polling + push-notification signal, retries failed
// runs transparently, and layers a parallel-map style distributed
// backend on top of that machinery.
//
// Tether is designed as a library, not a service. It defines the
// collaborator contracts it depends on (RunService, ArtifactStore, the
// notify.Channel push transport) and stays a pure in-process
// concurrency layer above them.
//
// # Quick Start
//
//	svc := ...                        // a tether.RunService implementation
//	fac := executor.NewCommandFactory(svc)
//	ex := executor.New(svc, fac,
//	    executor.WithMaxRetries(2),
//	    executor.WithPollInterval(10*time.Second),
//	)
//	fut, err := ex.Submit(ctx, executor.SubmitRequest{Command: "compute 42"})
//	status, err := fut.Result(ctx)
//
// # Architecture
//
// Each submitted run is owned by exactly one future.Future, which merges
// two unreliable completion signals — a best-effort push notification and
// a periodic poll — into a single terminal transition. The executor keeps
// a registry of the futures it created for bulk shutdown and
// cancellation. The backend package serializes units of work, ships them
// through the executor, and retrieves their results.
//
// All entity IDs use TypeID — type-prefixed, K-sortable, UUIDv7-based
// identifiers.
package tether
