// Package bridge runs a storage engine in a separate worker (a child process,
// a unix or vsock peer, or an in-process goroutine on a pipe) and exposes it
// to callers as an ordinary backend.Storage.
//
// Every operation on a Proxy becomes a Request frame tagged with a correlation
// id. A single read loop matches Response frames back to their callers by id,
// so any number of calls may be in flight and the worker may answer them in
// any order. Capability checks are answered from the descriptor held on the
// caller's side and never cross the boundary.
package bridge
