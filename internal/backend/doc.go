// Package backend defines the storage contract every engine implements, the
// static capability descriptor attached to each named backend, and the
// registry that maps backend names to their descriptor and factory.
package backend
