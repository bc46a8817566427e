// Package server hosts the Fiber HTTP service that plays the role of the
// display surface's origin. It attaches recover and request-id middleware,
// hands every content request to the interceptor of intercepted mode and
// renders anything the interceptor does not own as a JSON passthrough error.
// Diagnostics under /-/ are registered by the routes subpackage.
package server
