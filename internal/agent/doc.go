// Package agent exposes the logical agents of the pipeline (Listener, Brain
// and Executor) as typed facades over the fallback resolver. An adapter only
// validates the requested operation, derives the capability to resolve and
// stamps the resulting step; it keeps no state of its own.
package agent
