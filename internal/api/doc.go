// Package api exposes the orchestration pipeline over HTTP: synchronous runs,
// queued jobs, session inspection and finalization, and the agent catalog.
package api
