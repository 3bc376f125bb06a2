// Package session tracks conversation sessions (threads): the participants,
// the append-only ordered message log and the active -> completed|failed
// state machine. Store implementations in this package and under
// internal/storage share the transition rules defined here.
package session
