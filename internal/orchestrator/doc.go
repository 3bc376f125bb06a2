// Package orchestrator drives one user input through the Listener, Brain and
// Executor agents, recording every step in the session log and aggregating
// the steps of the run into a single response.
package orchestrator
