// Package auth guards the HTTP API with static bearer tokens and writes an
// audit record for every request it lets through or rejects.
package auth
