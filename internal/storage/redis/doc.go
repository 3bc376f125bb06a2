// Package redis keeps orchestration sessions in Redis. Each session is a
// JSON document guarded by optimistic WATCH/MULTI transactions, and a
// sorted set indexes sessions by start time for listing.
package redis
