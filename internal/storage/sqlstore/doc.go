// Package sqlstore persists sessions and orchestration jobs in MySQL or
// SQLite. Schema changes ship as embedded migrations under
// deploy/migrations and are applied on Open.
package sqlstore
