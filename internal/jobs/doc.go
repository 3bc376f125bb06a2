// Package jobs runs orchestrations asynchronously. Submitted jobs are
// persisted in a Store, their ids travel through a Queue (memory, Redis
// or RabbitMQ) and a Processor executes them with bounded retries while
// serialising jobs that target the same session.
package jobs
