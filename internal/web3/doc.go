// Package web3 houses ledger connectivity: chain definitions, the Client
// contract every chain implementation satisfies, and the shapes returned by
// balance, status, transfer and mint operations.
package web3
