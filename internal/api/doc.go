// Package api exposes the vault over HTTP: minting, burning, revocation,
// transfers, allow-list administration, and the public verify and metadata
// endpoints consumed by counterparties.
package api
