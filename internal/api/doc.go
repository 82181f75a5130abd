// Package api exposes the REST surface of the escrow engine: task custody
// operations, agent earnings queries, the x402 payment challenge flow, and
// audit event retrieval.
package api
