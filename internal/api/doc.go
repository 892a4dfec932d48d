// Package api exposes the REST surface of the AgentPay daemon: session
// lifecycle management, marketplace catalog lookups, and metered agent calls
// with optional server-sent incremental delivery.
package api
