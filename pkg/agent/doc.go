// Package agent calls language models for advisory generation, failing over
// across prioritized provider profiles.
//
// Invariants:
// - Every provider call runs under the runner's call timeout.
// - A profile that fails with a retryable error cools down before reuse.
// - Non-retryable errors stop failover immediately.
//
// Usage:
//
//	runner, _ := agent.NewRunner(agent.Config{Profiles: profiles, Timeout: 30 * time.Second})
//	resp, err := runner.Call(ctx, agent.Request{SystemPrompt: sys, Messages: msgs})
package agent
