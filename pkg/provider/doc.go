// Package provider adapts hosted model APIs to agent.Model.
//
// OpenAIModel speaks the chat completions API and also serves OpenRouter and
// other compatible endpoints. AnthropicModel speaks the messages API. Both
// stream. Failover puts several of them behind one model with retry and
// per-backend cooldown.
//
// Handoffs are exposed to the model as parameterless tools named
// transfer_to_<agent>; a call to one is reported as ModelResponse.Handoff.
package provider
