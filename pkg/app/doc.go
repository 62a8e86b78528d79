// Package app runs the application role: it connects to implementations
// over the configured transports, keeps the bot registry current, resolves
// responses against pending calls and feeds events through the dispatch
// pipeline, one lane per bot.
package app
