// Package tokenizer provides token counting for budget accounting and a
// model capability registry that resolves context window and output limits
// per model identifier. Unknown models resolve to conservative defaults so
// budget math fails toward truncation, never overflow.
package tokenizer
