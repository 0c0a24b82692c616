package chunk

import "strings"

// Tokenizer estimates and splits token-granular text. Real tokenizer
// implementations are pluggable; WhitespaceTokenizer is the always-available
// default used for the token-count heuristics in this package.
type Tokenizer interface {
	Tokenize(text string) []string
	Detokenize(tokens []string) string
}

// WhitespaceTokenizer splits on whitespace runs and rejoins with a single
// space. It is an approximation of real subword tokenization, good enough
// for target-size and overlap accounting.
type WhitespaceTokenizer struct{}

func (WhitespaceTokenizer) Tokenize(text string) []string {
	return strings.Fields(text)
}

func (WhitespaceTokenizer) Detokenize(tokens []string) string {
	return strings.Join(tokens, " ")
}
