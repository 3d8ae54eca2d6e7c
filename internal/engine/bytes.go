package engine

// EncodeBytes is a byte-level tokenizer: every byte of text becomes one token.
// Adapters whose backends only accept text use it so that Evaluate can
// recover the exact text that was tokenized.
func EncodeBytes(text string) Tokens {
	toks := make(Tokens, len(text))
	for i := 0; i < len(text); i++ {
		toks[i] = Token(text[i])
	}
	return toks
}

// DecodeBytes reverses EncodeBytes.
func DecodeBytes(toks Tokens) string {
	buf := make([]byte, len(toks))
	for i, t := range toks {
		buf[i] = byte(t)
	}
	return string(buf)
}
