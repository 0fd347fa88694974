package party

import "math/rand"

// codeAlphabet omits visually confusable characters (0/O, 1/I/L) so codes
// survive being read aloud or typed from a TV screen.
const codeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

const (
	// DefaultCodeLength balances typeability against collision space; the
	// registry accepts 6 through 8.
	DefaultCodeLength = 6
	MinCodeLength     = 6
	MaxCodeLength     = 8

	codeRetries = 10
)

func randomCode(length int) string {
	buf := make([]byte, length)
	for i := range buf {
		buf[i] = codeAlphabet[rand.Intn(len(codeAlphabet))]
	}
	return string(buf)
}
