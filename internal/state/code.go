package state

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"regexp"
)

// codeAlphabet omits characters that are easy to misread (0/O, 1/I/L).
const codeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

const codeLength = 6

var codePattern = regexp.MustCompile(`^[A-Z0-9]{4,12}$`)

// ValidCode reports whether code is an acceptable client-chosen room code.
func ValidCode(code string) bool { return codePattern.MatchString(code) }

// NewRoomCode returns a random code not present in s.
func (s *State) NewRoomCode() (string, error) {
	max := big.NewInt(int64(len(codeAlphabet)))
	for attempt := 0; attempt < 32; attempt++ {
		buf := make([]byte, codeLength)
		for i := range buf {
			n, err := rand.Int(rand.Reader, max)
			if err != nil {
				return "", fmt.Errorf("room code: %w", err)
			}
			buf[i] = codeAlphabet[n.Int64()]
		}
		code := string(buf)
		if _, taken := s.Rooms[code]; !taken {
			return code, nil
		}
	}
	return "", fmt.Errorf("room code: no free code after retries")
}
