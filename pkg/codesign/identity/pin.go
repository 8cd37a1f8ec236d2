package identity

import (
	"fmt"
	"os"

	"golang.org/x/term"
)

// PinResolver produces the PIN needed to unlock a smartcard. It may
// prompt a user or read a keyring. The returned buffer is wiped by the
// caller as soon as the PIN has been presented to the card; resolvers
// must not retain a second copy.
type PinResolver func() ([]byte, error)

// Zeroize overwrites a sensitive buffer. PINs never travel through
// growable buffers that might reallocate behind our back.
func Zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// TerminalPinResolver prompts for the PIN on the controlling terminal
// with echo disabled.
func TerminalPinResolver(prompt string) PinResolver {
	return func() ([]byte, error) {
		fd := int(os.Stdin.Fd())
		if !term.IsTerminal(fd) {
			return nil, fmt.Errorf("stdin is not a terminal; cannot prompt for PIN")
		}
		fmt.Fprint(os.Stderr, prompt)
		pin, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return nil, fmt.Errorf("failed to read PIN: %v", err)
		}
		return pin, nil
	}
}

// StaticPinResolver returns a fixed PIN. Each invocation hands out a
// fresh copy so the caller's wipe cannot clobber the source.
func StaticPinResolver(pin []byte) PinResolver {
	return func() ([]byte, error) {
		out := make([]byte, len(pin))
		copy(out, pin)
		return out, nil
	}
}
