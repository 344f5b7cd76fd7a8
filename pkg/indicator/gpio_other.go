//go:build !linux

package indicator

import "fmt"

// Open is only supported on linux.
func Open(chip string, offset int) (*Indicator, error) {
	return nil, fmt.Errorf("gpio indicator not available on this platform")
}
