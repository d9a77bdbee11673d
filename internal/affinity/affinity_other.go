//go:build !linux

package affinity

import "errors"

var errUnsupported = errors.New("affinity: not supported on this platform")

func available() ([]int, error) {
	return nil, errUnsupported
}

func pin(int) error {
	return errUnsupported
}
