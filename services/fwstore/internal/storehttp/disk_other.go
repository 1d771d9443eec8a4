//go:build !(linux || darwin)

package storehttp

import "errors"

func diskUsage(string) (DiskUsage, error) {
	return DiskUsage{}, errors.ErrUnsupported
}
