//go:build linux || darwin

package storehttp

import "golang.org/x/sys/unix"

func diskUsage(path string) (DiskUsage, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return DiskUsage{}, err
	}
	bsize := uint64(stat.Bsize)
	total := stat.Blocks * bsize
	free := stat.Bavail * bsize
	return DiskUsage{
		TotalBytes: total,
		UsedBytes:  total - stat.Bfree*bsize,
		FreeBytes:  free,
	}, nil
}
