package pipeline

import (
	"io/fs"
	"path/filepath"

	"github.com/shirou/gopsutil/v4/disk"
)

// dirUsage sums the sizes of all regular files under dir. A missing dir
// counts as zero.
func dirUsage(dir string) int64 {
	var total int64
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			total += info.Size()
		}
		return nil
	})
	return total
}

// diskFree returns the free bytes on the filesystem holding path.
func diskFree(path string) (int64, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}
	return int64(usage.Free), nil
}
