package install

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/slateos/slate/internal/config"
)

const gib = int64(1) << 30

// tieredSwapBytes sizes the swap file from installed RAM: small machines
// get room to hibernate, large machines are capped so swap does not eat the
// disk.
func tieredSwapBytes(ramBytes int64) int64 {
	switch {
	case ramBytes <= 2*gib:
		return 2 * ramBytes
	case ramBytes <= 8*gib:
		return ramBytes
	case ramBytes <= 32*gib:
		return 8 * gib
	default:
		return 4 * gib
	}
}

// installedRAM reads total physical memory from the kernel.
func installedRAM() (int64, error) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0, fmt.Errorf("sysinfo: %w", err)
	}
	return int64(info.Totalram) * int64(info.Unit), nil
}

// resolveSwapBytes turns the configured swap size into bytes, consulting
// installed RAM for the auto tier.
func resolveSwapBytes(size string) (int64, error) {
	if size == "" || size == config.SwapAuto {
		ram, err := installedRAM()
		if err != nil {
			return 0, err
		}
		return tieredSwapBytes(ram), nil
	}
	return config.ParseSwapSize(size)
}
