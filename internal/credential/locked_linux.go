//go:build linux

package credential

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

var systemMemory pageMemory = mmapMemory{}

// mmapMemory backs locked secrets with an anonymous mapping that is
// mlocked and marked MADV_DONTDUMP.
type mmapMemory struct{}

func (mmapMemory) alloc(size int) ([]byte, error) {
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("mmap: %w", err)
	}
	if err := unix.Mlock(data); err != nil {
		_ = unix.Munmap(data)
		return nil, fmt.Errorf("mlock: %w", err)
	}
	if err := unix.Madvise(data, unix.MADV_DONTDUMP); err != nil {
		_ = unix.Munlock(data)
		_ = unix.Munmap(data)
		return nil, fmt.Errorf("madvise(MADV_DONTDUMP): %w", err)
	}
	return data, nil
}

func (mmapMemory) seal(b []byte) error {
	return unix.Mprotect(b, unix.PROT_READ)
}

func (mmapMemory) unseal(b []byte) error {
	return unix.Mprotect(b, unix.PROT_READ|unix.PROT_WRITE)
}

func (mmapMemory) release(b []byte) error {
	var errs []error
	if err := unix.Munlock(b); err != nil {
		errs = append(errs, fmt.Errorf("munlock: %w", err))
	}
	if err := unix.Munmap(b); err != nil {
		errs = append(errs, fmt.Errorf("munmap: %w", err))
	}
	return errors.Join(errs...)
}
