//go:build !linux

package credential

var systemMemory pageMemory = heapMemory{}

// heapMemory is the fallback for platforms without the Linux mapping
// primitives. The secret is still zeroed on Clear but may be swapped or
// copied by the runtime.
type heapMemory struct{}

func (heapMemory) alloc(size int) ([]byte, error) { return make([]byte, size), nil }
func (heapMemory) seal([]byte) error              { return nil }
func (heapMemory) unseal([]byte) error            { return nil }
func (heapMemory) release([]byte) error           { return nil }
