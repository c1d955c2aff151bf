package credential

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Lifecycle is the ACTIVE -> CLEARED state cell shared by all credential
// variants. The zero value is ACTIVE. A Lifecycle must not be copied after
// first use.
//
// Reads are lock-free. The transition is serialized by a mutex so that
// exactly one wipe runs even when Clear races with itself; the cleared
// flag is stored only after the wipe returns, so a goroutine that observes
// IsCleared() == true also observes the wiped payload.
type Lifecycle struct {
	mu      sync.Mutex
	cleared atomic.Bool
}

// IsCleared reports whether the credential has been cleared.
func (l *Lifecycle) IsCleared() bool {
	return l.cleared.Load()
}

// Clear runs wipe once and marks the lifecycle cleared. A nil wipe marks
// the lifecycle cleared without touching any payload.
//
// Calls after a successful Clear are no-ops. Concurrent callers block
// until the first one finishes. If wipe returns an error the lifecycle
// stays ACTIVE and the error is returned wrapped in ErrWipeFailed; a
// later call retries the wipe.
func (l *Lifecycle) Clear(wipe func() error) error {
	if l.cleared.Load() {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.cleared.Load() {
		return nil
	}
	if wipe != nil {
		if err := wipe(); err != nil {
			return fmt.Errorf("%w: %w", ErrWipeFailed, err)
		}
	}
	l.markCleared()
	return nil
}

func (l *Lifecycle) markCleared() {
	l.cleared.Store(true)
}
