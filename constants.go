package mainmemory

import "github.com/mainmemory/mainmemory-go/internal/constants"

// Re-exported tunables for the embedded library surface (§6's enumerated
// configuration). Callers building a Config can reference these instead of
// duplicating the internal defaults.
const (
	DefaultNListeners        = constants.DefaultNListeners
	DefaultDispatchQueueSize = constants.DefaultDispatchQueueSize
	DefaultListenerQueueSize = constants.DefaultListenerQueueSize
	MinQueueSize             = constants.MinQueueSize
	DefaultLockSpinLimit     = constants.DefaultLockSpinLimit
	DefaultPollSpinLimit     = constants.DefaultPollSpinLimit
	DefaultStackSize         = constants.DefaultStackSize
	DefaultChunkSize         = constants.DefaultChunkSize
	MinChunk                 = constants.MinChunk
	MaxChunk                 = constants.MaxChunk
)
