// Package bundle is the reference-counted bundle cache: the per-bundle Handle
// state machine (LOADING -> LOADED -> UNLOADED), the Factory that owns the
// name-keyed handle table, the TaskQueueProcessor that turns rentals into
// dependency-ordered acquire/release work, and the Rental façades handed to
// consumers.
//
// Everything here is driven by a single owner goroutine calling
// TaskQueueProcessor.Update once per tick. Underlying reads run on storage
// goroutines; their completion is only observed inside Update, so no
// operation in this package blocks the caller. The only exception is
// Rental.Wait, which exists for consumers living on other goroutines.
package bundle
