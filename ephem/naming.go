package ephem

import (
	"fmt"
	"sync/atomic"
)

// objectNameCounter is process-wide so generated names never alias between
// unrelated models, even across separate engines.
var objectNameCounter atomic.Uint64

// nextObjectName generates a unique guest-global name for a script object.
func nextObjectName() string {
	return fmt.Sprintf("ephemrot%d", objectNameCounter.Add(1))
}
