package obs

import (
	"fmt"
	"sync/atomic"
	"time"
)

var traceSeq atomic.Uint64

// NextTraceID returns a process-unique id for correlating one HTTP request's
// log lines: hex millis since epoch, a dash, and a monotonic counter.
func NextTraceID() string {
	return fmt.Sprintf("%x-%06d", time.Now().UnixMilli(), traceSeq.Add(1))
}
