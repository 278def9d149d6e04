package prefork

import (
	"os"
	"os/exec"
	"sync"
	"time"
)

// childRecord is the Go analogue of a WorkerRecord / prefork_child: one
// struct per spawned worker, reused via the free list across the worker's
// lifetime. It carries list-linkage fields for whichever of {active ring,
// idle stack, free list} currently owns it -- never more than one at a
// time, so the ring's next/prev pair and the stack's singly-linked next
// field are simply left unused while the record sits on the other kind of
// list, mirroring how prefork_child's own next/prev fields are reinterpreted
// depending on which list currently holds the node.
type childRecord struct {
	pid     int
	cmd     *exec.Cmd
	dataW   *os.File // parent writes request frames here
	statusR *os.File // parent reads readiness tokens here

	appName     string
	maxRequests int
	keepalive   time.Duration

	waitOnce sync.Once
	waitErr  error

	// active ring linkage
	ringNext, ringPrev *childRecord
	// idle stack / free list linkage (mutually exclusive with being in
	// the active ring)
	listNext *childRecord
}

// wait blocks until the child's process has been reaped, exactly once,
// regardless of how many callers invoke it concurrently.
func (c *childRecord) wait() error {
	c.waitOnce.Do(func() {
		c.waitErr = c.cmd.Wait()
	})
	return c.waitErr
}

// closeParentEnds closes the parent-side pipe endpoints for this child. It
// must only be called once the child has actually been reaped -- closing
// early risks the kernel reusing the fd number for an unrelated file while
// this child is still alive, corrupting dispatch to it (see the fd
// retention note in the concurrency model).
func (c *childRecord) closeParentEnds() {
	if c.dataW != nil {
		_ = c.dataW.Close()
	}
	if c.statusR != nil {
		_ = c.statusR.Close()
	}
}

// --- active ring ---

// pushActive inserts cr into the active ring, which p.active currently
// points at (nil when the ring is empty). Insertion point is "just before
// the head", matching add_prefork_child's append-at-the-end-of-the-circle
// behavior for a circular list.
func pushActive(head *childRecord, cr *childRecord) *childRecord {
	if head == nil {
		cr.ringNext = cr
		cr.ringPrev = cr
		return cr
	}
	last := head.ringPrev
	last.ringNext = cr
	cr.ringPrev = last
	cr.ringNext = head
	head.ringPrev = cr
	return head
}

// unlinkActive removes cr from the active ring headed by head, returning
// the new head (nil if the ring becomes empty). It is a no-op, returning
// head unchanged, if cr is not actually linked into a ring (ringNext nil).
func unlinkActive(head *childRecord, cr *childRecord) *childRecord {
	if cr.ringNext == nil {
		return head
	}
	var newHead *childRecord
	if cr.ringNext == cr {
		newHead = nil
	} else {
		cr.ringPrev.ringNext = cr.ringNext
		cr.ringNext.ringPrev = cr.ringPrev
		if head == cr {
			newHead = cr.ringNext
		} else {
			newHead = head
		}
	}
	cr.ringNext = nil
	cr.ringPrev = nil
	return newHead
}

// --- idle stack (LIFO) ---

func pushIdle(top *childRecord, cr *childRecord) *childRecord {
	cr.listNext = top
	return cr
}

func popIdle(top *childRecord) (*childRecord, *childRecord) {
	if top == nil {
		return nil, nil
	}
	next := top.listNext
	top.listNext = nil
	return top, next
}

// removeIdle removes cr from the idle stack headed by top, if present.
func removeIdle(top *childRecord, cr *childRecord) (*childRecord, bool) {
	if top == cr {
		return cr.listNext, true
	}
	prev := top
	for prev != nil && prev.listNext != cr {
		prev = prev.listNext
	}
	if prev == nil {
		return top, false
	}
	prev.listNext = cr.listNext
	cr.listNext = nil
	return top, true
}

// --- free list (singly-linked stack of reusable slots) ---

func pushFree(top *childRecord, cr *childRecord) *childRecord {
	*cr = childRecord{listNext: top}
	return cr
}

func popFree(top *childRecord) (*childRecord, *childRecord) {
	if top == nil {
		return nil, nil
	}
	next := top.listNext
	top.listNext = nil
	return top, next
}
