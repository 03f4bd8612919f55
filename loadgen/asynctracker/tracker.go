// Package asynctracker implements the per-worker outstanding-request list
// described in §3/§4.8: an append-only singly linked list mapping an
// in-flight LDAP message-id back to the DN and attribute set that produced
// it, consulted when completions arrive out of order. Not shared across
// workers — each worker owns exactly one Tracker.
package asynctracker

// Entry is one outstanding request.
type Entry struct {
	MsgID      int64
	DN         string
	Attributes map[string]string

	next *Entry
}

// Tracker is a singly linked list with O(1) append and O(n) find-and-remove,
// matching the original's list shape (§4.8) rather than a map: the
// original never needed faster-than-linear lookup since per-worker
// in-flight counts are bounded by asyncMax, which is small.
type Tracker struct {
	head, tail *Entry
	len        int
}

// New creates an empty tracker.
func New() *Tracker { return &Tracker{} }

// Add appends a new outstanding request.
func (t *Tracker) Add(msgID int64, dn string, attrs map[string]string) {
	e := &Entry{MsgID: msgID, DN: dn, Attributes: attrs}
	if t.tail == nil {
		t.head, t.tail = e, e
	} else {
		t.tail.next = e
		t.tail = e
	}
	t.len++
}

// FindAndRemove performs a linear search from head, splices the matching
// cell out, and returns it. The second return value is false if msgID was
// never tracked (a "not found" sentinel condition the caller should log
// for diagnostics, per §4.8).
func (t *Tracker) FindAndRemove(msgID int64) (Entry, bool) {
	var prev *Entry
	for cur := t.head; cur != nil; cur = cur.next {
		if cur.MsgID == msgID {
			if prev == nil {
				t.head = cur.next
			} else {
				prev.next = cur.next
			}
			if cur == t.tail {
				t.tail = prev
			}
			t.len--
			return *cur, true
		}
		prev = cur
	}
	return Entry{}, false
}

// Len returns the number of outstanding requests, used for the
// `[asyncMin, asyncMax]` window check and for the issued-minus-completed
// accounting identity.
func (t *Tracker) Len() int { return t.len }
