package tasklink

import (
	"time"

	"github.com/raskyld/tasklink/pkg/request"
)

// wheel is a timer wheel of fixed size: scheduling and cancelling a timeout
// are O(1), expiry walks a single bucket per elapsed tick.
//
// Each filed request holds a reference, handed to the expiry callback or
// dropped by remove.
type wheel struct {
	buckets []map[uint64]*request.Request
	pos     int
	granule time.Duration
	last    time.Time
	filed   int
}

func newWheel(size int, granule time.Duration, now time.Time) *wheel {
	if size < 3 {
		size = 3
	}
	if granule <= 0 {
		granule = 10 * time.Millisecond
	}
	w := &wheel{
		buckets: make([]map[uint64]*request.Request, size),
		granule: granule,
		last:    now,
	}
	for i := range w.buckets {
		w.buckets[i] = make(map[uint64]*request.Request)
	}
	return w
}

// ticks converts a timeout in centiseconds into wheel ticks, at least one.
func (w *wheel) ticks(timeout uint16) int {
	d := time.Duration(timeout) * 10 * time.Millisecond
	n := int((d + w.granule - 1) / w.granule)
	return max(1, min(n, len(w.buckets)-2))
}

// insert files req under key and returns its bucket. It takes a reference.
func (w *wheel) insert(key uint64, req *request.Request, timeout uint16) int32 {
	bucket := (w.pos + w.ticks(timeout)) % len(w.buckets)
	req.Ref()
	w.buckets[bucket][key] = req
	w.filed++
	return int32(bucket)
}

// remove unfiles key and drops the wheel reference. It returns false when
// the entry was already gone.
func (w *wheel) remove(bucket int32, key uint64) bool {
	if bucket < 0 || int(bucket) >= len(w.buckets) {
		return false
	}
	req, ok := w.buckets[bucket][key]
	if !ok {
		return false
	}
	delete(w.buckets[bucket], key)
	w.filed--
	req.Release()
	return true
}

// advance moves the wheel by the number of whole ticks elapsed since the
// last advance, clamped to one revolution so a stalled loop does not spin.
// Every entry of a bucket passed over is handed to expire along with its
// reference.
func (w *wheel) advance(now time.Time, expire func(key uint64, req *request.Request)) int {
	elapsed := int(now.Sub(w.last) / w.granule)
	if elapsed <= 0 {
		return 0
	}
	w.last = w.last.Add(time.Duration(elapsed) * w.granule)
	elapsed = min(elapsed, len(w.buckets))

	expired := 0
	for range elapsed {
		w.pos = (w.pos + 1) % len(w.buckets)
		bucket := w.buckets[w.pos]
		for key, req := range bucket {
			delete(bucket, key)
			w.filed--
			expired++
			expire(key, req)
		}
	}
	return expired
}

func (w *wheel) position() int {
	return w.pos
}

func (w *wheel) len() int {
	return w.filed
}

// drain empties the wheel, handing every entry to fn with its reference.
func (w *wheel) drain(fn func(key uint64, req *request.Request)) {
	for _, bucket := range w.buckets {
		for key, req := range bucket {
			delete(bucket, key)
			w.filed--
			fn(key, req)
		}
	}
}
