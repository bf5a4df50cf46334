// Package request defines the unit moved through every queue and socket of
// the broker: a reference-counted envelope holding a request and, once
// answered, its response.
package request

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/raskyld/tasklink/pkg/gc"
	"github.com/raskyld/tasklink/pkg/wire"
)

// Callback runs on the loop of the client channel which sent the request,
// once its response (or bounce) landed.
type Callback func(req *Request)

// Request is shared by every queue and index it currently sits in.
//
// The header may be read by any holder, but only the holder currently
// responsible for forwarding the request mutates it. The reference count is
// the only field mutated from several goroutines.
type Request struct {
	Header  wire.Header
	Payload []byte

	// Response is set once by Seal.
	Response        wire.Header
	ResponsePayload []byte

	Callback Callback

	// Origin is the client side channel responses are routed back to.
	Origin any
	// Target is the server side channel which admitted the request.
	Target any
	// WheelBucket is the timeout bucket the origin filed the request in,
	// -1 when it never times out.
	WheelBucket int32

	refs      atomic.Int32
	sealed    atomic.Bool
	reclaimed atomic.Bool
	detached  atomic.Bool
	truck     *gc.Truck

	hooksLk sync.Mutex
	hooks   []func()
}

var _ gc.Reclaimable = (*Request)(nil)

// New creates a request holding one reference, owned by the caller.
func New(truck *gc.Truck, h wire.Header, payload []byte) *Request {
	h.IsRequest = true
	h.PayloadSize = uint32(len(payload))
	r := &Request{
		Header:      h,
		Payload:     payload,
		WheelBucket: -1,
		truck:       truck,
	}
	r.refs.Store(1)
	return r
}

// NewResponse wraps a response received from a transport, for which no
// local request object exists yet.
func NewResponse(truck *gc.Truck, h wire.Header, payload []byte) *Request {
	r := &Request{WheelBucket: -1, truck: truck}
	r.Header = h
	r.Header.IsRequest = true
	r.Response = h
	r.Response.IsRequest = false
	r.ResponsePayload = payload
	r.sealed.Store(true)
	r.refs.Store(1)
	return r
}

func (r *Request) ID() wire.ID {
	return r.Header.ID
}

func (r *Request) Priority() wire.Priority {
	return r.Header.Priority
}

// Size is the number of bytes accounted against queue caps.
func (r *Request) Size() int {
	return wire.HeaderSize + len(r.Payload) + len(r.ResponsePayload)
}

// Ref adds a reference. It panics on a request which is already reclaimed.
func (r *Request) Ref() {
	if r.refs.Add(1) <= 1 && r.reclaimed.Load() {
		panic(fmt.Sprintf("request %s: referenced after reclaim", r.Header.ID))
	}
}

// Release drops a reference and returns true iff the count reached zero.
// The request is not freed synchronously: it is handed to the truck.
func (r *Request) Release() bool {
	refs := r.refs.Add(-1)
	if refs < 0 {
		panic(fmt.Sprintf("request %s: released past zero", r.Header.ID))
	}
	if refs > 0 {
		return false
	}
	if r.truck != nil {
		r.truck.Defer(r)
	} else {
		r.Reclaim()
	}
	return true
}

// Detach marks a control request (cancel, standalone ack) which nobody
// tracks: the queue holding it is its owner and it never evaporates.
func (r *Request) Detach() {
	r.detached.Store(true)
}

func (r *Request) Detached() bool {
	return r.detached.Load()
}

func (r *Request) RefCount() int32 {
	return r.refs.Load()
}

func (r *Request) Kind() gc.Kind {
	return gc.KindRequest
}

// OnReclaim registers fn to run when the request is reclaimed, used to drop
// the references a request holds on channels and destinations.
func (r *Request) OnReclaim(fn func()) {
	r.hooksLk.Lock()
	defer r.hooksLk.Unlock()
	r.hooks = append(r.hooks, fn)
}

// Reclaim runs the release hooks once.
func (r *Request) Reclaim() {
	if !r.reclaimed.CompareAndSwap(false, true) {
		return
	}
	r.hooksLk.Lock()
	hooks := r.hooks
	r.hooks = nil
	r.hooksLk.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

// Reclaimed reports whether the truck already collected the request.
func (r *Request) Reclaimed() bool {
	return r.reclaimed.Load()
}

// Seal attaches a response. Only the first call succeeds: a response racing
// a bounce (or the other way around) is discarded.
func (r *Request) Seal(rsp wire.Header, payload []byte) bool {
	if !r.sealed.CompareAndSwap(false, true) {
		return false
	}
	rsp.IsRequest = false
	rsp.ID = r.Header.ID
	rsp.PathHash = r.Header.PathHash
	rsp.Method = r.Header.Method
	rsp.StreamID = r.Header.StreamID
	rsp.Priority = r.Header.Priority
	rsp.PayloadSize = uint32(len(payload))
	r.Response = rsp
	r.ResponsePayload = payload
	return true
}

// Bounce seals the request with a broker-synthesized response.
func (r *Request) Bounce(code wire.Bounce) bool {
	return r.Seal(wire.Header{Bounce: code}, nil)
}

// Sealed reports whether a response or a bounce is attached.
func (r *Request) Sealed() bool {
	return r.sealed.Load()
}

// Err returns nil for a normal response, or the error matching its bounce.
func (r *Request) Err() error {
	if !r.Sealed() {
		return ErrNotAnswered
	}
	return BounceErr(r.Response.Bounce)
}

func (r *Request) String() string {
	return fmt.Sprintf("request(%s pri=%s seq=%d)", r.Header.ID, r.Header.Priority, r.Header.Seq)
}
