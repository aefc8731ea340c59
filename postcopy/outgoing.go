package postcopy

// outgoing.go implements the source-side engine of §4.2: the five
// operations the enclosing migration framework calls (Begin,
// SaveIterate, SaveComplete, SavePending, Run) plus the post-copy
// scheduler loop itself.
//
// The original's select(read_fd, write_fd, timeout) loop is expressed
// here as a background goroutine that decodes requests off the wire and
// hands them to Run over a channel, which is the Go-idiomatic stand-in
// for "read_fd is ready": a value on reqCh IS readability. Write-side
// throttling is real: Run asks the rate limiter for a reservation and
// uses its delay as the select timeout, exactly as §4.2 specifies.

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/RoaringBitmap/roaring/roaring64"
	"golang.org/x/time/rate"
)

// BackgroundSource is the "enclosing ram-save routine" collaborator:
// the ordinary dirty-page iterator the engine interleaves with demand
// requests during the background slice (§4.2).
type BackgroundSource interface {
	// NextDirtyPage returns the next still-dirty page, or ok=false when
	// no more blocks remain for this pass.
	NextDirtyPage() (blockID string, offset uint64, page []byte, ok bool)

	// PendingBytes reports remaining dirty bytes, for SavePending.
	PendingBytes() int64

	// Seek repositions the scan cursor to the given block/offset, used
	// by move-background mode to keep the background scan near the
	// working set after serving demand (§4.2).
	Seek(blockID string, offset uint64)
}

// backgroundYieldEvery and backgroundYieldAfter bound the background
// slice's lock-hold time: a slice sends at most backgroundYieldEvery
// pages, and stops sooner once backgroundYieldAfter has elapsed since it
// began.
const (
	backgroundYieldEvery = 64
	backgroundYieldAfter = 50 * time.Millisecond
)

// Engine is the source-side post-copy session of §3/§4.2.
type Engine struct {
	reg *Registry

	limiter   *rate.Limiter
	rateLimit int64
	bg        BackgroundSource

	PrefaultForward  int
	PrefaultBackward int
	MoveBackground   bool

	state         OutgoingState
	lastBlockRead *Block

	// bgCursor is the (block, offset) the background scan should resume
	// from; MoveBackground repositions it near recent demand.
	bgCursorBlock *Block
	bgCursorOff   uint64

	// lastSentBlock tracks which block the most recent response record
	// named, so consecutive PAGE records for the same block can set
	// CONTINUE and omit the id (mirrors last_block_read on the wire).
	lastSentBlock *Block

	reqCh  <-chan decodedRequest
	logger *log.Logger
}

type decodedRequest struct {
	req Request
	err error
}

// NewEngine constructs an Engine over reg (the block registry), reading
// demand requests from reqStream. Responses are written by the caller
// via the *ResponseWriter passed to Run, since the response stream's
// own flush cadence belongs to the enclosing migration framework, not
// the Engine. rateLimit is bytes/sec for the background scan; 0
// disables limiting.
func NewEngine(reg *Registry, reqStream *bufio.Reader, bg BackgroundSource, rateLimit int64) *Engine {
	var limiter *rate.Limiter
	if rateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(rateLimit), int(rateLimit))
	} else {
		limiter = rate.NewLimiter(rate.Inf, 0)
	}

	reqCh := make(chan decodedRequest)

	go decodeLoop(reqStream, reqCh)

	return &Engine{
		reg:       reg,
		limiter:   limiter,
		rateLimit: rateLimit,
		bg:        bg,
		reqCh:     reqCh,
		logger:    log.Default(),
	}
}

func decodeLoop(r *bufio.Reader, out chan<- decodedRequest) {
	defer close(out)

	dec := NewDecoder(r)

	for {
		req, err := dec.Decode()
		if errors.Is(err, ErrNeedMore) {
			// The underlying reader is blocking (not a raw non-blocking
			// fd as in the original); a short read here means EOF is
			// imminent or the peer is slow. Retry immediately — the
			// next Peek will block inside the reader until more bytes
			// arrive, which is the moral equivalent of re-arming
			// read_fd in the original's select loop.
			continue
		}

		out <- decodedRequest{req: req, err: err}

		if err != nil {
			return
		}

		if req.Cmd == CmdEOC {
			// EOC does not end the decode loop; more requests may
			// follow a later begin() on the same session in principle,
			// but in practice the sender stops after EOC. Keep reading
			// so a late frame is not silently dropped.
		}
	}
}

// Begin starts a post-copy session: if precopyDirty is non-nil, transmits
// the clean bitmap (§4.6) over cleanBitmapWriter before any responses,
// then resets the rate limiter and sets state ACTIVE.
func (e *Engine) Begin(cleanBitmapWriter io.Writer, precopyDirty *roaring64.Bitmap) error {
	if precopyDirty != nil {
		if err := WriteCleanBitmap(cleanBitmapWriter, e.reg.Blocks(), precopyDirty); err != nil {
			return fmt.Errorf("postcopy: Begin: clean-bitmap transfer: %w", err)
		}
	}

	if e.rateLimit > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(e.rateLimit), int(e.rateLimit))
	} else {
		e.limiter = rate.NewLimiter(rate.Inf, 0)
	}

	e.state = StateActive

	return nil
}

// SaveIterate forwards to the background ram-save iterator during the
// pre-copy phase; returns done=true when the budget is exhausted (no
// bytes remain this call).
func (e *Engine) SaveIterate() (done bool, err error) {
	if e.bg == nil {
		return true, nil
	}

	_, _, _, ok := e.bg.NextDirtyPage()

	return !ok, nil
}

// SaveComplete marks the end of pre-copy: emits EOS on the response
// stream and stops dirty logging (the caller owns the actual dirty-log
// toggle; this only emits the wire marker).
func (e *Engine) SaveComplete(w *ResponseWriter) {
	w.PutEOS()
}

// SavePending reports remaining bytes for the rate limiter / migration
// framework's convergence heuristics.
func (e *Engine) SavePending() int64 {
	if e.bg == nil {
		return 0
	}

	return e.bg.PendingBytes()
}

// Run is the post-copy scheduler loop of §4.2. It returns when state
// reaches COMPLETED or ERROR_RECEIVE, or ctx is canceled.
func (e *Engine) Run(ctx context.Context, respW *ResponseWriter, flush func() error) error {
	for {
		if e.state == StateCompleted || e.state == StateErrorReceive {
			return nil
		}

		timeout := e.writeDelay()

		select {
		case <-ctx.Done():
			return ctx.Err()

		case dr, ok := <-e.reqCh:
			if !ok {
				// Upstream closed without EOC; treat as a protocol
				// error the way an unexpected EOF on the request
				// stream would be treated in the original.
				e.failSession()

				return nil
			}

			if dr.err != nil {
				e.failSession()

				return fmt.Errorf("postcopy: decode request: %w", dr.err)
			}

			if exit := e.handleRequest(dr.req, respW); exit {
				if err := flush(); err != nil {
					return err
				}
			}

		case <-time.After(timeout):
			if e.state != StateActive && e.state != StateEOCReceived {
				continue
			}

			if err := e.backgroundSlice(respW); err != nil {
				return err
			}

			if err := flush(); err != nil {
				return err
			}
		}
	}
}

// writeDelay returns how long Run should wait before treating the write
// side as available, per the rate limiter's residual window.
func (e *Engine) writeDelay() time.Duration {
	if e.state != StateActive && e.state != StateEOCReceived {
		return time.Hour
	}

	r := e.limiter.ReserveN(time.Now(), 0)
	defer r.Cancel()

	return r.Delay()
}

func (e *Engine) failSession() {
	switch e.state {
	case StateActive:
		e.state = StateErrorReceive
	case StateAllPagesSent:
		e.state = StateCompleted
	}
}

// handleRequest drains and acts on one decoded request, per §4.2's
// "Request handler". Returns true if a response was written that should
// be flushed.
func (e *Engine) handleRequest(req Request, respW *ResponseWriter) bool {
	switch req.Cmd {
	case CmdEOC:
		if e.state == StateAllPagesSent {
			e.state = StateCompleted
		} else {
			e.state = StateEOCReceived
		}

		return false

	case CmdPage:
		b := e.reg.Lookup(req.BlockID)
		if b == nil {
			e.failSession()

			return false
		}

		e.lastBlockRead = b

		return e.serveOffsets(b, req.Offsets, respW)

	case CmdPageCont:
		if e.lastBlockRead == nil {
			e.failSession()

			return false
		}

		return e.serveOffsets(e.lastBlockRead, req.Offsets, respW)

	default:
		e.failSession()

		return false
	}
}

// serveOffsets sends the requested pages plus prefault expansion, per
// §4.2's PAGE/PAGE_CONT handling. If state is ALL_PAGES_SENT the offsets
// are ignored (background scan already covered them).
func (e *Engine) serveOffsets(b *Block, offs []uint64, respW *ResponseWriter) bool {
	if e.state == StateAllPagesSent {
		return false
	}

	wrote := false

	var lastOffset uint64

	for _, p := range offs {
		e.sendPage(b, p, respW)
		wrote = true
		lastOffset = p

		for k := 1; k <= e.PrefaultForward; k++ {
			fwd := p + uint64(k)
			if fwd < uint64(b.NrTargetPages()) {
				e.sendPage(b, fwd, respW)
			}
		}

		for k := uint64(1); k <= uint64(e.PrefaultBackward); k++ {
			if p < k {
				break
			}

			e.sendPage(b, p-k, respW)
		}
	}

	if e.MoveBackground && wrote && e.bg != nil {
		e.bgCursorBlock = b

		maxOff := uint64(b.NrTargetPages()) - 1
		target := lastOffset + uint64(e.PrefaultForward)

		if target > maxOff {
			target = maxOff
		}

		e.bgCursorOff = target
		e.bg.Seek(b.ID, target)
	}

	return wrote
}

// sendPage reads the page at target-page offset p within b from shared
// memory and appends a PAGE response record. The Engine does not own
// the memory; this reads straight out of b.ShMem, mirroring the
// original's direct pointer arithmetic into guest RAM. CONTINUE is set
// (omitting the block id) whenever the previous response record named
// the same block.
func (e *Engine) sendPage(b *Block, p uint64, respW *ResponseWriter) {
	byteOff := p * uint64(b.TargetPageSize)
	if byteOff+uint64(b.TargetPageSize) > uint64(len(b.ShMem)) {
		return
	}

	continued := e.lastSentBlock == b
	e.lastSentBlock = b

	page := b.ShMem[byteOff : byteOff+uint64(b.TargetPageSize)]
	respW.PutPage(b.ID, byteOff, continued, page)
}

// backgroundSlice transmits the next dirty block (or several, up to the
// yield budget) via bg, per §4.2's "Background slice".
func (e *Engine) backgroundSlice(respW *ResponseWriter) error {
	if e.bg == nil {
		e.state = StateAllPagesSent
		respW.PutEOS()

		return nil
	}

	start := time.Now()

	for i := 0; i < backgroundYieldEvery; i++ {
		select {
		case dr := <-e.reqCh:
			// Demand arrived mid-slice: defer to it by re-queueing is
			// not possible on a receive-only channel, so act on it
			// directly before resuming the slice, preserving demand
			// priority without dropping the frame.
			if dr.err == nil {
				e.handleRequest(dr.req, respW)
			}

			return nil
		default:
		}

		blockID, offset, page, ok := e.bg.NextDirtyPage()
		if !ok {
			e.state = StateAllPagesSent
			respW.PutEOS()

			return nil
		}

		b := e.reg.Lookup(blockID)
		if b != nil {
			continued := e.lastSentBlock == b
			e.lastSentBlock = b
			respW.PutPage(blockID, offset, continued, page)
			e.limiter.ReserveN(time.Now(), len(page))
		}

		if time.Since(start) > backgroundYieldAfter {
			break
		}
	}

	return nil
}
