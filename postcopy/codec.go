package postcopy

// codec.go implements the framed request-stream protocol of spec §4.1,
// §6: the destination-to-source channel that carries page demand
// requests (PAGE / PAGE_CONT) and the end-of-commands sentinel (EOC).
//
// Wire format, restartable decode:
//
//	EOC:       cmd(1)
//	PAGE:      cmd(1) idlen(1) id(idlen) nr(4, BE) pgoff(8, BE)*nr
//	PAGE_CONT: cmd(1)                    nr(4, BE) pgoff(8, BE)*nr
//
// Decoding never advances the underlying reader on a short read: Decoder
// peeks into an internal buffer and only commits bytes once a full
// request has been recognized, exactly as a restartable parser must (a
// malformed command is the only case that aborts the session for good).

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Command is the one-byte request opcode.
type Command byte

const (
	CmdEOC      Command = 0
	CmdPage     Command = 1
	CmdPageCont Command = 2
)

func (c Command) String() string {
	switch c {
	case CmdEOC:
		return "EOC"
	case CmdPage:
		return "PAGE"
	case CmdPageCont:
		return "PAGE_CONT"
	default:
		return fmt.Sprintf("Command(%d)", byte(c))
	}
}

// MaxPageNR is the largest offset array a single PAGE/PAGE_CONT frame may
// carry. Derived, as in the original, from a 32 KiB message-size ceiling:
// 1 byte cmd + 1 byte id-length + up to 255 id bytes (rounded to 256) +
// whatever remains for 8-byte offsets.
const MaxPageNR = (32*1024 - 1 - 1 - 256 - 2) / 8

// MaxIDLen is the largest permitted block id, per the data model (§3).
const MaxIDLen = 255

var (
	ErrUnknownCommand = errors.New("postcopy: unknown request command")
	ErrIDTooLong      = errors.New("postcopy: block id exceeds 255 bytes")
	ErrTooManyOffsets = errors.New("postcopy: offset array exceeds MaxPageNR")
)

// Request is a decoded logical request-stream frame.
type Request struct {
	Cmd     Command
	BlockID string // only meaningful for CmdPage
	Offsets []uint64
}

// Encoder writes Request frames to an underlying writer, splitting any
// logical request whose offset count exceeds MaxPageNR into a leading
// PAGE (or PAGE_CONT) frame plus trailing PAGE_CONT fragments, none of
// which repeat the block id (§4.1's fragmentation law).
type Encoder struct {
	w io.Writer
}

func NewEncoder(w io.Writer) *Encoder { return &Encoder{w: w} }

// EncodeEOC writes the bare EOC command byte.
func (e *Encoder) EncodeEOC() error {
	_, err := e.w.Write([]byte{byte(CmdEOC)})

	return err
}

// EncodePage writes a logical PAGE request for blockID and offs,
// fragmenting into PAGE + PAGE_CONT* as needed.
func (e *Encoder) EncodePage(blockID string, offs []uint64) error {
	if len(blockID) > MaxIDLen {
		return fmt.Errorf("%w: %q (%d bytes)", ErrIDTooLong, blockID, len(blockID))
	}

	first := offs
	if len(first) > MaxPageNR {
		first = first[:MaxPageNR]
	}

	if err := e.writeFrame(CmdPage, blockID, first); err != nil {
		return err
	}

	rest := offs[len(first):]

	return e.EncodePageCont(rest)
}

// EncodePageCont writes zero or more PAGE_CONT frames for offs, each
// capped at MaxPageNR offsets, reusing whatever block the last PAGE
// frame named.
func (e *Encoder) EncodePageCont(offs []uint64) error {
	for len(offs) > 0 {
		n := len(offs)
		if n > MaxPageNR {
			n = MaxPageNR
		}

		if err := e.writeFrame(CmdPageCont, "", offs[:n]); err != nil {
			return err
		}

		offs = offs[n:]
	}

	return nil
}

func (e *Encoder) writeFrame(cmd Command, blockID string, offs []uint64) error {
	if len(offs) > MaxPageNR {
		return fmt.Errorf("%w: %d", ErrTooManyOffsets, len(offs))
	}

	buf := make([]byte, 0, 1+1+len(blockID)+4+8*len(offs))
	buf = append(buf, byte(cmd))

	if cmd == CmdPage {
		buf = append(buf, byte(len(blockID)))
		buf = append(buf, blockID...)
	}

	var nr [4]byte
	binary.BigEndian.PutUint32(nr[:], uint32(len(offs)))
	buf = append(buf, nr[:]...)

	for _, o := range offs {
		var ob [8]byte
		binary.BigEndian.PutUint64(ob[:], o)
		buf = append(buf, ob[:]...)
	}

	_, err := e.w.Write(buf)

	return err
}

// Decoder reads Request frames from a buffered reader, restarting at the
// same byte position on a short read rather than consuming partial
// input. lastBlockID tracks the id a PAGE_CONT frame implicitly reuses
// (the wire format never repeats it), mirroring the destination's
// last_block_read bookkeeping in §3/§4.2.
type Decoder struct {
	r            *bufio.Reader
	lastBlockID  string
	haveLastID   bool
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReaderSize(r, 64*1024)}
}

// ErrNeedMore signals a short read: the caller should retry once more
// bytes are available. No bytes were consumed.
var ErrNeedMore = errors.New("postcopy: need more data")

// Decode reads exactly one logical frame (PAGE/PAGE_CONT fragments are
// NOT reassembled here — each wire frame is returned as its own Request,
// with PAGE_CONT's BlockID filled in from the last PAGE seen, so callers
// observe the sender's logical offset sequence in order by simply
// concatenating Offsets across consecutive Decode calls until EOC or a
// frame belonging to a different block).
func (d *Decoder) Decode() (Request, error) {
	cmdByte, err := d.r.Peek(1)
	if err != nil {
		return Request{}, translateShortRead(err)
	}

	cmd := Command(cmdByte[0])

	switch cmd {
	case CmdEOC:
		if _, err := d.r.Discard(1); err != nil {
			return Request{}, translateShortRead(err)
		}

		return Request{Cmd: CmdEOC}, nil

	case CmdPage:
		return d.decodePage()

	case CmdPageCont:
		return d.decodePageCont()

	default:
		return Request{}, fmt.Errorf("%w: %d", ErrUnknownCommand, byte(cmd))
	}
}

func (d *Decoder) decodePage() (Request, error) {
	// Peek the id length without consuming the command byte yet, so a
	// short read anywhere in this frame leaves the stream untouched.
	hdr, err := peekExact(d.r, 2)
	if err != nil {
		return Request{}, err
	}

	idLen := int(hdr[1])

	need := 2 + idLen + 4
	hdr, err = peekExact(d.r, need)
	if err != nil {
		return Request{}, err
	}

	id := string(hdr[2 : 2+idLen])
	nr := int(binary.BigEndian.Uint32(hdr[2+idLen : 2+idLen+4]))

	total := need + 8*nr

	full, err := peekExact(d.r, total)
	if err != nil {
		return Request{}, err
	}

	offs := decodeOffsets(full[need:total], nr)

	if _, err := d.r.Discard(total); err != nil {
		return Request{}, translateShortRead(err)
	}

	d.lastBlockID = id
	d.haveLastID = true

	return Request{Cmd: CmdPage, BlockID: id, Offsets: offs}, nil
}

func (d *Decoder) decodePageCont() (Request, error) {
	hdr, err := peekExact(d.r, 5)
	if err != nil {
		return Request{}, err
	}

	nr := int(binary.BigEndian.Uint32(hdr[1:5]))
	total := 5 + 8*nr

	full, err := peekExact(d.r, total)
	if err != nil {
		return Request{}, err
	}

	offs := decodeOffsets(full[5:total], nr)

	if _, err := d.r.Discard(total); err != nil {
		return Request{}, translateShortRead(err)
	}

	id := d.lastBlockID
	if !d.haveLastID {
		id = ""
	}

	return Request{Cmd: CmdPageCont, BlockID: id, Offsets: offs}, nil
}

func decodeOffsets(b []byte, nr int) []uint64 {
	offs := make([]uint64, nr)

	for i := 0; i < nr; i++ {
		offs[i] = binary.BigEndian.Uint64(b[i*8 : i*8+8])
	}

	return offs
}

// peekExact peeks n bytes, translating bufio's io.EOF/ErrBufferFull into
// ErrNeedMore so the caller can retry once more bytes arrive, per the
// "restartable decode" requirement.
func peekExact(r *bufio.Reader, n int) ([]byte, error) {
	b, err := r.Peek(n)
	if err != nil {
		return nil, translateShortRead(err)
	}

	return b, nil
}

func translateShortRead(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, bufio.ErrBufferFull) {
		return ErrNeedMore
	}

	return err
}
