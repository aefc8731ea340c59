package postcopy

// xbzrle.go implements a minimal run-based delta codec for the XBZRLE
// response flag (§6): "XBZRLE: delta-coded" in §4.4.1's mig-read payload
// handling. A patch is a sequence of (skip, literal) runs applied onto
// the page's previous resident content; skip bytes are left untouched,
// literal bytes replace the next len(Literal) bytes. Runs are applied in
// order until the cursor reaches the target page size.

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// XBZRLERun is one (skip, literal) step of a patch.
type XBZRLERun struct {
	Skip    int
	Literal []byte
}

// XBZRLEPatch is a decoded or to-be-encoded delta against a page's prior
// content.
type XBZRLEPatch struct {
	PageSize int
	Runs     []XBZRLERun
}

// EncodeXBZRLEPatch diffs old against cur (both must be len pageSize) and
// returns the minimal run sequence turning old into cur.
func EncodeXBZRLEPatch(old, cur []byte) *XBZRLEPatch {
	p := &XBZRLEPatch{PageSize: len(cur)}

	i := 0
	for i < len(cur) {
		skipStart := i
		for i < len(cur) && old[i] == cur[i] {
			i++
		}

		skip := i - skipStart
		if i == len(cur) {
			if skip > 0 {
				p.Runs = append(p.Runs, XBZRLERun{Skip: skip})
			}

			break
		}

		litStart := i
		for i < len(cur) && !(i+1 < len(cur) && old[i] == cur[i] && old[i+1] == cur[i+1]) && old[i] != cur[i] {
			i++
		}
		// absorb a single differing byte even if a run-matching
		// heuristic above stalls on it
		if i == litStart {
			i++
		}

		p.Runs = append(p.Runs, XBZRLERun{Skip: skip, Literal: append([]byte{}, cur[litStart:i]...)})
	}

	return p
}

// EncodeXBZRLE serializes patch as skip(uvarint) litlen(uvarint)
// literal-bytes per run.
func EncodeXBZRLE(patch *XBZRLEPatch) []byte {
	buf := make([]byte, 0, 16*len(patch.Runs))

	var tmp [binary.MaxVarintLen64]byte

	for _, run := range patch.Runs {
		n := binary.PutUvarint(tmp[:], uint64(run.Skip))
		buf = append(buf, tmp[:n]...)

		n = binary.PutUvarint(tmp[:], uint64(len(run.Literal)))
		buf = append(buf, tmp[:n]...)

		buf = append(buf, run.Literal...)
	}

	return buf
}

var (
	ErrXBZRLETruncated = errors.New("postcopy: XBZRLE patch truncated")
	ErrXBZRLEOverrun   = errors.New("postcopy: XBZRLE patch overruns page size")
)

// DecodeXBZRLE reads runs from r until the cumulative (skip+literal)
// length reaches pageSize.
func DecodeXBZRLE(r byteReader, pageSize int) (*XBZRLEPatch, error) {
	patch := &XBZRLEPatch{PageSize: pageSize}

	br := asByteByByteReader(r)

	produced := 0
	for produced < pageSize {
		skip, err := binary.ReadUvarint(br)
		if err != nil {
			return nil, fmt.Errorf("%w: skip: %v", ErrXBZRLETruncated, err)
		}

		litLen, err := binary.ReadUvarint(br)
		if err != nil {
			return nil, fmt.Errorf("%w: litlen: %v", ErrXBZRLETruncated, err)
		}

		lit := make([]byte, litLen)
		if _, err := readFull(r, lit); err != nil {
			return nil, fmt.Errorf("%w: literal: %v", ErrXBZRLETruncated, err)
		}

		produced += int(skip) + len(lit)
		if produced > pageSize {
			return nil, ErrXBZRLEOverrun
		}

		patch.Runs = append(patch.Runs, XBZRLERun{Skip: int(skip), Literal: lit})
	}

	return patch, nil
}

// Apply patches dst (which must already hold the page's prior content
// and be len(dst) == PageSize) in place.
func (p *XBZRLEPatch) Apply(dst []byte) error {
	if len(dst) != p.PageSize {
		return fmt.Errorf("%w: dst=%d page=%d", ErrShortPayload, len(dst), p.PageSize)
	}

	cursor := 0

	for _, run := range p.Runs {
		cursor += run.Skip
		copy(dst[cursor:cursor+len(run.Literal)], run.Literal)
		cursor += len(run.Literal)
	}

	return nil
}

// asByteByByteReader adapts a byteReader to io.ByteReader for
// binary.ReadUvarint, which needs single-byte reads.
func asByteByByteReader(r byteReader) byteReaderOnly { return byteReaderOnly{r} }

type byteReaderOnly struct{ r byteReader }

func (b byteReaderOnly) ReadByte() (byte, error) { return b.r.ReadByte() }
