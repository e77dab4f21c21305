package isofs

import (
	"fmt"
	"io"
	"sort"
)

// sectorStream lazily materializes an image from its ordered segments.
// Metadata segments carry their bytes; file segments open their Source only
// when the stream reaches them, so an image larger than memory serializes in
// one sequential pass. Gaps between segments and the tail of each extent are
// zero-filled.
type sectorStream struct {
	segs  []segment
	total int64
	pos   int64
	idx   int
	cur   io.ReadCloser
	err   error
}

// newSectorStream orders the segments and verifies they occupy disjoint
// extents inside the volume. A violation means the layout pass is broken,
// not the caller's input.
func newSectorStream(segs []segment, totalSectors uint32) (*sectorStream, error) {
	ordered := append([]segment(nil), segs...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].sector < ordered[j].sector })
	var cursor uint32
	for _, s := range ordered {
		if s.sector < cursor {
			return nil, fmt.Errorf("segment %q at sector %d overlaps the previous extent: %w",
				s.label, s.sector, ErrOverlappingExtent)
		}
		cursor = s.sector + sectorsForBytes(s.length)
	}
	if cursor > totalSectors {
		return nil, fmt.Errorf("segments extend to sector %d beyond the %d-sector volume: %w",
			cursor, totalSectors, ErrInconsistentState)
	}
	return &sectorStream{segs: ordered, total: int64(totalSectors) * SectorSize}, nil
}

func (s *sectorStream) segEnd(i int) int64 {
	e := s.segs[i]
	return (int64(e.sector) + int64(sectorsForBytes(e.length))) * SectorSize
}

func (s *sectorStream) Read(p []byte) (int, error) {
	if s.err != nil {
		return 0, s.err
	}
	n := 0
	for n < len(p) {
		if s.pos >= s.total {
			if n > 0 {
				return n, nil
			}
			return 0, io.EOF
		}
		for s.idx < len(s.segs) && s.pos >= s.segEnd(s.idx) {
			s.closeCurrent()
			s.idx++
		}

		limit := s.total
		inPayload := false
		var payloadEnd int64
		if s.idx < len(s.segs) {
			seg := s.segs[s.idx]
			start := int64(seg.sector) * SectorSize
			payloadEnd = start + int64(seg.length)
			switch {
			case s.pos < start:
				limit = start // zero gap before the segment
			case s.pos < payloadEnd:
				limit, inPayload = payloadEnd, true
			default:
				limit = s.segEnd(s.idx) // zero pad to the extent boundary
			}
		}

		chunk := len(p) - n
		if int64(chunk) > limit-s.pos {
			chunk = int(limit - s.pos)
		}
		if inPayload {
			seg := s.segs[s.idx]
			if seg.data != nil {
				off := s.pos - int64(seg.sector)*SectorSize
				copy(p[n:n+chunk], seg.data[off:int(off)+chunk])
			} else {
				if s.cur == nil {
					rc, err := seg.src.Open()
					if err != nil {
						s.err = fmt.Errorf("open %s: %w", seg.label, err)
						return n, s.err
					}
					s.cur = rc
				}
				if _, err := io.ReadFull(s.cur, p[n:n+chunk]); err != nil {
					// Content shorter than its registered size corrupts the
					// layout; stop rather than pad silently.
					s.err = fmt.Errorf("read %s: content shorter than registered size: %w", seg.label, err)
					return n, s.err
				}
			}
		} else {
			for i := n; i < n+chunk; i++ {
				p[i] = 0
			}
		}
		n += chunk
		s.pos += int64(chunk)
		if inPayload && s.pos >= payloadEnd {
			s.closeCurrent()
		}
	}
	return n, nil
}

func (s *sectorStream) closeCurrent() {
	if s.cur != nil {
		s.cur.Close()
		s.cur = nil
	}
}

func (s *sectorStream) Close() error {
	s.closeCurrent()
	if s.err == nil {
		s.err = fmt.Errorf("stream closed")
	}
	return nil
}

// writeImage streams the whole image to w and reports the bytes written.
func writeImage(w io.Writer, segs []segment, totalSectors uint32) (int64, error) {
	st, err := newSectorStream(segs, totalSectors)
	if err != nil {
		return 0, err
	}
	defer st.Close()
	n, err := io.Copy(w, st)
	if err != nil {
		return n, err
	}
	return n, nil
}
