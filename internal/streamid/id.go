// Package streamid implements the (ms, seq) stream-ID ordering used
// throughout the stream reader engine (§3 "IDs").
package streamid

import (
	"fmt"
	"strconv"
	"strings"
)

// ID is an ordered pair (ms, seq), compared lexicographically.
type ID struct {
	MS  uint64
	Seq uint64
}

// Max is the sentinel "largest possible ID", used as the trim watermark
// when no live consumer bounds it.
var Max = ID{MS: ^uint64(0), Seq: ^uint64(0)}

// Zero is the smallest possible ID.
var Zero = ID{}

// Less reports whether a sorts strictly before b.
func (a ID) Less(b ID) bool {
	if a.MS != b.MS {
		return a.MS < b.MS
	}
	return a.Seq < b.Seq
}

// LessOrEqual reports whether a sorts at or before b.
func (a ID) LessOrEqual(b ID) bool {
	return a == b || a.Less(b)
}

// Next returns the smallest ID strictly greater than a, incrementing the
// sequence component (§4.5 "last_read_id+1, seq incremented by 1").
func (a ID) Next() ID {
	if a.Seq == ^uint64(0) {
		return ID{MS: a.MS + 1, Seq: 0}
	}
	return ID{MS: a.MS, Seq: a.Seq + 1}
}

// String renders the canonical "ms-seq" form.
func (a ID) String() string {
	return fmt.Sprintf("%d-%d", a.MS, a.Seq)
}

// Min returns the lexicographically smaller of a and b.
func Min(a, b ID) ID {
	if a.Less(b) {
		return a
	}
	return b
}

// Parse parses the canonical "ms-seq" form produced by String.
func Parse(s string) (ID, error) {
	ms, seq, found := strings.Cut(s, "-")
	msVal, err := strconv.ParseUint(ms, 10, 64)
	if err != nil {
		return ID{}, fmt.Errorf("streamid: invalid ms component %q: %w", ms, err)
	}
	if !found {
		return ID{MS: msVal}, nil
	}
	seqVal, err := strconv.ParseUint(seq, 10, 64)
	if err != nil {
		return ID{}, fmt.Errorf("streamid: invalid seq component %q: %w", seq, err)
	}
	return ID{MS: msVal, Seq: seqVal}, nil
}
