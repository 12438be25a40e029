package dist

import (
	"bufio"
	"encoding/binary"
	"io"
	"math"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Frame field numbers.
const (
	frameSeq    protowire.Number = 1
	frameOp     protowire.Number = 2
	frameRank   protowire.Number = 3
	frameValues protowire.Number = 4 // packed doubles
	frameCounts protowire.Number = 5 // packed varints, one per rank
	frameError  protowire.Number = 6
)

// maxFrame bounds a single frame; gradient vectors of large models fit.
const maxFrame = 1 << 30

// frame is the unit exchanged between a rank and the hub. Requests carry one
// rank's values; replies carry every rank's values back to back, split by
// Counts.
type frame struct {
	Seq    uint64
	Op     string
	Rank   int
	Values []float64
	Counts []int
	Error  string
}

func (f *frame) marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, frameSeq, protowire.VarintType)
	b = protowire.AppendVarint(b, f.Seq)
	b = protowire.AppendTag(b, frameOp, protowire.BytesType)
	b = protowire.AppendString(b, f.Op)
	b = protowire.AppendTag(b, frameRank, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(f.Rank))

	if len(f.Values) > 0 {
		packed := make([]byte, 0, 8*len(f.Values))
		for _, v := range f.Values {
			packed = protowire.AppendFixed64(packed, math.Float64bits(v))
		}
		b = protowire.AppendTag(b, frameValues, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}
	if len(f.Counts) > 0 {
		var packed []byte
		for _, c := range f.Counts {
			packed = protowire.AppendVarint(packed, uint64(c))
		}
		b = protowire.AppendTag(b, frameCounts, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}
	if f.Error != "" {
		b = protowire.AppendTag(b, frameError, protowire.BytesType)
		b = protowire.AppendString(b, f.Error)
	}
	return b
}

func (f *frame) unmarshal(b []byte) error {
	*f = frame{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
			switch num {
			case frameSeq:
				f.Seq = v
			case frameRank:
				f.Rank = int(v)
			}
		case typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
			switch num {
			case frameOp:
				f.Op = string(v)
			case frameError:
				f.Error = string(v)
			case frameValues:
				for len(v) > 0 {
					x, n := protowire.ConsumeFixed64(v)
					if n < 0 {
						return protowire.ParseError(n)
					}
					f.Values = append(f.Values, math.Float64frombits(x))
					v = v[n:]
				}
			case frameCounts:
				for len(v) > 0 {
					c, n := protowire.ConsumeVarint(v)
					if n < 0 {
						return protowire.ParseError(n)
					}
					f.Counts = append(f.Counts, int(c))
					v = v[n:]
				}
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return nil
}

// writeFrame writes a varint length prefix followed by the frame.
func writeFrame(w *bufio.Writer, f *frame) error {
	body := f.marshal()
	if _, err := w.Write(protowire.AppendVarint(nil, uint64(len(body)))); err != nil {
		return err
	}
	if _, err := w.Write(body); err != nil {
		return err
	}
	return w.Flush()
}

func readFrame(r *bufio.Reader) (*frame, error) {
	size, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	if size > maxFrame {
		return nil, errors.Errorf("frame of %d bytes exceeds the limit", size)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	f := &frame{}
	if err := f.unmarshal(body); err != nil {
		return nil, errors.Wrap(err, "malformed frame")
	}
	return f, nil
}

// split cuts a reply back into per-rank contributions.
func (f *frame) split() ([][]float64, error) {
	out := make([][]float64, len(f.Counts))
	off := 0
	for i, c := range f.Counts {
		if off+c > len(f.Values) {
			return nil, errors.Errorf("reply counts exceed its %d values", len(f.Values))
		}
		out[i] = f.Values[off : off+c]
		off += c
	}
	return out, nil
}
