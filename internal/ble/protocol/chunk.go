package protocol

import "fmt"

// Fragment splits f into multi-packet fragments carrying at most size body
// bytes each. A frame whose body fits is returned unchanged.
func Fragment(f Frame, size int) []Frame {
	if size <= 0 || len(f.Body) <= size {
		return []Frame{f}
	}
	total := (len(f.Body) + size - 1) / size
	out := make([]Frame, 0, total)
	for i := range total {
		end := min((i+1)*size, len(f.Body))
		out = append(out, Frame{
			Action: f.Action,
			Type:   f.Type,
			Body:   f.Body[i*size : end],
			Seq:    uint16(i + 1),
			Total:  uint16(total),
		})
	}
	return out
}

// Assembler collects the fragments of one multi-packet response. Fragments
// may arrive in any order; a fragment for a different action or count
// discards whatever was collected before it. Not safe for concurrent use.
type Assembler struct {
	action ActionID
	typ    MsgType
	total  uint16
	parts  map[uint16][]byte
}

// Add feeds one frame. It returns the complete frame and true once every
// fragment has arrived. Unfragmented frames are returned immediately.
func (a *Assembler) Add(f Frame) (Frame, bool, error) {
	if !f.Fragmented() {
		return f, true, nil
	}
	if f.Seq == 0 || f.Seq > f.Total {
		return Frame{}, false, fmt.Errorf("%w: fragment %d of %d", ErrMalformed, f.Seq, f.Total)
	}
	if a.parts == nil || a.action != f.Action || a.total != f.Total {
		a.action, a.typ, a.total = f.Action, f.Type, f.Total
		a.parts = make(map[uint16][]byte, f.Total)
	}
	a.parts[f.Seq] = f.Body
	if len(a.parts) < int(a.total) {
		return Frame{}, false, nil
	}

	var body []byte
	for seq := uint16(1); seq <= a.total; seq++ {
		body = append(body, a.parts[seq]...)
	}
	out := Frame{Action: a.action, Type: a.typ, Body: body}
	a.Reset()
	return out, true, nil
}

// Pending returns how many fragments are buffered.
func (a *Assembler) Pending() int { return len(a.parts) }

// Reset drops any partial response.
func (a *Assembler) Reset() {
	a.parts = nil
	a.total = 0
}
