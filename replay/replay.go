// Package replay implements the monitor's record/replay engine (spec.md
// §4.9): a single-threaded, log-structured, append-only journal of every
// checkpoint (machine-state dump, interrupt delivery, I/O, panic/exit) that
// lets a recorded guest run be replayed byte-for-byte later.
package replay

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"util"
)

/// Tag names one kind of log record, matching the original monitor's
/// record/replay tag vocabulary (SPEC_FULL.md §3).
type Tag string

const (
	TagMS   Tag = "MS"
	TagINTR Tag = "INTR"
	TagIN   Tag = "IN"
	TagINS  Tag = "INS"
	TagOUT  Tag = "OUT"
	TagOUTS Tag = "OUTS"
	TagPANC Tag = "PANC"
	TagEXIT Tag = "EXIT"
)

// machineStateSize is RR_LOG_MACHINE_STATE_SIZE: the fixed-width text budget
// for an MS record's non-RAM portion (SPEC_FULL.md §3).
const machineStateSize = 2560

/// Snapshot is everything a machine-state (MS) record captures: every
/// general register, descriptor cache, control register, the flags word,
/// and the full guest RAM image.
type Snapshot struct {
	EAX, ECX, EDX, EBX, ESP, EBP, ESI, EDI uint32
	EIP, EFLAGS                             uint32
	CR0, CR2, CR3, CR4                      uint32

	// SegSel/SegBase/SegLimit/SegFlags are indexed CS,DS,ES,FS,GS,SS.
	SegSel   [6]uint32
	SegBase  [6]uint32
	SegLimit [6]uint32
	SegFlags [6]uint32

	RAM []byte
}

func (s Snapshot) text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s %s %s %s %s %s ",
		util.Hex8(s.EAX), util.Hex8(s.ECX), util.Hex8(s.EDX), util.Hex8(s.EBX),
		util.Hex8(s.ESP), util.Hex8(s.EBP), util.Hex8(s.ESI), util.Hex8(s.EDI))
	fmt.Fprintf(&b, "%s %s ", util.Hex8(s.EIP), util.Hex8(s.EFLAGS))
	fmt.Fprintf(&b, "%s %s %s %s ", util.Hex8(s.CR0), util.Hex8(s.CR2), util.Hex8(s.CR3), util.Hex8(s.CR4))
	for i := 0; i < 6; i++ {
		fmt.Fprintf(&b, "%s %s %s %s ", util.Hex8(s.SegSel[i]), util.Hex8(s.SegBase[i]), util.Hex8(s.SegLimit[i]), util.Hex8(s.SegFlags[i]))
	}
	return util.PadRight(b.String(), machineStateSize)
}

/// Record is one parsed log entry: a tag, the n_exec it was taken at, and
/// its tag-specific payload bytes.
type Record struct {
	Tag     Tag
	NExec   uint64
	Payload []byte
}

func (r Record) encode() []byte {
	head := fmt.Sprintf("%s: %s %s %s:", r.Tag, util.Hex16(r.NExec), util.Hex8(uint32(len(r.Payload))), util.Hex8(0))
	out := make([]byte, 0, len(head)+len(r.Payload)+1)
	out = append(out, head...)
	out = append(out, r.Payload...)
	out = append(out, '\n')
	return out
}

// parseRecord reads one record header-plus-payload from r, matching the
// header grammar "%[^:]: %016llx %08lx %08x:" (SPEC_FULL.md §3).
func parseRecord(r *bufio.Reader) (Record, error) {
	tag, err := r.ReadString(':')
	if err != nil {
		return Record{}, err
	}
	tag = strings.TrimSuffix(tag, ":")

	if _, err := r.Discard(1); err != nil { // the space after the tag's colon
		return Record{}, fmt.Errorf("replay: malformed header: %w", err)
	}
	nExecHex := make([]byte, 16)
	if _, err := io.ReadFull(r, nExecHex); err != nil {
		return Record{}, fmt.Errorf("replay: truncated n_exec field: %w", err)
	}
	if _, err := r.Discard(1); err != nil {
		return Record{}, err
	}
	lenHex := make([]byte, 8)
	if _, err := io.ReadFull(r, lenHex); err != nil {
		return Record{}, fmt.Errorf("replay: truncated length field: %w", err)
	}
	if _, err := r.Discard(1); err != nil {
		return Record{}, err
	}
	reservedHex := make([]byte, 8)
	if _, err := io.ReadFull(r, reservedHex); err != nil {
		return Record{}, fmt.Errorf("replay: truncated reserved field: %w", err)
	}
	if _, err := r.Discard(1); err != nil { // the trailing ':'
		return Record{}, err
	}

	nExec, err := strconv.ParseUint(string(nExecHex), 16, 64)
	if err != nil {
		return Record{}, fmt.Errorf("replay: bad n_exec field: %w", err)
	}
	length, err := strconv.ParseUint(string(lenHex), 16, 32)
	if err != nil {
		return Record{}, fmt.Errorf("replay: bad length field: %w", err)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Record{}, fmt.Errorf("replay: truncated payload: %w", err)
	}
	if _, err := r.Discard(1); err != nil && err != io.EOF { // trailing newline
		return Record{}, err
	}
	return Record{Tag: Tag(tag), NExec: nExec, Payload: payload}, nil
}

/// Mode distinguishes whether an Engine_t is producing or consuming a log.
type Mode int

const (
	Recording Mode = iota
	Replaying
)

/// MismatchError is fatal per spec.md §4.9: replay never resynchronizes.
type MismatchError struct {
	NExec  uint64
	Offset int
	Reason string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("replay: mismatch at n_exec=%#x offset=%d: %s", e.NExec, e.Offset, e.Reason)
}

/// Engine_t is the single-threaded record/replay journal.
type Engine_t struct {
	mode Mode
	w    io.Writer     // non-nil in Recording mode
	r    *bufio.Reader // non-nil in Replaying mode

	nExec          uint64
	lastEntryNExec uint64
	pending        *Record
	done           bool
}

/// NewRecorder returns an Engine_t that appends every checkpoint to w.
func NewRecorder(w io.Writer) *Engine_t {
	return &Engine_t{mode: Recording, w: w}
}

/// NewReplayer returns an Engine_t that consumes records from r, priming
/// the first record so Due/NextTag can be queried immediately.
func NewReplayer(r io.Reader) (*Engine_t, error) {
	e := &Engine_t{mode: Replaying, r: bufio.NewReader(r)}
	if err := e.advance(); err != nil && err != io.EOF {
		return nil, err
	}
	return e, nil
}

func (e *Engine_t) advance() error {
	rec, err := parseRecord(e.r)
	if err == io.EOF {
		e.pending = nil
		e.done = true
		return io.EOF
	}
	if err != nil {
		return err
	}
	e.pending = &rec
	e.lastEntryNExec = rec.NExec
	return nil
}

/// Mode reports whether the engine is recording or replaying.
func (e *Engine_t) Mode() Mode { return e.mode }

/// NExec returns the engine's current retired-instruction counter.
func (e *Engine_t) NExec() uint64 { return e.nExec }

/// SetNExec updates the engine's view of the guest's retired-instruction
/// counter, advanced by the core on every translation-block entry.
func (e *Engine_t) SetNExec(n uint64) { e.nExec = n }

/// Due reports whether, in Replaying mode, the next recorded event is due
/// at or before the engine's current n_exec (spec.md §4.9 timeline match).
func (e *Engine_t) Due() bool {
	return e.mode == Replaying && e.pending != nil && e.lastEntryNExec <= e.nExec
}

/// NextTag returns the tag of the pending record in Replaying mode.
func (e *Engine_t) NextTag() (Tag, bool) {
	if e.pending == nil {
		return "", false
	}
	return e.pending.Tag, true
}

func (e *Engine_t) emit(tag Tag, payload []byte) error {
	rec := Record{Tag: tag, NExec: e.nExec, Payload: payload}
	_, err := e.w.Write(rec.encode())
	return err
}

// consume pops the pending record, asserting it carries the given tag, and
// advances to the next one.
func (e *Engine_t) consume(want Tag) (Record, error) {
	if e.pending == nil {
		return Record{}, fmt.Errorf("replay: expected %s but log is exhausted", want)
	}
	if e.pending.Tag != want {
		return Record{}, &MismatchError{NExec: e.nExec, Reason: fmt.Sprintf("expected tag %s, log has %s", want, e.pending.Tag)}
	}
	rec := *e.pending
	if err := e.advance(); err != nil && err != io.EOF {
		return Record{}, err
	}
	return rec, nil
}

/// Checkpoint emits (Recording) or consumes-and-compares (Replaying) a
/// machine-state snapshot at the engine's current n_exec. Any mismatch is
/// fatal and returned as a *MismatchError; the caller is expected to abort.
func (e *Engine_t) Checkpoint(snap Snapshot) error {
	body := []byte(snap.text())
	body = append(body, snap.RAM...)

	if e.mode == Recording {
		return e.emit(TagMS, body)
	}
	rec, err := e.consume(TagMS)
	if err != nil {
		return err
	}
	if len(rec.Payload) != len(body) {
		return &MismatchError{NExec: e.nExec, Offset: util.Min(len(rec.Payload), len(body)),
			Reason: fmt.Sprintf("recorded length %d, live length %d", len(rec.Payload), len(body))}
	}
	for i := range body {
		if rec.Payload[i] != body[i] {
			return &MismatchError{NExec: e.nExec, Offset: i, Reason: "machine-state byte mismatch"}
		}
	}
	return nil
}

/// RecordInterrupt logs that vector was delivered at the current n_exec.
func (e *Engine_t) RecordInterrupt(vector uint8) error {
	return e.emit(TagINTR, []byte{vector})
}

/// ReplayInterrupt consumes the next INTR record and returns the vector to
/// raise immediately, per spec.md §4.9's timeline-matching loop.
func (e *Engine_t) ReplayInterrupt() (uint8, error) {
	rec, err := e.consume(TagINTR)
	if err != nil {
		return 0, err
	}
	if len(rec.Payload) != 1 {
		return 0, &MismatchError{NExec: e.nExec, Reason: "malformed INTR payload"}
	}
	return rec.Payload[0], nil
}

/// Abort logs a PANC or EXIT record; spec.md §4.9 treats both as terminal.
func (e *Engine_t) Abort(tag Tag) error {
	if tag != TagPANC && tag != TagEXIT {
		panic("replay: Abort requires PANC or EXIT")
	}
	if e.mode == Recording {
		return e.emit(tag, nil)
	}
	_, err := e.consume(tag)
	return err
}

// ioPayload/parseIOPayload encode an IN/OUT record's port/width/value triple
// as fixed-width hex text, matching the rest of the log's ASCII format.
func ioPayload(port uint16, width int, value uint32) []byte {
	return []byte(fmt.Sprintf("%s%s%s", util.Hex8(uint32(port)), util.Hex8(uint32(width)), util.Hex8(value)))
}

func parseIOPayload(p []byte) (port uint16, width int, value uint32, err error) {
	if len(p) != 24 {
		return 0, 0, 0, fmt.Errorf("replay: malformed IO payload length %d", len(p))
	}
	pv, err := strconv.ParseUint(string(p[0:8]), 16, 32)
	if err != nil {
		return 0, 0, 0, err
	}
	wv, err := strconv.ParseUint(string(p[8:16]), 16, 32)
	if err != nil {
		return 0, 0, 0, err
	}
	vv, err := strconv.ParseUint(string(p[16:24]), 16, 32)
	if err != nil {
		return 0, 0, 0, err
	}
	return uint16(pv), int(wv), uint32(vv), nil
}

/// RecordIO logs an IN (tag==TagIN) or OUT (tag==TagOUT) access at the
/// current n_exec with the value read or written, per spec.md §4.8.
func (e *Engine_t) RecordIO(tag Tag, port uint16, width int, value uint32) error {
	return e.emit(tag, ioPayload(port, width, value))
}

/// ReplayIO consumes the next IN/OUT record, verifying it names the same
/// port and width as the live access, and returns the logged value.
func (e *Engine_t) ReplayIO(tag Tag, port uint16, width int) (uint32, error) {
	rec, err := e.consume(tag)
	if err != nil {
		return 0, err
	}
	gotPort, gotWidth, value, err := parseIOPayload(rec.Payload)
	if err != nil {
		return 0, err
	}
	if gotPort != port || gotWidth != width {
		return 0, &MismatchError{NExec: e.nExec, Reason: fmt.Sprintf("log has port %#x/width %d, live access is port %#x/width %d", gotPort, gotWidth, port, width)}
	}
	return value, nil
}
