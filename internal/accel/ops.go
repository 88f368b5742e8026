package accel

import (
	"bytes"
	"hash/crc32"

	"github.com/reactorstore/reactorstore"
)

// Opcode names an accel operation kind (spec §4.8).
type Opcode int

const (
	OpCopy Opcode = iota
	OpDualcast
	OpCompare
	OpFill
	OpCrc32c
	OpCopyCrc32c
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// Operation is one queued accel descriptor (spec §4.8 "per-channel
// pool of operation descriptors"). Fields not relevant to Op are left
// zero; the engine translates Src/Dst/Dst2 (spec: "translates user
// buffers to physical addresses") — in software these are plain Go
// byte slices rather than IOVAs, since no DSA device backs this path.
type Operation struct {
	Op     Opcode
	Src    []byte
	Dst    []byte
	Dst2   []byte // OpDualcast's second destination
	Fill   byte   // OpFill's pattern byte
	Seed   uint32 // OpCrc32c/OpCopyCrc32c's running seed
	Result uint32 // OpCrc32c/OpCopyCrc32c's computed checksum
	Equal  bool   // OpCompare's result
	Cb     CompletionFn

	err error
}

func (op *Operation) run() error {
	switch op.Op {
	case OpCopy:
		return op.runCopy()
	case OpDualcast:
		return op.runDualcast()
	case OpCompare:
		return op.runCompare()
	case OpFill:
		return op.runFill()
	case OpCrc32c:
		return op.runCrc32c()
	case OpCopyCrc32c:
		return op.runCopyCrc32c()
	default:
		return reactorstore.NewComponentError("accel_op", "unknown", reactorstore.CodeInvalidArgument, "unrecognized accel opcode")
	}
}

func (op *Operation) runCopy() error {
	if len(op.Dst) < len(op.Src) {
		return reactorstore.NewComponentError("accel_copy", "accel", reactorstore.CodeInvalidArgument, "destination shorter than source")
	}
	copy(op.Dst, op.Src)
	return nil
}

func (op *Operation) runDualcast() error {
	if len(op.Dst) < len(op.Src) || len(op.Dst2) < len(op.Src) {
		return reactorstore.NewComponentError("accel_dualcast", "accel", reactorstore.CodeInvalidArgument, "destination shorter than source")
	}
	copy(op.Dst, op.Src)
	copy(op.Dst2, op.Src)
	return nil
}

func (op *Operation) runCompare() error {
	op.Equal = bytes.Equal(op.Src, op.Dst)
	return nil
}

func (op *Operation) runFill() error {
	for i := range op.Dst {
		op.Dst[i] = op.Fill
	}
	return nil
}

func (op *Operation) runCrc32c() error {
	op.Result = crc32.Update(op.Seed, crc32cTable, op.Src)
	return nil
}

func (op *Operation) runCopyCrc32c() error {
	if err := op.runCopy(); err != nil {
		return err
	}
	return op.runCrc32c()
}

// SubmitCopy queues a buffer copy (spec §4.8 submit_copy).
func (c *Channel) SubmitCopy(dst, src []byte, cb CompletionFn) error {
	return c.submit(&Operation{Op: OpCopy, Src: src, Dst: dst, Cb: cb})
}

// SubmitDualcast queues a copy to two destinations (spec §4.8
// submit_dualcast).
func (c *Channel) SubmitDualcast(dst1, dst2, src []byte, cb CompletionFn) error {
	return c.submit(&Operation{Op: OpDualcast, Src: src, Dst: dst1, Dst2: dst2, Cb: cb})
}

// SubmitCompare queues a byte-equality comparison (spec §4.8
// submit_compare); the result lands in Operation.Equal.
func (c *Channel) SubmitCompare(a, b []byte, cb CompletionFn) error {
	return c.submit(&Operation{Op: OpCompare, Src: a, Dst: b, Cb: cb})
}

// SubmitFill queues a pattern fill (spec §4.8 submit_fill).
func (c *Channel) SubmitFill(dst []byte, pattern byte, cb CompletionFn) error {
	return c.submit(&Operation{Op: OpFill, Dst: dst, Fill: pattern, Cb: cb})
}

// SubmitCrc32c queues a CRC32C checksum over src seeded by seed (spec
// §4.8 submit_crc32c); the result lands in Operation.Result.
func (c *Channel) SubmitCrc32c(src []byte, seed uint32, cb CompletionFn) error {
	return c.submit(&Operation{Op: OpCrc32c, Src: src, Seed: seed, Cb: cb})
}

// SubmitCopyCrc32c queues a fused copy-then-checksum (spec §4.8
// submit_copy_crc32c).
func (c *Channel) SubmitCopyCrc32c(dst, src []byte, seed uint32, cb CompletionFn) error {
	return c.submit(&Operation{Op: OpCopyCrc32c, Src: src, Dst: dst, Seed: seed, Cb: cb})
}

func (c *Channel) submit(op *Operation) error {
	if err := c.reserve(); err != nil {
		return err
	}
	c.dispatch(op)
	return nil
}

// SubmitBatch queues every operation in ops as one unit (spec §4.8
// "plus a batched variant"). Each operation still completes and is
// surfaced independently through its own Cb — a failure in one does
// not prevent the others in the batch from running or completing
// (spec §4.8 "partial failure within a batch is surfaced
// per-operation"). SubmitBatch itself fails only if the channel lacks
// room for the whole batch; it does not partially admit a batch.
func (c *Channel) SubmitBatch(ops []*Operation) error {
	c.mu.Lock()
	if c.inFlight+len(ops) > c.queueDepth {
		c.mu.Unlock()
		return reactorstore.NewComponentError("accel_submit_batch", c.name, reactorstore.CodeNoMemory, "batch exceeds per-channel operation limit")
	}
	c.inFlight += len(ops)
	c.mu.Unlock()

	for _, op := range ops {
		c.dispatch(op)
	}
	return nil
}
