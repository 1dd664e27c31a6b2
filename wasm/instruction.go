package wasm

import (
	"github.com/wippyai/wasm-machine/wasm/internal/binary"
)

// Expr builds a function body or constant expression one instruction at a
// time. Methods return the receiver so bodies read top to bottom:
//
//	code := wasm.NewExpr().I32Const(0).I32Const(64).Call(getDT).End().Bytes()
type Expr struct {
	w *binary.Writer
}

// NewExpr returns an empty expression.
func NewExpr() *Expr {
	return &Expr{w: binary.NewWriter()}
}

// Bytes returns the encoded instructions.
func (e *Expr) Bytes() []byte {
	return e.w.Bytes()
}

// Len returns the encoded size so far, useful for code offsets.
func (e *Expr) Len() int {
	return e.w.Len()
}

func (e *Expr) op(b byte) *Expr {
	e.w.Byte(b)
	return e
}

func (e *Expr) Unreachable() *Expr { return e.op(OpUnreachable) }
func (e *Expr) Nop() *Expr         { return e.op(OpNop) }
func (e *Expr) End() *Expr         { return e.op(OpEnd) }
func (e *Expr) Return() *Expr      { return e.op(OpReturn) }
func (e *Expr) Drop() *Expr        { return e.op(OpDrop) }
func (e *Expr) I32Eqz() *Expr      { return e.op(OpI32Eqz) }
func (e *Expr) I32Add() *Expr      { return e.op(OpI32Add) }

// Block opens a block without results.
func (e *Expr) Block() *Expr {
	e.w.Byte(OpBlock)
	e.w.Byte(BlockTypeVoid)
	return e
}

// Loop opens a loop without results.
func (e *Expr) Loop() *Expr {
	e.w.Byte(OpLoop)
	e.w.Byte(BlockTypeVoid)
	return e
}

func (e *Expr) Br(label uint32) *Expr {
	e.w.Byte(OpBr)
	e.w.WriteU32(label)
	return e
}

func (e *Expr) BrIf(label uint32) *Expr {
	e.w.Byte(OpBrIf)
	e.w.WriteU32(label)
	return e
}

func (e *Expr) Call(funcIdx uint32) *Expr {
	e.w.Byte(OpCall)
	e.w.WriteU32(funcIdx)
	return e
}

func (e *Expr) LocalGet(idx uint32) *Expr {
	e.w.Byte(OpLocalGet)
	e.w.WriteU32(idx)
	return e
}

func (e *Expr) LocalSet(idx uint32) *Expr {
	e.w.Byte(OpLocalSet)
	e.w.WriteU32(idx)
	return e
}

func (e *Expr) I32Const(v int32) *Expr {
	e.w.Byte(OpI32Const)
	e.w.WriteS64(int64(v))
	return e
}

func (e *Expr) I64Const(v int64) *Expr {
	e.w.Byte(OpI64Const)
	e.w.WriteS64(v)
	return e
}

// I32Load loads from memory 0 with natural alignment.
func (e *Expr) I32Load(offset uint32) *Expr {
	e.w.Byte(OpI32Load)
	e.w.WriteU32(2)
	e.w.WriteU32(offset)
	return e
}

// I32Store stores to memory 0 with natural alignment.
func (e *Expr) I32Store(offset uint32) *Expr {
	e.w.Byte(OpI32Store)
	e.w.WriteU32(2)
	e.w.WriteU32(offset)
	return e
}

// ConstOffset returns the constant expression `i32.const v; end` used as a
// data segment offset.
func ConstOffset(v uint32) []byte {
	return NewExpr().I32Const(int32(v)).End().Bytes()
}
