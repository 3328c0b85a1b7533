// Package ptp implements the PTP/MTP wire codec: container framing,
// operation/response/event code enumerations, and the small set of
// response codes the core maps to semantic errors.
//
// Wire format (spec.md §3.2): a fixed 12-byte header
// {length:u32, kind:u16, code:u16, transactionId:u32} followed by a
// payload whose shape depends on kind.
package ptp

import (
	"fmt"

	"github.com/mtpusbd/mtpusbd/internal/leconv"
)

// Kind identifies the PTP container type.
type Kind uint16

// Container kinds, per the USB Still Image Capture class spec.
const (
	KindCommand  Kind = 1
	KindData     Kind = 2
	KindResponse Kind = 3
	KindEvent    Kind = 4
)

// String returns a human-readable Kind name.
func (k Kind) String() string {
	switch k {
	case KindCommand:
		return "Command"
	case KindData:
		return "Data"
	case KindResponse:
		return "Response"
	case KindEvent:
		return "Event"
	default:
		return fmt.Sprintf("Kind(%d)", uint16(k))
	}
}

// HeaderLen is the size, in bytes, of the fixed PTP container header.
const HeaderLen = 12

// MaxCommandParams is the maximum number of 32-bit parameters a
// Command container may carry.
const MaxCommandParams = 5

// Container represents one decoded PTP container.
type Container struct {
	Kind          Kind
	Code          uint16
	TransactionID uint32
	Params        []uint32 // valid for Command/Response/Event
	Payload       []byte   // valid for Data
}

// EncodeCommand builds a Command container carrying up to
// MaxCommandParams 32-bit parameters.
func EncodeCommand(code uint16, txnID uint32, params []uint32) []byte {
	if len(params) > MaxCommandParams {
		params = params[:MaxCommandParams]
	}

	length := HeaderLen + 4*len(params)
	buf := make([]byte, 0, length)
	buf = append(buf, leconv.PutUint32(uint32(length))...)
	buf = append(buf, leconv.PutUint16(uint16(KindCommand))...)
	buf = append(buf, leconv.PutUint16(code)...)
	buf = append(buf, leconv.PutUint32(txnID)...)

	for _, p := range params {
		buf = append(buf, leconv.PutUint32(p)...)
	}

	return buf
}

// EncodeData builds a Data container carrying payload, linked to the
// command transaction txnID.
func EncodeData(code uint16, txnID uint32, payload []byte) []byte {
	length := HeaderLen + len(payload)
	buf := make([]byte, 0, length)
	buf = append(buf, leconv.PutUint32(uint32(length))...)
	buf = append(buf, leconv.PutUint16(uint16(KindData))...)
	buf = append(buf, leconv.PutUint16(code)...)
	buf = append(buf, leconv.PutUint32(txnID)...)
	buf = append(buf, payload...)

	return buf
}

// EncodeResponse builds a Response container carrying up to
// MaxCommandParams 32-bit parameters. Mostly used by device-simulation
// test fixtures; the host side only parses responses.
func EncodeResponse(code uint16, txnID uint32, params []uint32) []byte {
	if len(params) > MaxCommandParams {
		params = params[:MaxCommandParams]
	}

	length := HeaderLen + 4*len(params)
	buf := make([]byte, 0, length)
	buf = append(buf, leconv.PutUint32(uint32(length))...)
	buf = append(buf, leconv.PutUint16(uint16(KindResponse))...)
	buf = append(buf, leconv.PutUint16(code)...)
	buf = append(buf, leconv.PutUint32(txnID)...)

	for _, p := range params {
		buf = append(buf, leconv.PutUint32(p)...)
	}

	return buf
}

// ErrShortHeader is returned by Parse when b is too small to hold a
// container header.
type ErrShortHeader struct{ Len int }

func (e ErrShortHeader) Error() string {
	return fmt.Sprintf("ptp: short container: %d bytes, need at least %d", e.Len, HeaderLen)
}

// ErrBadLength is returned by Parse when the declared length field is
// inconsistent with the supplied buffer.
type ErrBadLength struct{ Declared, Have int }

func (e ErrBadLength) Error() string {
	return fmt.Sprintf("ptp: bad container length: declared %d, have %d bytes", e.Declared, e.Have)
}

// ErrBadKind is returned by Parse when the kind field is not one of
// the four known container kinds.
type ErrBadKind struct{ Kind uint16 }

func (e ErrBadKind) Error() string {
	return fmt.Sprintf("ptp: unknown container kind %d", e.Kind)
}

// Parse decodes a single PTP container from b.
//
// It rejects (returns an error, never panics) if length < HeaderLen,
// length > len(b), or kind is not one of the four known kinds. This
// function must never crash on arbitrary input -- it is the target of
// the fuzz property in spec.md §8.1.
func Parse(b []byte) (Container, error) {
	if len(b) < HeaderLen {
		return Container{}, ErrShortHeader{Len: len(b)}
	}

	length, _ := leconv.Uint32(b, 0)
	kindRaw, _ := leconv.Uint16(b, 4)
	code, _ := leconv.Uint16(b, 6)
	txnID, _ := leconv.Uint32(b, 8)

	if int(length) < HeaderLen {
		return Container{}, ErrBadLength{Declared: int(length), Have: len(b)}
	}
	if int(length) > len(b) {
		return Container{}, ErrBadLength{Declared: int(length), Have: len(b)}
	}

	kind := Kind(kindRaw)
	switch kind {
	case KindCommand, KindData, KindResponse, KindEvent:
	default:
		return Container{}, ErrBadKind{Kind: kindRaw}
	}

	c := Container{Kind: kind, Code: code, TransactionID: txnID}

	body := b[HeaderLen:int(length)]

	switch kind {
	case KindData:
		c.Payload = append([]byte(nil), body...)
	default:
		n := len(body) / 4
		if n > 0 {
			c.Params = make([]uint32, n)
			for i := 0; i < n; i++ {
				c.Params[i], _ = leconv.Uint32(body, i*4)
			}
		}
	}

	return c, nil
}
