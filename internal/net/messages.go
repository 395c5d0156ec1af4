package net

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	. "bourse/internal/common"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidMessageType = errors.New("invalid message type")
	ErrMessageTooShort    = errors.New("message too short")
	ErrFrameTooLarge      = errors.New("frame exceeds maximum size")
	ErrInvalidPrice       = errors.New("price is not a finite number")
)

// Every message on the wire is a frame: a 4 byte big-endian payload length
// followed by the payload. Strings are length prefixed.
const (
	FrameHeaderLen  = 4
	MaxFrameLen     = 4 * 1024
	BaseMessageLen  = 2
	maxShortString  = math.MaxUint8
	maxReportString = math.MaxUint16
)

type MessageType uint16

const (
	Heartbeat MessageType = iota
	NewOrder
	CancelOrder
	Snapshot
)

type ReportMessageType uint8

const (
	ExecutionReport ReportMessageType = iota
	CancelReport
	BookReport
	ErrorReport
)

type Message interface {
	GetType() MessageType
}

// Generic message type.
type BaseMessage struct {
	TypeOf MessageType // 2 bytes
}

func (m BaseMessage) GetType() MessageType {
	return m.TypeOf
}

type NewOrderMessage struct {
	BaseMessage
	OrderType  OrderType // 1 byte
	Side       Side      // 1 byte
	Ticker     string    // 1 + n bytes
	LimitPrice float64   // 8 bytes
	Quantity   uint64    // 8 bytes
	Client     string    // 1 + n bytes
}

// Order converts the message into an order ready for submission. The
// engine assigns the id. A non-finite price becomes zero, which the engine
// rejects for limit orders.
func (m NewOrderMessage) Order() *Order {
	price := decimal.Zero
	if !math.IsNaN(m.LimitPrice) && !math.IsInf(m.LimitPrice, 0) {
		price = decimal.NewFromFloat(m.LimitPrice)
	}
	return &Order{
		OrderType:     m.OrderType,
		Ticker:        m.Ticker,
		Side:          m.Side,
		LimitPrice:    price,
		Quantity:      int64(m.Quantity),
		TotalQuantity: int64(m.Quantity),
		Owner:         m.Client,
	}
}

type CancelOrderMessage struct {
	BaseMessage
	OrderUUID string // 1 + n bytes
	Client    string // 1 + n bytes
}

type SnapshotMessage struct {
	BaseMessage
	Ticker string // 1 + n bytes
}

func (m NewOrderMessage) Encode() []byte {
	w := newWriter(NewOrder)
	w.u8(uint8(m.OrderType))
	w.u8(uint8(m.Side))
	w.str8(m.Ticker)
	w.f64(m.LimitPrice)
	w.u64(m.Quantity)
	w.str8(m.Client)
	return w.frame()
}

func (m CancelOrderMessage) Encode() []byte {
	w := newWriter(CancelOrder)
	w.str8(m.OrderUUID)
	w.str8(m.Client)
	return w.frame()
}

func (m SnapshotMessage) Encode() []byte {
	w := newWriter(Snapshot)
	w.str8(m.Ticker)
	return w.frame()
}

func EncodeHeartbeat() []byte {
	return newWriter(Heartbeat).frame()
}

// ParseMessage decodes a frame payload (without the length header).
func ParseMessage(msg []byte) (Message, error) {
	if len(msg) < BaseMessageLen {
		return BaseMessage{}, ErrMessageTooShort
	}

	typeOf := MessageType(binary.BigEndian.Uint16(msg[0:2]))
	r := &reader{buf: msg[2:]}
	switch typeOf {
	case Heartbeat:
		return BaseMessage{TypeOf: Heartbeat}, nil
	case NewOrder:
		m := NewOrderMessage{BaseMessage: BaseMessage{TypeOf: NewOrder}}
		m.OrderType = OrderType(r.u8())
		m.Side = Side(r.u8())
		m.Ticker = r.str8()
		m.LimitPrice = r.f64()
		m.Quantity = r.u64()
		m.Client = r.str8()
		if r.err != nil {
			return m, r.err
		}
		if math.IsNaN(m.LimitPrice) || math.IsInf(m.LimitPrice, 0) {
			return m, ErrInvalidPrice
		}
		return m, nil
	case CancelOrder:
		m := CancelOrderMessage{BaseMessage: BaseMessage{TypeOf: CancelOrder}}
		m.OrderUUID = r.str8()
		m.Client = r.str8()
		return m, r.err
	case Snapshot:
		m := SnapshotMessage{BaseMessage: BaseMessage{TypeOf: Snapshot}}
		m.Ticker = r.str8()
		return m, r.err
	default:
		return BaseMessage{}, ErrInvalidMessageType
	}
}

// Fill is one execution inside an execution report.
type Fill struct {
	Quantity     uint64
	Price        float64
	Counterparty string
}

// RestingOrder is one order inside a book report.
type RestingOrder struct {
	UUID      string
	Side      Side
	Price     float64
	Remaining uint64
	Owner     string
}

// Report is any server to client message. Only the fields of its
// MessageType are populated.
type Report struct {
	MessageType ReportMessageType
	OrderUUID   string         // Execution, Cancel
	Status      Status         // Execution
	Remaining   uint64         // Execution
	Fills       []Fill         // Execution
	Canceled    bool           // Cancel
	Ticker      string         // Book
	Orders      []RestingOrder // Book
	Err         string         // Execution, Error
}

// Serialize converts the report to a frame to be sent on the wire.
func (r *Report) Serialize() ([]byte, error) {
	w := &writer{}
	w.u8(uint8(r.MessageType))
	switch r.MessageType {
	case ExecutionReport:
		w.str8(r.OrderUUID)
		w.u8(uint8(r.Status))
		w.u64(r.Remaining)
		w.u16(uint16(len(r.Fills)))
		for _, f := range r.Fills {
			w.u64(f.Quantity)
			w.f64(f.Price)
			w.str8(f.Counterparty)
		}
		w.str16(r.Err)
	case CancelReport:
		w.str8(r.OrderUUID)
		w.bool(r.Canceled)
	case BookReport:
		w.str8(r.Ticker)
		w.u32(uint32(len(r.Orders)))
		for _, o := range r.Orders {
			w.str8(o.UUID)
			w.u8(uint8(o.Side))
			w.f64(o.Price)
			w.u64(o.Remaining)
			w.str8(o.Owner)
		}
	case ErrorReport:
		w.str16(r.Err)
	default:
		return nil, ErrInvalidMessageType
	}
	if w.err != nil {
		return nil, w.err
	}
	return w.frame(), nil
}

// ParseReport decodes a report frame payload (without the length header).
func ParseReport(msg []byte) (Report, error) {
	if len(msg) < 1 {
		return Report{}, ErrMessageTooShort
	}
	report := Report{MessageType: ReportMessageType(msg[0])}
	r := &reader{buf: msg[1:]}
	switch report.MessageType {
	case ExecutionReport:
		report.OrderUUID = r.str8()
		report.Status = Status(r.u8())
		report.Remaining = r.u64()
		n := int(r.u16())
		for i := 0; i < n && r.err == nil; i++ {
			report.Fills = append(report.Fills, Fill{
				Quantity:     r.u64(),
				Price:        r.f64(),
				Counterparty: r.str8(),
			})
		}
		report.Err = r.str16()
	case CancelReport:
		report.OrderUUID = r.str8()
		report.Canceled = r.u8() == 1
	case BookReport:
		report.Ticker = r.str8()
		n := int(r.u32())
		for i := 0; i < n && r.err == nil; i++ {
			report.Orders = append(report.Orders, RestingOrder{
				UUID:      r.str8(),
				Side:      Side(r.u8()),
				Price:     r.f64(),
				Remaining: r.u64(),
				Owner:     r.str8(),
			})
		}
	case ErrorReport:
		report.Err = r.str16()
	default:
		return Report{}, ErrInvalidMessageType
	}
	return report, r.err
}

// ---- Wire helpers ----

type writer struct {
	buf []byte
	err error
}

func newWriter(typeOf MessageType) *writer {
	w := &writer{}
	w.u16(uint16(typeOf))
	return w
}

func (w *writer) u8(v uint8)   { w.buf = append(w.buf, v) }
func (w *writer) u16(v uint16) { w.buf = binary.BigEndian.AppendUint16(w.buf, v) }
func (w *writer) u32(v uint32) { w.buf = binary.BigEndian.AppendUint32(w.buf, v) }
func (w *writer) u64(v uint64) { w.buf = binary.BigEndian.AppendUint64(w.buf, v) }
func (w *writer) f64(v float64) {
	w.u64(math.Float64bits(v))
}

func (w *writer) bool(v bool) {
	if v {
		w.u8(1)
	} else {
		w.u8(0)
	}
}

func (w *writer) str8(s string) {
	if len(s) > maxShortString {
		w.err = fmt.Errorf("string of %d bytes does not fit a 1 byte length", len(s))
		s = s[:maxShortString]
	}
	w.u8(uint8(len(s)))
	w.buf = append(w.buf, s...)
}

func (w *writer) str16(s string) {
	if len(s) > maxReportString {
		s = s[:maxReportString]
	}
	w.u16(uint16(len(s)))
	w.buf = append(w.buf, s...)
}

// frame prefixes the payload with its length.
func (w *writer) frame() []byte {
	out := make([]byte, FrameHeaderLen, FrameHeaderLen+len(w.buf))
	binary.BigEndian.PutUint32(out, uint32(len(w.buf)))
	return append(out, w.buf...)
}

// reader records the first short read and returns zero values after it.
type reader struct {
	buf []byte
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.buf) < n {
		r.err = ErrMessageTooShort
		return nil
	}
	out := r.buf[:n]
	r.buf = r.buf[n:]
	return out
}

func (r *reader) u8() uint8 {
	if b := r.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *reader) u16() uint16 {
	if b := r.take(2); b != nil {
		return binary.BigEndian.Uint16(b)
	}
	return 0
}

func (r *reader) u32() uint32 {
	if b := r.take(4); b != nil {
		return binary.BigEndian.Uint32(b)
	}
	return 0
}

func (r *reader) u64() uint64 {
	if b := r.take(8); b != nil {
		return binary.BigEndian.Uint64(b)
	}
	return 0
}

func (r *reader) f64() float64 {
	return math.Float64frombits(r.u64())
}

func (r *reader) str8() string {
	return string(r.take(int(r.u8())))
}

func (r *reader) str16() string {
	return string(r.take(int(r.u16())))
}
