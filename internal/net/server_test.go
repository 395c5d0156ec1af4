package net

import (
	"context"
	"encoding/binary"
	"io"
	"math"
	"net"
	"testing"
	"time"

	"bourse/internal/book"
	"bourse/internal/broker"
	. "bourse/internal/common"
	"bourse/internal/engine"
	"bourse/internal/liquidity"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Setup & Helpers --------------------------------------------------------

type testGateway struct {
	broker *broker.Broker
	engine *engine.Engine
	addr   string
	done   chan error
	cancel context.CancelFunc
}

func startGateway(t *testing.T) *testGateway {
	t.Helper()
	b := broker.New(decimal.NewFromInt(10_000), nil)
	eng := engine.New(book.New(), b, liquidity.New(liquidity.DefaultConfig()), nil)
	g := serveExchange(t, eng)
	g.broker, g.engine = b, eng
	return g
}

// serveExchange runs a gateway in front of exchange on a loopback port.
func serveExchange(t *testing.T, exchange Exchange) *testGateway {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	g := &testGateway{
		addr:   listener.Addr().String(),
		done:   make(chan error, 1),
		cancel: cancel,
	}
	srv := New(g.addr, exchange)
	go func() { g.done <- srv.Serve(ctx, listener) }()

	t.Cleanup(func() {
		cancel()
		select {
		case <-g.done:
		case <-time.After(2 * time.Second):
			t.Error("gateway did not shut down")
		}
	})
	return g
}

func (g *testGateway) dial(t *testing.T) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", g.addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn net.Conn, frame []byte) {
	t.Helper()
	_, err := conn.Write(frame)
	require.NoError(t, err)
}

func receive(t *testing.T, conn net.Conn) Report {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	header := make([]byte, FrameHeaderLen)
	_, err := io.ReadFull(conn, header)
	require.NoError(t, err)
	body := make([]byte, binary.BigEndian.Uint32(header))
	_, err = io.ReadFull(conn, body)
	require.NoError(t, err)
	report, err := ParseReport(body)
	require.NoError(t, err)
	return report
}

func limitOrder(client string, side Side, price float64, qty uint64) []byte {
	return NewOrderMessage{
		OrderType:  LimitOrder,
		Side:       side,
		Ticker:     "AAPL",
		LimitPrice: price,
		Quantity:   qty,
		Client:     client,
	}.Encode()
}

// --- Tests ------------------------------------------------------------------

func TestGateway_PlaceMatchAndSnapshot(t *testing.T) {
	g := startGateway(t)
	require.NoError(t, g.broker.Grant("alice", "AAPL", 10))
	alice := g.dial(t)
	bob := g.dial(t)

	// 1. Alice rests an offer.
	send(t, alice, limitOrder("alice", Sell, 101.5, 10))
	offer := receive(t, alice)
	require.Equal(t, ExecutionReport, offer.MessageType)
	assert.Empty(t, offer.Err)
	assert.Equal(t, Pending, offer.Status)
	assert.EqualValues(t, 10, offer.Remaining)
	assert.NotEmpty(t, offer.OrderUUID)

	// 2. Bob lifts part of it with a market order.
	send(t, bob, NewOrderMessage{OrderType: MarketOrder, Side: Buy, Ticker: "AAPL", Quantity: 4, Client: "bob"}.Encode())
	fill := receive(t, bob)
	require.Equal(t, ExecutionReport, fill.MessageType)
	assert.Equal(t, Executed, fill.Status)
	require.Len(t, fill.Fills, 1)
	assert.Equal(t, Fill{Quantity: 4, Price: 101.5, Counterparty: "alice"}, fill.Fills[0])

	// 3. The book shows what is left.
	send(t, bob, SnapshotMessage{Ticker: "AAPL"}.Encode())
	snapshot := receive(t, bob)
	require.Equal(t, BookReport, snapshot.MessageType)
	require.Len(t, snapshot.Orders, 1)
	assert.Equal(t, RestingOrder{UUID: offer.OrderUUID, Side: Sell, Price: 101.5, Remaining: 6, Owner: "alice"}, snapshot.Orders[0])

	assert.EqualValues(t, 4, g.broker.Position("bob", "AAPL").Size)
}

func TestGateway_Cancel(t *testing.T) {
	g := startGateway(t)
	conn := g.dial(t)

	send(t, conn, limitOrder("carol", Buy, 10, 5))
	placed := receive(t, conn)
	require.Empty(t, placed.Err)

	send(t, conn, CancelOrderMessage{OrderUUID: placed.OrderUUID, Client: "mallory"}.Encode())
	denied := receive(t, conn)
	assert.Equal(t, CancelReport, denied.MessageType)
	assert.False(t, denied.Canceled)

	send(t, conn, CancelOrderMessage{OrderUUID: placed.OrderUUID, Client: "carol"}.Encode())
	accepted := receive(t, conn)
	assert.True(t, accepted.Canceled)
	assert.Equal(t, placed.OrderUUID, accepted.OrderUUID)
	assert.Empty(t, g.engine.Orders("AAPL"))
}

func TestGateway_RejectedOrderReportsError(t *testing.T) {
	g := startGateway(t)
	conn := g.dial(t)

	send(t, conn, limitOrder("dave", Buy, 10, 0))
	report := receive(t, conn)

	assert.Equal(t, ExecutionReport, report.MessageType)
	assert.Contains(t, report.Err, "invalid order")
	assert.Equal(t, Canceled, report.Status)
	assert.Empty(t, report.OrderUUID)
}

func TestGateway_FrameSplitAcrossPolls(t *testing.T) {
	g := startGateway(t)
	conn := g.dial(t)

	// A heartbeat needs no reply; the snapshot after it must still arrive.
	send(t, conn, EncodeHeartbeat())

	frame := SnapshotMessage{Ticker: "AAPL"}.Encode()
	send(t, conn, frame[:3])
	time.Sleep(3 * defaultPollTimeout)
	send(t, conn, frame[3:])

	report := receive(t, conn)
	assert.Equal(t, BookReport, report.MessageType)
	assert.Equal(t, "AAPL", report.Ticker)
}

func TestGateway_MalformedMessageClosesSession(t *testing.T) {
	g := startGateway(t)
	conn := g.dial(t)

	frame := make([]byte, FrameHeaderLen+2)
	binary.BigEndian.PutUint32(frame, 2)
	binary.BigEndian.PutUint16(frame[FrameHeaderLen:], 77)
	send(t, conn, frame)

	report := receive(t, conn)
	assert.Equal(t, ErrorReport, report.MessageType)
	assert.Equal(t, ErrInvalidMessageType.Error(), report.Err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestGateway_OversizedFrameRejected(t *testing.T) {
	g := startGateway(t)
	conn := g.dial(t)

	header := make([]byte, FrameHeaderLen)
	binary.BigEndian.PutUint32(header, MaxFrameLen+1)
	send(t, conn, header)

	report := receive(t, conn)
	assert.Equal(t, ErrorReport, report.MessageType)
	assert.Contains(t, report.Err, ErrFrameTooLarge.Error())
}

func TestGateway_ShutdownClosesSessions(t *testing.T) {
	g := startGateway(t)
	conn := g.dial(t)

	send(t, conn, SnapshotMessage{Ticker: "AAPL"}.Encode())
	receive(t, conn)

	g.cancel()
	select {
	case err := <-g.done:
		assert.NoError(t, err)
		g.done <- err
	case <-time.After(2 * time.Second):
		t.Fatal("gateway did not shut down")
	}

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := conn.Read(make([]byte, 1))
	assert.Error(t, err)
}

type panickingExchange struct{}

func (panickingExchange) Submit(*Order) (engine.Report, error) { panic("settlement exploded") }
func (panickingExchange) Cancel(string, string) bool { return false }
func (panickingExchange) Orders(string) []Order { return nil }

func TestGateway_NonFinitePriceRejected(t *testing.T) {
	g := startGateway(t)
	conn := g.dial(t)

	send(t, conn, limitOrder("erin", Buy, math.NaN(), 1))
	report := receive(t, conn)
	assert.Equal(t, ErrorReport, report.MessageType)
	assert.Equal(t, ErrInvalidPrice.Error(), report.Err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)

	// The gateway is still serving other clients.
	other := g.dial(t)
	send(t, other, SnapshotMessage{Ticker: "AAPL"}.Encode())
	assert.Equal(t, BookReport, receive(t, other).MessageType)
}

func TestGateway_PanicInExchangeClosesOnlyThatSession(t *testing.T) {
	g := serveExchange(t, panickingExchange{})
	conn := g.dial(t)

	send(t, conn, limitOrder("frank", Buy, 10, 1))
	report := receive(t, conn)
	assert.Equal(t, ErrorReport, report.MessageType)
	assert.Contains(t, report.Err, ErrInternal.Error())

	other := g.dial(t)
	send(t, other, SnapshotMessage{Ticker: "AAPL"}.Encode())
	assert.Equal(t, BookReport, receive(t, other).MessageType)
}
