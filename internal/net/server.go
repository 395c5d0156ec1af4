package net

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	. "bourse/internal/common"
	"bourse/internal/engine"
	"bourse/internal/utils"

	"github.com/rs/zerolog/log"
	tomb "gopkg.in/tomb.v2"
)

const (
	defaultNWorkers    = 10
	defaultPollTimeout = 50 * time.Millisecond
	defaultWriteWait   = 5 * time.Second
)

var (
	ErrImproperConversion = errors.New("improper type conversion")
	ErrInternal           = errors.New("internal error")
)

// Exchange is what the gateway submits to.
type Exchange interface {
	Submit(order *Order) (engine.Report, error)
	Cancel(orderID, clientID string) bool
	Orders(ticker string) []Order
}

// ClientSession contains relevant information pertaining to an individual
// connected TCP session.
type ClientSession struct {
	conn   net.Conn
	reader *bufio.Reader

	writeLock sync.Mutex
}

func (c *ClientSession) address() string {
	return c.conn.RemoteAddr().String()
}

type Server struct {
	address  string
	exchange Exchange
	pool     utils.WorkerPool

	// Read deadline for a single poll of a session. A session with nothing
	// to read goes back in the pool so an idle client never pins a worker.
	pollTimeout time.Duration

	clientSessions     map[string]*ClientSession
	clientSessionsLock sync.Mutex
}

func New(address string, exchange Exchange) *Server {
	return &Server{
		address:        address,
		exchange:       exchange,
		pool:           utils.NewWorkerPool(defaultNWorkers),
		pollTimeout:    defaultPollTimeout,
		clientSessions: make(map[string]*ClientSession),
	}
}

// Run listens on the server address and serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", s.address)
	if err != nil {
		return fmt.Errorf("unable to start listener: %w", err)
	}
	return s.Serve(ctx, listener)
}

// Serve accepts connections from listener until ctx is done or a worker
// fails. The listener and every open session are closed on return.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	t, _ := tomb.WithContext(ctx)

	// Start the worker pool.
	s.pool.Setup(t, s.handleConnection)

	// Unblock Accept once we are told to stop.
	t.Go(func() error {
		<-t.Dying()
		if err := listener.Close(); err != nil {
			log.Error().Err(err).Msg("unable to close listener")
		}
		s.closeSessions()
		return nil
	})

	t.Go(func() error {
		return s.accept(t, listener)
	})

	log.Info().Str("address", listener.Addr().String()).Msg("gateway running")
	err := t.Wait()
	log.Info().Msg("gateway shut down")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Server) accept(t *tomb.Tomb, listener net.Listener) error {
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-t.Dying():
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Error().Err(err).Msg("error accepting client")
			continue
		}

		// We expect to potentially maintain a long TCP session.
		session := s.addClientSession(conn)
		log.Info().Str("address", session.address()).Msg("new client added")

		// Pass over the connection to be read from.
		if !s.pool.AddTask(t, session) {
			s.deleteClientSession(session)
			return nil
		}
	}
}

// handleConnection is a short-lived worker method which serves every frame
// already available on a session, then hands the session back to the pool.
// A partial frame stays buffered in the session reader across polls.
// Note, any error returned from here is fatal.
func (s *Server) handleConnection(t *tomb.Tomb, task any) error {
	session, ok := task.(*ClientSession)
	if !ok {
		return ErrImproperConversion
	}

	for {
		select {
		case <-t.Dying():
			s.deleteClientSession(session)
			return nil
		default:
		}

		if err := session.conn.SetReadDeadline(time.Now().Add(s.pollTimeout)); err != nil {
			log.Error().Err(err).Str("address", session.address()).Msg("failed setting deadline for connection")
			s.deleteClientSession(session)
			return nil
		}

		payload, err := readFrame(session.reader)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				s.requeue(t, session)
				return nil
			}
			if errors.Is(err, ErrFrameTooLarge) {
				s.reply(session, &Report{MessageType: ErrorReport, Err: err.Error()})
			} else if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Error().Err(err).Str("address", session.address()).Msg("error reading from connection")
			}
			s.deleteClientSession(session)
			return nil
		}

		message, err := ParseMessage(payload)
		if err != nil {
			log.Error().Err(err).Str("address", session.address()).Msg("error parsing message")
			s.reply(session, &Report{MessageType: ErrorReport, Err: err.Error()})
			s.deleteClientSession(session)
			return nil
		}

		report, err := s.safeHandle(message)
		if err != nil {
			log.Error().Err(err).Str("address", session.address()).Msg("error handling message")
			s.reply(session, &Report{MessageType: ErrorReport, Err: err.Error()})
			s.deleteClientSession(session)
			return nil
		}
		if report != nil {
			if !s.reply(session, report) {
				s.deleteClientSession(session)
				return nil
			}
		}
	}
}

// handleMessage dispatches one request and builds its reply.
// safeHandle keeps a panic while serving one message from taking down the
// worker pool.
func (s *Server) safeHandle(message Message) (report *Report, err error) {
	defer func() {
		if r := recover(); r != nil {
			report, err = nil, fmt.Errorf("%w: %v", ErrInternal, r)
		}
	}()
	return s.handleMessage(message), nil
}

func (s *Server) handleMessage(message Message) *Report {
	switch m := message.(type) {
	case NewOrderMessage:
		order := m.Order()
		result, err := s.exchange.Submit(order)
		report := &Report{
			MessageType: ExecutionReport,
			OrderUUID:   result.OrderID,
			Status:      result.Status,
			Remaining:   uint64(result.Remaining),
		}
		if err != nil {
			report.Err = err.Error()
			if result.OrderID == "" {
				report.Status = Canceled
				report.Remaining = m.Quantity
			}
		}
		for _, trade := range result.Trades {
			report.Fills = append(report.Fills, Fill{
				Quantity:     uint64(trade.MatchQty),
				Price:        trade.Price.InexactFloat64(),
				Counterparty: trade.MakerOwner,
			})
		}
		return report

	case CancelOrderMessage:
		return &Report{
			MessageType: CancelReport,
			OrderUUID:   m.OrderUUID,
			Canceled:    s.exchange.Cancel(m.OrderUUID, m.Client),
		}

	case SnapshotMessage:
		report := &Report{MessageType: BookReport, Ticker: m.Ticker}
		for _, o := range s.exchange.Orders(m.Ticker) {
			report.Orders = append(report.Orders, RestingOrder{
				UUID:      o.UUID,
				Side:      o.Side,
				Price:     o.LimitPrice.InexactFloat64(),
				Remaining: uint64(o.Quantity),
				Owner:     o.Owner,
			})
		}
		return report

	default:
		// Heartbeats need no reply.
		return nil
	}
}

func (s *Server) reply(session *ClientSession, report *Report) bool {
	frame, err := report.Serialize()
	if err != nil {
		log.Error().Err(err).Str("address", session.address()).Msg("unable to serialize report")
		frame, _ = (&Report{MessageType: ErrorReport, Err: err.Error()}).Serialize()
	}

	session.writeLock.Lock()
	defer session.writeLock.Unlock()
	_ = session.conn.SetWriteDeadline(time.Now().Add(defaultWriteWait))
	if _, err := session.conn.Write(frame); err != nil {
		log.Error().Err(err).Str("address", session.address()).Msg("unable to send report")
		return false
	}
	return true
}

// requeue hands a session back to the pool without ever blocking the
// worker calling it, since only workers drain the pool.
func (s *Server) requeue(t *tomb.Tomb, session *ClientSession) {
	if s.pool.TryAddTask(session) {
		return
	}
	go func() {
		if !s.pool.AddTask(t, session) {
			s.deleteClientSession(session)
		}
	}()
}

// readFrame reads one length prefixed frame. On a read timeout nothing is
// consumed, so the next poll resumes the same frame.
func readFrame(r *bufio.Reader) ([]byte, error) {
	header, err := r.Peek(FrameHeaderLen)
	if err != nil {
		return nil, err
	}
	n := int(binary.BigEndian.Uint32(header))
	if n > MaxFrameLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}

	frame, err := r.Peek(FrameHeaderLen + n)
	if err != nil {
		return nil, err
	}
	payload := make([]byte, n)
	copy(payload, frame[FrameHeaderLen:])
	if _, err := r.Discard(FrameHeaderLen + n); err != nil {
		return nil, err
	}
	return payload, nil
}

// Sessions is the number of connected clients.
func (s *Server) Sessions() int {
	s.clientSessionsLock.Lock()
	defer s.clientSessionsLock.Unlock()
	return len(s.clientSessions)
}

// addClientSession is an atomic map add
func (s *Server) addClientSession(conn net.Conn) *ClientSession {
	session := &ClientSession{
		conn:   conn,
		reader: bufio.NewReaderSize(conn, FrameHeaderLen+MaxFrameLen),
	}

	s.clientSessionsLock.Lock()
	defer s.clientSessionsLock.Unlock()
	s.clientSessions[session.address()] = session
	return session
}

// deleteClientSession is an atomic map remove that also closes the
// connection.
func (s *Server) deleteClientSession(session *ClientSession) {
	s.clientSessionsLock.Lock()
	if current, ok := s.clientSessions[session.address()]; ok && current == session {
		delete(s.clientSessions, session.address())
	}
	s.clientSessionsLock.Unlock()

	if err := session.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		log.Error().Err(err).Str("address", session.address()).Msg("unable to close connection")
	}
}

func (s *Server) closeSessions() {
	s.clientSessionsLock.Lock()
	sessions := s.clientSessions
	s.clientSessions = make(map[string]*ClientSession)
	s.clientSessionsLock.Unlock()

	for _, session := range sessions {
		_ = session.conn.Close()
	}
}
