// Package pgwire implements the PostgreSQL wire protocol front end of the gateway:
// startup, simple and unnamed extended queries, and cancel requests.
package pgwire

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/time/rate"
)

const (
	pgProtocolVersion3 int32 = 196608
	pgSSLRequestCode   int32 = 80877103
	pgCancelReqCode    int32 = 80877102
)

// ServerVersion is reported to clients in ParameterStatus.
const ServerVersion = "16.0"

// ConnInfo describes an accepted client connection.
type ConnInfo struct {
	User            string
	Database        string
	ApplicationName string
	RemoteHost      string
	RemotePort      int
	ProcessID       int32
}

// Result is the outcome of one statement.
type Result struct {
	Columns []string
	Rows    [][]any
	Tag     string // CommandComplete tag, e.g. "SELECT 3"
}

// Handler serves the statements of one connection. Calls never overlap.
type Handler interface {
	// Query runs a simple-query string, which may hold several statements. The
	// results of statements that completed before a failure are returned with
	// the error.
	Query(ctx context.Context, sql string) ([]*Result, error)
	// Execute runs one statement of the extended protocol with its parameters.
	Execute(ctx context.Context, sql string, params []Param) (*Result, error)
	// Close is called once when the client disconnects.
	Close()
}

// HandlerFactory creates the handler of an accepted connection. An error rejects
// the connection.
type HandlerFactory func(ctx context.Context, info ConnInfo) (Handler, error)

// Option configures a Server.
type Option func(*Server)

// WithConnectionRateLimit limits how fast new connections are accepted. Connections
// over the limit are refused with SQLSTATE 53300.
func WithConnectionRateLimit(perSecond float64, burst int) Option {
	return func(s *Server) {
		if perSecond > 0 {
			s.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

// Server is a PostgreSQL wire listener.
type Server struct {
	addr    string
	logger  *slog.Logger
	factory HandlerFactory
	limiter *rate.Limiter

	mu            sync.Mutex
	ln            net.Listener
	wg            sync.WaitGroup
	queryMu       sync.Mutex
	activeQueries map[backendKey]context.CancelFunc
}

type extendedState struct {
	statement string
	paramOIDs []uint32
	portal    string
	params    []Param
	failed    bool // skip messages until Sync
}

type backendKey struct {
	processID int32
	secretKey int32
}

// NewServer creates a listener that hands every connection to a handler built by
// factory.
func NewServer(addr string, logger *slog.Logger, factory HandlerFactory, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if factory == nil {
		factory = func(context.Context, ConnInfo) (Handler, error) {
			return nil, fmt.Errorf("pgwire handler is not configured")
		}
	}
	s := &Server{
		addr:          addr,
		logger:        logger,
		factory:       factory,
		activeQueries: make(map[backendKey]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start opens the listener and serves connections in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return fmt.Errorf("pgwire listener already started")
	}

	ln, err := (&net.ListenConfig{}).Listen(context.Background(), "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen pgwire: %w", err)
	}
	s.ln = ln
	s.wg.Add(1)
	go s.acceptLoop(ln)
	s.logger.Info("PG-wire listener enabled", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address, or "" when the server is not running.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Shutdown closes the listener and waits for open connections to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ln := s.ln
	s.ln = nil
	s.mu.Unlock()
	if ln == nil {
		return nil
	}
	if err := ln.Close(); err != nil {
		return fmt.Errorf("close pgwire listener: %w", err)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("pgwire shutdown: %w", ctx.Err())
	}
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		if s.limiter != nil && !s.limiter.Allow() {
			s.logger.Warn("connection refused by rate limit", "remote", conn.RemoteAddr().String())
			_ = writeErrorResponse(conn, "53300", "too many connection attempts")
			_ = conn.Close()
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer conn.Close() //nolint:errcheck
			s.handleConn(conn)
		}()
	}
}

func (s *Server) handleConn(conn net.Conn) {
	for {
		length, code, err := readStartupHeader(conn)
		if err != nil {
			return
		}
		if length < 8 {
			_ = writeProtocolError(conn, "invalid startup packet")
			return
		}
		payload := make([]byte, int(length)-8)
		if _, err := io.ReadFull(conn, payload); err != nil {
			return
		}

		switch code {
		case pgSSLRequestCode:
			if _, err := conn.Write([]byte{'N'}); err != nil {
				return
			}
		case pgCancelReqCode:
			if len(payload) == 8 {
				s.cancelQuery(backendKey{
					processID: int32(binary.BigEndian.Uint32(payload[0:4])),
					secretKey: int32(binary.BigEndian.Uint32(payload[4:8])),
				})
			}
			return
		case pgProtocolVersion3:
			s.startSession(conn, parseStartupParams(payload))
			return
		default:
			_ = writeErrorResponse(conn, "0A000", "unsupported startup protocol")
			return
		}
	}
}

func (s *Server) startSession(conn net.Conn, params map[string]string) {
	user := strings.TrimSpace(params["user"])
	if user == "" {
		_ = writeErrorResponse(conn, "28000", "startup user is required")
		return
	}
	key := newBackendKey()
	info := ConnInfo{
		User:            user,
		Database:        strings.TrimSpace(params["database"]),
		ApplicationName: params["application_name"],
		ProcessID:       key.processID,
	}
	if info.Database == "" {
		info.Database = user
	}
	if host, port, err := net.SplitHostPort(conn.RemoteAddr().String()); err == nil {
		info.RemoteHost = host
		info.RemotePort, _ = strconv.Atoi(port)
	}

	handler, err := s.factory(context.Background(), info)
	if err != nil {
		_ = writeQueryError(conn, err)
		return
	}
	defer handler.Close()

	for _, step := range []func() error{
		func() error { return writeAuthenticationOK(conn) },
		func() error { return writeParameterStatus(conn, "server_version", ServerVersion) },
		func() error { return writeParameterStatus(conn, "client_encoding", "UTF8") },
		func() error { return writeBackendKeyData(conn, key) },
		func() error { return writeReadyForQuery(conn, statusIdle) },
	} {
		if err := step(); err != nil {
			return
		}
	}
	s.serve(conn, handler, key)
}

func (s *Server) serve(conn net.Conn, h Handler, key backendKey) {
	state := &extendedState{}
	var header [5]byte

	for {
		if _, err := io.ReadFull(conn, header[:]); err != nil {
			return
		}
		msgType := header[0]
		length := int(binary.BigEndian.Uint32(header[1:5]))
		if length < 4 {
			_ = writeProtocolError(conn, "invalid frontend message")
			return
		}
		payload := make([]byte, length-4)
		if _, err := io.ReadFull(conn, payload); err != nil {
			return
		}

		if state.failed && msgType != 'S' && msgType != 'X' {
			continue
		}

		var err error
		switch msgType {
		case 'Q':
			err = s.handleSimpleQuery(conn, h, payload, key)
		case 'P':
			err = s.handleParse(conn, state, payload)
		case 'B':
			err = s.handleBind(conn, state, payload)
		case 'D':
			err = s.handleDescribe(conn, state, payload)
		case 'E':
			err = s.handleExecute(conn, h, state, payload, key)
		case 'C':
			err = s.handleClose(conn, state, payload)
		case 'H':
			// Flush: nothing is buffered.
		case 'S':
			state.failed = false
			err = writeReadyForQuery(conn, statusIdle)
		case 'X':
			return
		default:
			err = writeProtocolError(conn, fmt.Sprintf("unsupported frontend message type %q", msgType))
			if err == nil {
				err = writeReadyForQuery(conn, statusIdle)
			}
		}
		if err != nil {
			s.logger.Debug("pgwire connection closed", "error", err)
			return
		}
	}
}

// fail reports an extended-protocol error and discards messages until Sync.
func (s *Server) fail(conn net.Conn, state *extendedState, text string) error {
	state.failed = true
	return writeProtocolError(conn, text)
}

func (s *Server) handleSimpleQuery(conn net.Conn, h Handler, payload []byte, key backendKey) error {
	query := string(bytes.TrimSuffix(payload, []byte{0}))

	ctx, cancel := context.WithCancel(context.Background())
	s.trackActiveQuery(key, cancel)
	results, qerr := h.Query(ctx, query)
	s.untrackActiveQuery(key)
	cancel()

	for _, res := range results {
		if err := writeResult(conn, res); err != nil {
			return err
		}
	}
	switch {
	case qerr != nil:
		if err := writeQueryError(conn, qerr); err != nil {
			return err
		}
	case len(results) == 0:
		if err := writeEmptyQueryResponse(conn); err != nil {
			return err
		}
	}
	// Statements run in autocommit mode, so the session is always idle here.
	return writeReadyForQuery(conn, statusIdle)
}

func writeResult(w io.Writer, res *Result) error {
	if res == nil {
		return nil
	}
	if len(res.Columns) > 0 {
		if err := writeRowDescription(w, res.Columns); err != nil {
			return err
		}
		for _, row := range res.Rows {
			if err := writeDataRow(w, row); err != nil {
				return err
			}
		}
	}
	tag := res.Tag
	if tag == "" {
		tag = fmt.Sprintf("SELECT %d", len(res.Rows))
	}
	return writeCommandComplete(w, tag)
}

func (s *Server) handleParse(conn net.Conn, state *extendedState, payload []byte) error {
	offset := 0
	name, ok := readCString(payload, &offset)
	if !ok {
		return s.fail(conn, state, "invalid Parse message")
	}
	query, ok := readCString(payload, &offset)
	if !ok {
		return s.fail(conn, state, "invalid Parse message")
	}
	if name != "" {
		return s.fail(conn, state, "only unnamed prepared statement is supported")
	}
	r := &bindReader{payload: payload, offset: offset}
	count, ok := r.uint16()
	if !ok {
		return s.fail(conn, state, "invalid Parse parameter metadata")
	}
	var oids []uint32
	for i := 0; i < count; i++ {
		oid, ok := r.int32()
		if !ok {
			return s.fail(conn, state, "invalid Parse parameter type list")
		}
		oids = append(oids, uint32(oid))
	}

	state.statement = query
	state.paramOIDs = oids
	return writeParseComplete(conn)
}

func (s *Server) handleBind(conn net.Conn, state *extendedState, payload []byte) error {
	offset := 0
	portal, ok := readCString(payload, &offset)
	if !ok {
		return s.fail(conn, state, "invalid Bind message")
	}
	statement, ok := readCString(payload, &offset)
	if !ok {
		return s.fail(conn, state, "invalid Bind message")
	}
	if portal != "" || statement != "" {
		return s.fail(conn, state, "only unnamed portal and statement are supported")
	}
	if state.statement == "" {
		return s.fail(conn, state, "no prepared statement")
	}

	r := &bindReader{payload: payload, offset: offset}
	params, err := r.decodeParams(state.paramOIDs)
	if err != nil {
		return s.fail(conn, state, err.Error())
	}
	numResultFormats, ok := r.uint16()
	if !ok {
		return s.fail(conn, state, "invalid Bind result format count")
	}
	if _, ok := r.take(numResultFormats * 2); !ok {
		return s.fail(conn, state, "invalid Bind result format list")
	}

	state.portal = state.statement
	state.params = params
	return writeBindComplete(conn)
}

func (s *Server) handleDescribe(conn net.Conn, state *extendedState, payload []byte) error {
	if len(payload) < 1 {
		return s.fail(conn, state, "invalid Describe message")
	}
	offset := 1
	name, ok := readCString(payload, &offset)
	if !ok {
		return s.fail(conn, state, "invalid Describe message")
	}
	if name != "" {
		return s.fail(conn, state, "only unnamed statement and portal are supported")
	}

	switch payload[0] {
	case 'S':
		if state.statement == "" {
			return s.fail(conn, state, "no prepared statement")
		}
		if err := writeParameterDescription(conn, state.paramOIDs); err != nil {
			return err
		}
		return writeNoData(conn)
	case 'P':
		if state.portal == "" {
			return s.fail(conn, state, "no bound portal")
		}
		return writeNoData(conn)
	default:
		return s.fail(conn, state, "unsupported Describe target")
	}
}

func (s *Server) handleExecute(conn net.Conn, h Handler, state *extendedState, payload []byte, key backendKey) error {
	offset := 0
	portal, ok := readCString(payload, &offset)
	if !ok {
		return s.fail(conn, state, "invalid Execute message")
	}
	if portal != "" {
		return s.fail(conn, state, "only unnamed portal is supported")
	}
	if len(payload[offset:]) < 4 {
		return s.fail(conn, state, "invalid Execute max rows")
	}
	if state.portal == "" {
		return s.fail(conn, state, "no bound portal")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.trackActiveQuery(key, cancel)
	res, err := h.Execute(ctx, state.portal, state.params)
	s.untrackActiveQuery(key)
	cancel()

	if err != nil {
		state.failed = true
		return writeQueryError(conn, err)
	}
	return writeResult(conn, res)
}

func (s *Server) handleClose(conn net.Conn, state *extendedState, payload []byte) error {
	if len(payload) < 1 {
		return s.fail(conn, state, "invalid Close message")
	}
	offset := 1
	name, ok := readCString(payload, &offset)
	if !ok {
		return s.fail(conn, state, "invalid Close message")
	}
	if name != "" {
		return s.fail(conn, state, "only unnamed statement and portal are supported")
	}

	switch payload[0] {
	case 'S':
		state.statement, state.paramOIDs = "", nil
		state.portal, state.params = "", nil
	case 'P':
		state.portal, state.params = "", nil
	default:
		return s.fail(conn, state, "unsupported Close target")
	}
	return writeCloseComplete(conn)
}

func (s *Server) trackActiveQuery(key backendKey, cancel context.CancelFunc) {
	s.queryMu.Lock()
	defer s.queryMu.Unlock()
	s.activeQueries[key] = cancel
}

func (s *Server) untrackActiveQuery(key backendKey) {
	s.queryMu.Lock()
	defer s.queryMu.Unlock()
	delete(s.activeQueries, key)
}

func (s *Server) cancelQuery(key backendKey) {
	s.queryMu.Lock()
	cancel := s.activeQueries[key]
	s.queryMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// newBackendKey returns a random key with a positive process id, which doubles as
// the pid of the session in audit records.
func newBackendKey() backendKey {
	return backendKey{processID: randomInt32() & 0x7fffffff, secretKey: randomInt32()}
}

func randomInt32() int32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 1
	}
	v := int32(binary.BigEndian.Uint32(b[:]))
	if v == 0 || v == -1<<31 {
		return 1
	}
	return v
}

func readStartupHeader(r io.Reader) (int32, int32, error) {
	var header [8]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, 0, err
	}
	length := int32(binary.BigEndian.Uint32(header[0:4]))
	code := int32(binary.BigEndian.Uint32(header[4:8]))
	return length, code, nil
}

func parseStartupParams(payload []byte) map[string]string {
	params := map[string]string{}
	parts := bytes.Split(payload, []byte{0})
	for i := 0; i+1 < len(parts); i += 2 {
		k := string(parts[i])
		if k == "" {
			break
		}
		params[k] = string(parts[i+1])
	}
	return params
}

func readCString(payload []byte, offset *int) (string, bool) {
	start := *offset
	end := bytes.IndexByte(payload[start:], 0)
	if end < 0 {
		return "", false
	}
	*offset = start + end + 1
	return string(payload[start : start+end]), true
}
