// Package redisstub is a small in-process Redis speaking enough RESP2 for the
// stream commands the job queue issues, XAUTOCLAIM included, and the
// counters the upload rate limiter uses.
package redisstub

import (
	"bufio"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

type Options struct {
	Password  string
	EnableTLS bool
}

type Server struct {
	opts     Options
	listener net.Listener
	addr     string
	certPEM  []byte

	mu       sync.Mutex
	streams  map[string]*stream
	counters map[string]*counter
	seq      int64
	conns    map[net.Conn]struct{}
	closed   chan struct{}
}

type stream struct {
	entries []*entry
	groups  map[string]*group
}

type entry struct {
	id      string
	fields  []string
	deleted bool
}

type group struct {
	next int
	// pending maps entry ids to the consumer that last read them.
	pending map[string]*pendingEntry
}

type pendingEntry struct {
	consumer  string
	delivered time.Time
}

func Start(opts Options) (*Server, error) {
	server := &Server{
		opts:     opts,
		streams:  make(map[string]*stream),
		counters: make(map[string]*counter),
		conns:    make(map[net.Conn]struct{}),
		closed:   make(chan struct{}),
	}
	addr := "127.0.0.1:0"
	var (
		ln  net.Listener
		err error
	)
	if opts.EnableTLS {
		certPEM, cert, certErr := generateSelfSignedCert()
		if certErr != nil {
			return nil, certErr
		}
		server.certPEM = certPEM
		ln, err = tls.Listen("tcp", addr, &tls.Config{Certificates: []tls.Certificate{cert}})
	} else {
		ln, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return nil, err
	}
	server.listener = ln
	server.addr = ln.Addr().String()
	go server.serve()
	return server, nil
}

func (s *Server) Addr() string {
	return s.addr
}

// CertPEM returns the self-signed certificate when TLS is enabled.
func (s *Server) CertPEM() []byte {
	return s.certPEM
}

// StreamLen reports the live entries of a stream, for assertions.
func (s *Server) StreamLen(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamLenLocked(name)
}

// Pending reports how many entries of a group are delivered but unacked.
func (s *Server) Pending(streamName, groupName string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	strm, ok := s.streams[streamName]
	if !ok {
		return 0
	}
	grp, ok := strm.groups[groupName]
	if !ok {
		return 0
	}
	return len(grp.pending)
}

func (s *Server) Close() error {
	s.mu.Lock()
	select {
	case <-s.closed:
		s.mu.Unlock()
		return nil
	default:
	}
	close(s.closed)
	conns := make([]net.Conn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	err := s.listener.Close()
	for _, conn := range conns {
		_ = conn.Close()
	}
	return err
}

func (s *Server) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			continue
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.Close()
	}()
	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)
	authenticated := s.opts.Password == ""
	for {
		args, err := readArray(reader)
		if err != nil {
			return
		}
		if len(args) == 0 {
			if writeError(writer, "ERR empty command") != nil {
				return
			}
			continue
		}
		var replyErr error
		switch strings.ToUpper(args[0]) {
		case "HELLO":
			// RESP3 is not supported; clients fall back to RESP2 and AUTH.
			replyErr = writeError(writer, "ERR unknown command 'HELLO'")
		case "PING":
			replyErr = writeSimpleString(writer, "PONG")
		case "QUIT":
			_ = writeSimpleString(writer, "OK")
			return
		case "AUTH":
			password := ""
			if len(args) >= 2 {
				password = args[len(args)-1]
			}
			if s.opts.Password == "" || password == s.opts.Password {
				authenticated = true
				replyErr = writeSimpleString(writer, "OK")
			} else {
				replyErr = writeError(writer, "WRONGPASS invalid username-password pair")
			}
		case "SELECT", "CLIENT":
			replyErr = writeSimpleString(writer, "OK")
		default:
			if !authenticated {
				replyErr = writeError(writer, "NOAUTH Authentication required.")
				break
			}
			replyErr = s.dispatch(writer, args)
		}
		if replyErr != nil {
			return
		}
	}
}

// dispatch answers one authenticated command. Only write failures end the
// connection; protocol errors are reported to the client.
func (s *Server) dispatch(w *bufio.Writer, args []string) error {
	switch strings.ToUpper(args[0]) {
	case "XADD":
		return s.xadd(w, args)
	case "XGROUP":
		return s.xgroup(w, args)
	case "XREADGROUP":
		return s.xreadgroup(w, args)
	case "XAUTOCLAIM":
		return s.xautoclaim(w, args)
	case "XACK":
		if len(args) < 4 {
			return writeError(w, "ERR wrong number of arguments for 'xack'")
		}
		return writeInteger(w, int64(s.ack(args[1], args[2], args[3:])))
	case "XDEL":
		if len(args) < 3 {
			return writeError(w, "ERR wrong number of arguments for 'xdel'")
		}
		return writeInteger(w, int64(s.del(args[1], args[2:])))
	case "XLEN":
		if len(args) != 2 {
			return writeError(w, "ERR wrong number of arguments for 'xlen'")
		}
		s.mu.Lock()
		n := s.streamLenLocked(args[1])
		s.mu.Unlock()
		return writeInteger(w, int64(n))
	case "INCR", "EXPIRE", "TTL":
		return s.counterCommand(w, args)
	default:
		return writeError(w, fmt.Sprintf("ERR unknown command '%s'", args[0]))
	}
}

func (s *Server) xadd(w *bufio.Writer, args []string) error {
	if len(args) < 5 || (len(args)-3)%2 != 0 {
		return writeError(w, "ERR wrong number of arguments for 'xadd'")
	}
	s.mu.Lock()
	s.seq++
	id := args[2]
	if id == "*" {
		id = fmt.Sprintf("%d-%d", time.Now().UnixMilli(), s.seq)
	}
	strm := s.ensureStreamLocked(args[1])
	strm.entries = append(strm.entries, &entry{id: id, fields: append([]string(nil), args[3:]...)})
	s.mu.Unlock()
	return writeBulkString(w, id)
}

func (s *Server) xgroup(w *bufio.Writer, args []string) error {
	if len(args) < 5 || strings.ToUpper(args[1]) != "CREATE" {
		return writeError(w, "ERR only XGROUP CREATE is supported")
	}
	streamName, groupName, start := args[2], args[3], args[4]
	mkstream := len(args) > 5 && strings.ToUpper(args[5]) == "MKSTREAM"

	s.mu.Lock()
	defer s.mu.Unlock()
	strm, ok := s.streams[streamName]
	if !ok {
		if !mkstream {
			return writeError(w, "ERR The XGROUP subcommand requires the key to exist.")
		}
		strm = s.ensureStreamLocked(streamName)
	}
	if _, exists := strm.groups[groupName]; exists {
		return writeError(w, "BUSYGROUP Consumer Group name already exists")
	}
	next := 0
	if start == "$" {
		next = len(strm.entries)
	}
	strm.groups[groupName] = &group{next: next, pending: make(map[string]*pendingEntry)}
	return writeSimpleString(w, "OK")
}

func (s *Server) xreadgroup(w *bufio.Writer, args []string) error {
	var groupName, consumer, streamName, cursor string
	count := 0
	block := -1
	for i := 1; i < len(args); i++ {
		switch strings.ToUpper(args[i]) {
		case "GROUP":
			if i+2 >= len(args) {
				return writeError(w, "ERR syntax error")
			}
			groupName, consumer = args[i+1], args[i+2]
			i += 2
		case "COUNT":
			if i+1 >= len(args) {
				return writeError(w, "ERR syntax error")
			}
			v, err := strconv.Atoi(args[i+1])
			if err != nil {
				return writeError(w, "ERR value is not an integer or out of range")
			}
			count = v
			i++
		case "BLOCK":
			if i+1 >= len(args) {
				return writeError(w, "ERR syntax error")
			}
			v, err := strconv.Atoi(args[i+1])
			if err != nil {
				return writeError(w, "ERR timeout is not an integer or out of range")
			}
			block = v
			i++
		case "NOACK":
		case "STREAMS":
			if i+2 >= len(args) {
				return writeError(w, "ERR syntax error")
			}
			streamName, cursor = args[i+1], args[i+2]
			i = len(args)
		}
	}
	if streamName == "" || groupName == "" || consumer == "" {
		return writeError(w, "ERR syntax error")
	}

	if cursor != ">" {
		records, err := s.readPending(streamName, groupName, consumer, cursor, count)
		if err != "" {
			return writeError(w, err)
		}
		return writeArray(w, []interface{}{[]interface{}{streamName, records}})
	}

	deadline := time.Now().Add(time.Duration(block) * time.Millisecond)
	for {
		records, err := s.readNew(streamName, groupName, consumer, count)
		if err != "" {
			return writeError(w, err)
		}
		if len(records) > 0 {
			return writeArray(w, []interface{}{[]interface{}{streamName, records}})
		}
		if block < 0 || (block > 0 && time.Now().After(deadline)) {
			return writeNilArray(w)
		}
		select {
		case <-s.closed:
			return writeNilArray(w)
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func (s *Server) readNew(streamName, groupName, consumer string, count int) ([]interface{}, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	strm, ok := s.streams[streamName]
	if !ok {
		return nil, "NOGROUP No such key or consumer group"
	}
	grp, ok := strm.groups[groupName]
	if !ok {
		return nil, "NOGROUP No such key or consumer group"
	}
	var records []interface{}
	for grp.next < len(strm.entries) {
		if count > 0 && len(records) >= count {
			break
		}
		e := strm.entries[grp.next]
		grp.next++
		if e.deleted {
			continue
		}
		grp.pending[e.id] = &pendingEntry{consumer: consumer, delivered: time.Now()}
		records = append(records, encodeEntry(e))
	}
	return records, ""
}

// readPending returns entries already delivered to consumer whose position
// follows the entry named by cursor ("0" means from the start).
func (s *Server) readPending(streamName, groupName, consumer, cursor string, count int) ([]interface{}, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	strm, ok := s.streams[streamName]
	if !ok {
		return nil, "NOGROUP No such key or consumer group"
	}
	grp, ok := strm.groups[groupName]
	if !ok {
		return nil, "NOGROUP No such key or consumer group"
	}
	after := -1
	if cursor != "0" && cursor != "0-0" {
		for i, e := range strm.entries {
			if e.id == cursor {
				after = i
				break
			}
		}
	}
	records := []interface{}{}
	for i := after + 1; i < len(strm.entries); i++ {
		if count > 0 && len(records) >= count {
			break
		}
		e := strm.entries[i]
		if owner, ok := grp.pending[e.id]; !ok || owner.consumer != consumer {
			continue
		}
		records = append(records, encodeEntry(e))
	}
	return records, ""
}

// xautoclaim hands entries pending longer than min-idle to the calling
// consumer. The whole pending list is scanned in one call, so the returned
// cursor is always "0-0".
func (s *Server) xautoclaim(w *bufio.Writer, args []string) error {
	if len(args) < 6 {
		return writeError(w, "ERR wrong number of arguments for 'xautoclaim'")
	}
	streamName, groupName, consumer := args[1], args[2], args[3]
	minIdle, err := strconv.ParseInt(args[4], 10, 64)
	if err != nil {
		return writeError(w, "ERR Invalid min-idle-time argument for XAUTOCLAIM")
	}
	count := 100
	for i := 6; i+1 < len(args); i++ {
		if strings.ToUpper(args[i]) == "COUNT" {
			if count, err = strconv.Atoi(args[i+1]); err != nil || count <= 0 {
				return writeError(w, "ERR COUNT must be > 0")
			}
			i++
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	strm, ok := s.streams[streamName]
	if !ok {
		return writeError(w, "NOGROUP No such key or consumer group")
	}
	grp, ok := strm.groups[groupName]
	if !ok {
		return writeError(w, "NOGROUP No such key or consumer group")
	}
	now := time.Now()
	records := []interface{}{}
	deleted := []interface{}{}
	for _, e := range strm.entries {
		if len(records) >= count {
			break
		}
		owner, ok := grp.pending[e.id]
		if !ok || now.Sub(owner.delivered) < time.Duration(minIdle)*time.Millisecond {
			continue
		}
		if e.deleted {
			delete(grp.pending, e.id)
			deleted = append(deleted, e.id)
			continue
		}
		grp.pending[e.id] = &pendingEntry{consumer: consumer, delivered: now}
		records = append(records, encodeEntry(e))
	}
	return writeArray(w, []interface{}{"0-0", records, deleted})
}

func encodeEntry(e *entry) []interface{} {
	if e.deleted {
		return []interface{}{e.id, nil}
	}
	fields := make([]interface{}, len(e.fields))
	for i, field := range e.fields {
		fields[i] = field
	}
	return []interface{}{e.id, fields}
}

func (s *Server) ack(streamName, groupName string, ids []string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	strm, ok := s.streams[streamName]
	if !ok {
		return 0
	}
	grp, ok := strm.groups[groupName]
	if !ok {
		return 0
	}
	acked := 0
	for _, id := range ids {
		if _, exists := grp.pending[id]; exists {
			delete(grp.pending, id)
			acked++
		}
	}
	return acked
}

func (s *Server) del(streamName string, ids []string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	strm, ok := s.streams[streamName]
	if !ok {
		return 0
	}
	removed := 0
	for _, id := range ids {
		for _, e := range strm.entries {
			if e.id == id && !e.deleted {
				e.deleted = true
				removed++
			}
		}
	}
	return removed
}

func (s *Server) ensureStreamLocked(name string) *stream {
	strm, ok := s.streams[name]
	if !ok {
		strm = &stream{groups: make(map[string]*group)}
		s.streams[name] = strm
	}
	return strm
}

func (s *Server) streamLenLocked(name string) int {
	strm, ok := s.streams[name]
	if !ok {
		return 0
	}
	n := 0
	for _, e := range strm.entries {
		if !e.deleted {
			n++
		}
	}
	return n
}

func generateSelfSignedCert() ([]byte, tls.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, tls.Certificate{}, err
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		return nil, tls.Certificate{}, err
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, tls.Certificate{}, err
	}
	return certPEM, cert, nil
}

func readArray(r *bufio.Reader) ([]string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if prefix != '*' {
		return nil, fmt.Errorf("unexpected prefix %q", prefix)
	}
	length, err := readLength(r)
	if err != nil {
		return nil, err
	}
	args := make([]string, 0, length)
	for i := 0; i < length; i++ {
		arg, err := readBulkString(r)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
	}
	return args, nil
}

func readLength(r *bufio.Reader) (int, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimRight(line, "\r\n"))
}

func readBulkString(r *bufio.Reader) (string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return "", err
	}
	if prefix != '$' {
		return "", fmt.Errorf("unexpected prefix %q", prefix)
	}
	length, err := readLength(r)
	if err != nil {
		return "", err
	}
	if length < 0 {
		return "", nil
	}
	buf := make([]byte, length+2)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf[:length]), nil
}

func writeSimpleString(w *bufio.Writer, value string) error {
	if _, err := fmt.Fprintf(w, "+%s\r\n", value); err != nil {
		return err
	}
	return w.Flush()
}

func writeError(w *bufio.Writer, msg string) error {
	if _, err := fmt.Fprintf(w, "-%s\r\n", msg); err != nil {
		return err
	}
	return w.Flush()
}

func writeBulkString(w *bufio.Writer, value string) error {
	if _, err := fmt.Fprintf(w, "$%d\r\n%s\r\n", len(value), value); err != nil {
		return err
	}
	return w.Flush()
}

func writeInteger(w *bufio.Writer, value int64) error {
	if _, err := fmt.Fprintf(w, ":%d\r\n", value); err != nil {
		return err
	}
	return w.Flush()
}

func writeNilArray(w *bufio.Writer) error {
	if _, err := w.WriteString("*-1\r\n"); err != nil {
		return err
	}
	return w.Flush()
}

func writeArray(w *bufio.Writer, values []interface{}) error {
	if err := writeArrayRaw(w, values); err != nil {
		return err
	}
	return w.Flush()
}

func writeArrayRaw(w *bufio.Writer, values []interface{}) error {
	if _, err := fmt.Fprintf(w, "*%d\r\n", len(values)); err != nil {
		return err
	}
	for _, value := range values {
		var err error
		switch v := value.(type) {
		case nil:
			_, err = w.WriteString("*-1\r\n")
		case string:
			_, err = fmt.Fprintf(w, "$%d\r\n%s\r\n", len(v), v)
		case int64:
			_, err = fmt.Fprintf(w, ":%d\r\n", v)
		case []interface{}:
			err = writeArrayRaw(w, v)
		default:
			text := fmt.Sprint(v)
			_, err = fmt.Fprintf(w, "$%d\r\n%s\r\n", len(text), text)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
