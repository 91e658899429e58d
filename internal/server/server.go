// Package server answers TFTP read and write requests. Each request is
// served by its own goroutine on its own socket, whose port is the server
// transfer ID for that exchange.
package server

import (
	"context"
	"encoding/binary"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/Pablu23/tftp/internal/common"
	"github.com/Pablu23/tftp/internal/store"
	"github.com/Pablu23/tftp/internal/transfer"
)

var (
	ErrServerClosed = errors.New("server closed")
	ErrNotListening = errors.New("server is not listening")
)

type Server struct {
	options *Options
	store   store.Store
	log     *log.Entry

	mu        sync.Mutex
	conn      *net.UDPConn
	listening bool
	closing   bool
	workers   *workerGroup
	active    map[request]struct{}
}

// request identifies a transfer by the client TID and what it asked for.
// A repeated request for a transfer in progress is the client resending it.
type request struct {
	client string
	op     common.Opcode
	file   string
}

func New(opts ...func(*Options)) (*Server, error) {
	options := NewDefaultOptions()

	for _, opt := range opts {
		opt(options)
	}

	st := options.Store
	if st == nil {
		dir, err := store.NewDir(options.Datapath)
		if err != nil {
			return nil, err
		}
		dir.Quota = options.Quota
		st = dir
	}

	logger := options.Log
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}

	return &Server{
		options: options,
		store:   st,
		log:     logger,
		workers: newWorkerGroup(),
		active:  make(map[request]struct{}),
	}, nil
}

// Listen binds the well-known request socket. A Port of 0 picks a free one.
func (server *Server) Listen() error {
	server.mu.Lock()
	defer server.mu.Unlock()
	if server.closing {
		return ErrServerClosed
	}
	if server.conn != nil {
		return nil
	}

	udpAddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(server.options.Address, strconv.Itoa(server.options.Port)))
	if err != nil {
		return errors.Wrap(err, "resolving listen address")
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return errors.Wrapf(err, "listening on %v", udpAddr)
	}
	server.conn = conn
	server.log.WithField("Address", conn.LocalAddr().String()).Info("Started listening")
	return nil
}

// Addr is the address of the request socket, nil before Listen.
func (server *Server) Addr() *net.UDPAddr {
	server.mu.Lock()
	defer server.mu.Unlock()
	if server.conn == nil {
		return nil
	}
	return server.conn.LocalAddr().(*net.UDPAddr)
}

// ActiveTransfers reports the number of transfers currently being served.
func (server *Server) ActiveTransfers() int {
	server.mu.Lock()
	listening := server.listening
	server.mu.Unlock()
	n := server.workers.count()
	if listening && n > 0 {
		n--
	}
	return n
}

// Serve reads requests until Shutdown. It returns nil once the request
// socket is closed by Shutdown.
func (server *Server) Serve() error {
	server.mu.Lock()
	if server.closing {
		server.mu.Unlock()
		return ErrServerClosed
	}
	if server.conn == nil {
		server.mu.Unlock()
		return ErrNotListening
	}
	if server.listening {
		server.mu.Unlock()
		return errors.New("server is already serving")
	}
	conn := server.conn
	server.listening = true
	server.workers.add()
	server.mu.Unlock()

	defer func() {
		server.mu.Lock()
		server.listening = false
		server.mu.Unlock()
		server.workers.done()
	}()

	buf := make([]byte, common.ReceiveBufSize)
	for {
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if server.isClosing() || errors.Is(err, net.ErrClosed) {
				server.log.Info("Stopped listening")
				return nil
			}
			server.log.WithError(err).Error("Could not retrieve UDP packet")
			continue
		}

		pck, err := common.PacketFromBytes(buf[:n])
		if err != nil {
			server.log.WithError(err).WithField("Source", addr.String()).Warn("Received invalid packet")
			if isRequest(buf[:n]) {
				server.refuseMalformed(addr, err)
			}
			continue
		}
		server.dispatch(pck, addr)
	}
}

func (server *Server) ListenAndServe() error {
	if err := server.Listen(); err != nil {
		return err
	}
	return server.Serve()
}

// Shutdown stops accepting requests and waits until every in-flight
// transfer has finished on its own, or ctx is done.
func (server *Server) Shutdown(ctx context.Context) error {
	server.mu.Lock()
	server.closing = true
	conn := server.conn
	server.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			server.log.WithError(err).Error("Could not close listening socket")
		}
	}
	server.log.WithField("Transfers", server.ActiveTransfers()).Info("Server is shutting down")
	return server.workers.wait(ctx)
}

// HandleShutdown shuts the server down on SIGINT. Running transfers get
// drain to finish, or unlimited time when drain is 0. The returned channel
// receives the result of Shutdown.
func (server *Server) HandleShutdown(drain time.Duration) <-chan error {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)
	result := make(chan error, 1)

	go func() {
		<-c
		signal.Stop(c)
		log.WithField("Transfers", server.ActiveTransfers()).Info("Interrupted, waiting for transfers to finish")

		ctx := context.Background()
		if drain > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, drain)
			defer cancel()
		}
		result <- server.Shutdown(ctx)
	}()
	return result
}

func (server *Server) isClosing() bool {
	server.mu.Lock()
	defer server.mu.Unlock()
	return server.closing
}

func isRequest(b []byte) bool {
	if len(b) < 2 {
		return false
	}
	op := common.Opcode(binary.BigEndian.Uint16(b))
	return op == common.RRQ || op == common.WRQ
}

func (server *Server) dispatch(pck common.Packet, addr *net.UDPAddr) {
	switch req := pck.(type) {
	case *common.ReadRequest:
		key := request{client: addr.String(), op: common.RRQ, file: req.Filename}
		server.spawn(addr, key, req.Mode, server.requestLog(req.Filename, req.Mode), func(conn *net.UDPConn, cfg transfer.Config) {
			server.serveRead(conn, addr, req, cfg)
		})
	case *common.WriteRequest:
		key := request{client: addr.String(), op: common.WRQ, file: req.Filename}
		server.spawn(addr, key, req.Mode, server.requestLog(req.Filename, req.Mode), func(conn *net.UDPConn, cfg transfer.Config) {
			server.serveWrite(conn, addr, req, cfg)
		})
	default:
		server.log.WithFields(log.Fields{
			"Source": addr.String(),
			"Type":   pck.Opcode(),
		}).Warn("Ignoring non-request packet on listening socket")
	}
}

func (server *Server) requestLog(filename, mode string) *log.Entry {
	return server.log.WithFields(log.Fields{
		"File": filename,
		"Mode": mode,
	})
}

// refuseMalformed answers an undecodable RRQ or WRQ with an illegal
// operation ERROR from a fresh socket, as for any other refused request.
func (server *Server) refuseMalformed(addr *net.UDPAddr, err error) {
	pe := common.NewProtocolError(common.IllegalOperation, "%v", err)
	server.spawn(addr, request{}, common.ModeOctet, server.log, func(conn *net.UDPConn, cfg transfer.Config) {
		refuse(conn, addr, pe, cfg.Log)
	})
}

// spawn runs handle on a fresh socket in a goroutine counted by the
// worker group. While it runs, requests with the same key are dropped;
// the zero key is never tracked.
func (server *Server) spawn(addr *net.UDPAddr, key request, mode string, entry *log.Entry, handle func(*net.UDPConn, transfer.Config)) {
	server.mu.Lock()
	if server.closing {
		server.mu.Unlock()
		server.log.WithField("Source", addr.String()).Warn("Refusing request during shutdown")
		return
	}
	tracked := key != request{}
	if tracked {
		if _, ok := server.active[key]; ok {
			server.mu.Unlock()
			entry.WithField("Source", addr.String()).Debug("Ignoring repeated request")
			return
		}
		server.active[key] = struct{}{}
	}
	local := server.conn.LocalAddr().(*net.UDPAddr)
	server.workers.add()
	server.mu.Unlock()

	go func() {
		defer server.workers.done()
		if tracked {
			defer func() {
				server.mu.Lock()
				delete(server.active, key)
				server.mu.Unlock()
			}()
		}

		conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: local.IP, Zone: local.Zone})
		if err != nil {
			server.log.WithError(err).Error("Could not open transfer socket")
			return
		}
		defer func(conn *net.UDPConn) {
			err := conn.Close()
			if err != nil {
				server.log.WithError(err).Error("Could not close transfer socket")
			}
		}(conn)

		if tracked {
			entry.WithField("Source", addr.String()).Info("Accepted request")
		}
		handle(conn, transfer.Config{
			Timeout:    server.options.Timeout,
			MaxRetries: server.options.MaxRetries,
			Mode:       mode,
			Log:        entry,
		})
	}()
}

// refuse answers a request with an ERROR from the transfer socket.
func refuse(conn *net.UDPConn, addr *net.UDPAddr, pe *common.ProtocolError, entry *log.Entry) {
	entry.WithFields(log.Fields{
		"Code":    pe.Code,
		"Message": pe.Message,
	}).Warn("Refusing request")
	if _, err := conn.WriteToUDP(pe.Packet().ToBytes(), addr); err != nil {
		entry.WithError(err).Warn("Could not send error packet")
	}
}

func checkMode(mode string) *common.ProtocolError {
	if mode == common.ModeMail {
		return common.NewProtocolError(common.Undefined, "mail mode is not supported")
	}
	return nil
}

func (server *Server) serveRead(conn *net.UDPConn, addr *net.UDPAddr, req *common.ReadRequest, cfg transfer.Config) {
	if pe := checkMode(req.Mode); pe != nil {
		refuse(conn, addr, pe, cfg.Log)
		return
	}

	file, err := server.store.Open(req.Filename)
	if err != nil {
		cfg.Log.WithError(err).Error("Unable to open file")
		refuse(conn, addr, store.ProtocolErrorFor(err), cfg.Log)
		return
	}
	defer func() {
		err := file.Close()
		if err != nil {
			cfg.Log.WithError(err).Error("Could not close File")
		}
	}()

	if _, err := transfer.ServeRead(context.Background(), conn, addr, file, cfg); err != nil {
		cfg.Log.WithError(err).Warn("Read request failed")
	}
}

func (server *Server) serveWrite(conn *net.UDPConn, addr *net.UDPAddr, req *common.WriteRequest, cfg transfer.Config) {
	if pe := checkMode(req.Mode); pe != nil {
		refuse(conn, addr, pe, cfg.Log)
		return
	}

	file, err := server.store.Create(req.Filename)
	if err != nil {
		cfg.Log.WithError(err).Error("Unable to create file")
		refuse(conn, addr, store.ProtocolErrorFor(err), cfg.Log)
		return
	}

	_, err = transfer.ServeWrite(context.Background(), conn, addr, file, cfg)
	if cerr := file.Close(); cerr != nil {
		cfg.Log.WithError(cerr).Error("Could not close File")
		if err == nil {
			err = cerr
		}
	}
	if err == nil {
		return
	}

	cfg.Log.WithError(err).Warn("Write request failed, removing partial file")
	if rerr := server.store.Remove(req.Filename); rerr != nil {
		cfg.Log.WithError(rerr).Error("Could not remove partial file")
	}
}
