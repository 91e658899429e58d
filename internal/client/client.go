package client

import (
	"context"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/Pablu23/tftp/internal/common"
	"github.com/Pablu23/tftp/internal/store"
	"github.com/Pablu23/tftp/internal/transfer"
)

type Options struct {
	Mode       string
	Timeout    time.Duration
	MaxRetries int
	// LocalAddress is the address the transfer socket binds to. Its port is
	// the client transfer ID; 0 picks a fresh one per transfer.
	LocalAddress string
	// Store holds the local files of Get and Put. Nil means a store rooted
	// at the working directory.
	Store store.Store
	Log   *log.Entry
}

func NewDefaultOptions() *Options {
	return &Options{
		Mode:         common.ModeOctet,
		Timeout:      transfer.DefaultTimeout,
		MaxRetries:   transfer.DefaultMaxRetries,
		LocalAddress: ":0",
		Log:          log.NewEntry(log.StandardLogger()),
	}
}

type Client struct {
	addr    *net.UDPAddr
	store   store.Store
	options *Options
}

// New creates a client for the server at address. A missing port
// defaults to 69.
func New(address string, opts ...func(*Options)) (*Client, error) {
	options := NewDefaultOptions()

	for _, opt := range opts {
		opt(options)
	}
	if options.Log == nil {
		options.Log = log.NewEntry(log.StandardLogger())
	}
	options.Mode = strings.ToLower(options.Mode)
	if !common.IsValidMode(options.Mode) {
		return nil, errors.Errorf("unsupported transfer mode %q", options.Mode)
	}

	if _, _, err := net.SplitHostPort(address); err != nil {
		address = net.JoinHostPort(address, strconv.Itoa(common.DefaultPort))
	}
	udpAddr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, errors.Wrap(err, "resolving server address")
	}

	st := options.Store
	if st == nil {
		dir, err := store.NewDir(".")
		if err != nil {
			return nil, err
		}
		st = dir
	}

	return &Client{addr: udpAddr, store: st, options: options}, nil
}

func (c *Client) Addr() *net.UDPAddr {
	return c.addr
}

func (c *Client) config(file string) transfer.Config {
	return transfer.Config{
		Timeout:    c.options.Timeout,
		MaxRetries: c.options.MaxRetries,
		Mode:       c.options.Mode,
		Log: c.options.Log.WithFields(log.Fields{
			"Server": c.addr.String(),
			"Remote": file,
		}),
	}
}

func (c *Client) listen() (*net.UDPConn, error) {
	laddr, err := net.ResolveUDPAddr("udp", c.options.LocalAddress)
	if err != nil {
		return nil, errors.Wrap(err, "resolving local address")
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, errors.Wrap(err, "opening transfer socket")
	}
	return conn, nil
}

// Receive reads remote from the server into w.
func (c *Client) Receive(ctx context.Context, remote string, w io.Writer) (*transfer.Stats, error) {
	conn, err := c.listen()
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	return transfer.Read(ctx, conn, c.addr, remote, w, c.config(remote))
}

// Send writes the content of r to the server as remote.
func (c *Client) Send(ctx context.Context, r io.Reader, remote string) (*transfer.Stats, error) {
	conn, err := c.listen()
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	return transfer.Write(ctx, conn, c.addr, remote, r, c.config(remote))
}

// Get downloads remote into the new local file. It never overwrites an
// existing file, and removes what it wrote when the transfer fails.
func (c *Client) Get(ctx context.Context, remote, local string) (*transfer.Stats, error) {
	file, err := c.store.Create(local)
	if err != nil {
		return nil, err
	}

	stats, err := c.Receive(ctx, remote, file)
	if cerr := file.Close(); cerr != nil {
		c.options.Log.WithError(cerr).Error("Could not close File")
		if err == nil {
			err = errors.Wrapf(cerr, "closing %q", local)
		}
	}
	if err != nil {
		if rerr := c.store.Remove(local); rerr != nil {
			c.options.Log.WithError(rerr).WithField("File", local).Error("Could not remove partial file")
		}
		return stats, err
	}
	return stats, nil
}

// Put uploads the local file to the server as remote.
func (c *Client) Put(ctx context.Context, local, remote string) (*transfer.Stats, error) {
	file, err := c.store.Open(local)
	if err != nil {
		return nil, err
	}
	defer func() {
		err := file.Close()
		if err != nil {
			c.options.Log.WithError(err).Error("Could not close File")
		}
	}()

	return c.Send(ctx, file, remote)
}
