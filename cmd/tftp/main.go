package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/Pablu23/tftp/internal/client"
	"github.com/Pablu23/tftp/internal/faultproxy"
	"github.com/Pablu23/tftp/internal/server"
	"github.com/Pablu23/tftp/internal/store"
	"github.com/Pablu23/tftp/internal/transfer"
)

const usage = `usage: tftp <command> [flags] [args]

commands:
  server                     serve files below -root
  get [flags] remote [local] download remote from -server into -dir
  put [flags] local [remote] upload local, below -dir, to -server
  proxy [flags]              relay one session to -server, applying -rule faults
`

func main() {
	log.SetFormatter(&log.TextFormatter{
		ForceColors: true,
	})

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "server":
		err = runServer(os.Args[2:])
	case "get":
		err = runTransfer("get", os.Args[2:])
	case "put":
		err = runTransfer("put", os.Args[2:])
	case "proxy":
		err = runProxy(os.Args[2:])
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		log.WithError(err).Fatal("Failed")
	}
}

func verbose(fs *flag.FlagSet) *bool {
	return fs.Bool("v", false, "debug logging")
}

func setVerbose(v bool) {
	if v {
		log.SetLevel(log.DebugLevel)
	}
}

func runServer(args []string) error {
	fs := flag.NewFlagSet("server", flag.ExitOnError)
	defaults := server.NewDefaultOptions()
	address := fs.String("address", defaults.Address, "listen address")
	port := fs.Int("port", defaults.Port, "request port")
	root := fs.String("root", defaults.Datapath, "directory files are served from and written to")
	timeout := fs.Duration("timeout", defaults.Timeout, "receive timeout per packet")
	retries := fs.Int("retries", defaults.MaxRetries, "consecutive timeouts before a transfer is abandoned")
	quota := fs.Int64("quota", 0, "largest accepted upload in bytes, 0 for no limit")
	drain := fs.Duration("drain", time.Minute, "how long an interrupted server waits for running transfers, 0 for no limit")
	v := verbose(fs)
	fs.Parse(args)
	setVerbose(*v)

	srv, err := server.New(func(o *server.Options) {
		o.Address = *address
		o.Port = *port
		o.Datapath = *root
		o.Timeout = *timeout
		o.MaxRetries = *retries
		o.Quota = *quota
	})
	if err != nil {
		return err
	}
	if err := srv.Listen(); err != nil {
		return err
	}

	stopped := srv.HandleShutdown(*drain)
	if err := srv.Serve(); err != nil {
		return err
	}
	// Serve only returns nil once the interrupt closed the request socket
	if err := <-stopped; err != nil {
		return errors.Wrap(err, "waiting for transfers")
	}
	log.Info("Server stopped")
	return nil
}

func runTransfer(cmd string, args []string) error {
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	defaults := client.NewDefaultOptions()
	addr := fs.String("server", "127.0.0.1", "server address, port 69 unless given")
	mode := fs.String("mode", defaults.Mode, "transfer mode: octet or netascii")
	timeout := fs.Duration("timeout", defaults.Timeout, "receive timeout per packet")
	retries := fs.Int("retries", defaults.MaxRetries, "consecutive timeouts before the transfer is abandoned")
	dir := fs.String("dir", ".", "directory local file names are relative to")
	quota := fs.Int64("quota", 0, "bytes a downloaded file may use, 0 for no limit")
	v := verbose(fs)
	fs.Parse(args)
	setVerbose(*v)

	if fs.NArg() < 1 || fs.NArg() > 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	src := fs.Arg(0)
	dst := filepath.Base(src)
	if fs.NArg() == 2 {
		dst = fs.Arg(1)
	}

	local, err := store.NewDir(*dir)
	if err != nil {
		return err
	}
	local.Quota = *quota

	c, err := client.New(*addr, func(o *client.Options) {
		o.Mode = *mode
		o.Timeout = *timeout
		o.MaxRetries = *retries
		o.Store = local
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var stats *transfer.Stats
	if cmd == "get" {
		stats, err = c.Get(ctx, src, dst)
	} else {
		stats, err = c.Put(ctx, src, dst)
	}
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"From":        src,
		"To":          dst,
		"Bytes":       stats.Bytes,
		"Blocks":      stats.Blocks,
		"Retransmits": stats.Retransmits,
		"Digest":      stats.Digest,
	}).Info("Done")
	return nil
}

type ruleList []faultproxy.Rule

func (r *ruleList) String() string {
	var parts []string
	for _, rule := range *r {
		parts = append(parts, rule.String())
	}
	return strings.Join(parts, ",")
}

func (r *ruleList) Set(s string) error {
	rule, err := faultproxy.ParseRule(s)
	if err != nil {
		return err
	}
	*r = append(*r, rule)
	return nil
}

func runProxy(args []string) error {
	fs := flag.NewFlagSet("proxy", flag.ExitOnError)
	defaults := faultproxy.NewDefaultOptions()
	address := fs.String("address", defaults.Address, "address the proxy binds to")
	port := fs.Int("port", 23, "port clients send their request to")
	target := fs.String("server", "127.0.0.1:69", "server request address")
	var rules ruleList
	fs.Var(&rules, "rule", "fault as action:target[:block][:argument], repeatable (e.g. lose:data:2)")
	v := verbose(fs)
	fs.Parse(args)
	setVerbose(*v)

	serverAddr, err := net.ResolveUDPAddr("udp", *target)
	if err != nil {
		return errors.Wrap(err, "resolving server address")
	}
	p, err := faultproxy.New(serverAddr, rules, func(o *faultproxy.Options) {
		o.Address = *address
		o.Port = *port
	})
	if err != nil {
		return err
	}
	p.Start()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	<-ctx.Done()

	for _, e := range p.Trace() {
		entry := log.WithFields(log.Fields{
			"From":  e.Dir,
			"Bytes": len(e.Raw),
			"Fault": e.Fault,
		})
		if e.Packet != nil {
			entry = entry.WithField("Type", e.Packet.Opcode())
		}
		entry.Info("Relayed")
	}
	return p.Close()
}
