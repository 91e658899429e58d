package faultproxy

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"

	"github.com/Pablu23/tftp/internal/client"
	"github.com/Pablu23/tftp/internal/common"
	"github.com/Pablu23/tftp/internal/server"
	"github.com/Pablu23/tftp/internal/store"
)

const testTimeout = 200 * time.Millisecond

type harness struct {
	server *server.Server
	store  *store.Memory
	proxy  *Proxy
	client *client.Client
	local  *store.Dir
}

// setup waits longer on the client than on the server so that server
// retransmissions always come first.
func setup(t *testing.T, rules ...Rule) *harness {
	t.Helper()
	return setupClient(t, func(o *client.Options) { o.Timeout = 3 * testTimeout }, rules...)
}

func setupClient(t *testing.T, opt func(*client.Options), rules ...Rule) *harness {
	t.Helper()
	st := store.NewMemory()
	srv, err := server.New(func(o *server.Options) {
		o.Address = "127.0.0.1"
		o.Port = 0
		o.Store = st
		o.Timeout = testTimeout
	})
	if err != nil {
		t.Fatalf("server.New failed: %v", err)
	}
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	go srv.Serve()

	proxy, err := New(srv.Addr(), rules)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	proxy.Start()

	local, err := store.NewDir(t.TempDir())
	if err != nil {
		t.Fatalf("NewDir failed: %v", err)
	}
	c, err := client.New(proxy.Addr().String(), func(o *client.Options) {
		o.Timeout = testTimeout
		o.LocalAddress = "127.0.0.1:0"
		o.Store = local
		opt(o)
	})
	if err != nil {
		t.Fatalf("client.New failed: %v", err)
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown failed: %v", err)
		}
		if err := proxy.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}
	})
	return &harness{server: srv, store: st, proxy: proxy, client: c, local: local}
}

func content(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i%200 + 17)
	}
	return b
}

func (h *harness) get(t *testing.T, remote string) ([]byte, error) {
	t.Helper()
	local := filepath.Join(h.local.Root(), remote)
	_, err := h.client.Get(context.Background(), remote, remote)
	if err != nil {
		if _, serr := os.Stat(local); !os.IsNotExist(serr) {
			t.Errorf("partial file %s left behind", local)
		}
		return nil, err
	}
	data, rerr := os.ReadFile(local)
	if rerr != nil {
		t.Fatalf("ReadFile failed: %v", rerr)
	}
	return data, nil
}

func (h *harness) expectCount(t *testing.T, dir Direction, target Target, want int) {
	t.Helper()
	if got := h.proxy.Count(dir, target); got != want {
		t.Errorf("expected %d %v from %v, got %d", want, target, dir, got)
	}
}

func TestCleanReadThroughProxy(t *testing.T) {
	h := setup(t)
	want := content(1300)
	h.store.Put("file", want)

	got, err := h.get(t, "file")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("content mismatch (-want +got):\n%s", diff)
	}

	var ops []string
	for _, e := range h.proxy.Trace() {
		ops = append(ops, e.Dir.String()+" "+e.Packet.Opcode().String())
	}
	wantOps := []string{
		"client RRQ",
		"server DATA", "client ACK",
		"server DATA", "client ACK",
		"server DATA", "client ACK",
	}
	if diff := cmp.Diff(wantOps, ops); diff != "" {
		t.Errorf("trace mismatch (-want +got):\n%s", diff)
	}
}

func TestFaults(t *testing.T) {
	tests := []struct {
		name  string
		rule  Rule
		check func(t *testing.T, h *harness)
	}{
		{
			name: "lost data is resent once",
			rule: Rule{Target: Data(2), Action: Lose},
			check: func(t *testing.T, h *harness) {
				h.expectCount(t, FromServer, Data(1), 1)
				h.expectCount(t, FromServer, Data(2), 2)
				h.expectCount(t, FromServer, Data(3), 1)
			},
		},
		{
			name: "lost ack makes the server resend",
			rule: Rule{Target: Ack(1), Action: Lose},
			check: func(t *testing.T, h *harness) {
				h.expectCount(t, FromServer, Data(1), 2)
				h.expectCount(t, FromClient, Ack(1), 2)
				h.expectCount(t, FromServer, Data(2), 1)
			},
		},
		{
			name: "lost request is repeated",
			rule: Rule{Target: Request(), Action: Lose},
			check: func(t *testing.T, h *harness) {
				h.expectCount(t, FromClient, Request(), 2)
			},
		},
		{
			name: "duplicated data is acknowledged without a resend",
			rule: Rule{Target: Data(1), Action: Duplicate},
			check: func(t *testing.T, h *harness) {
				h.expectCount(t, FromClient, Ack(1), 2)
				h.expectCount(t, FromServer, Data(2), 1)
			},
		},
		{
			name: "delayed data arrives after its resend",
			rule: Rule{Target: Data(2), Action: Delay, Delay: testTimeout * 3 / 2},
			check: func(t *testing.T, h *harness) {
				h.expectCount(t, FromServer, Data(2), 2)
				h.expectCount(t, FromServer, Data(3), 1)
			},
		},
		{
			name: "wrong transfer ID is rejected",
			rule: Rule{Target: Ack(2), Action: WrongTID},
			check: func(t *testing.T, h *harness) {
				waitFor(t, func() bool { return len(h.proxy.StrayReplies()) > 0 })
				want := []common.Packet{common.NewError(common.UnknownTransferID, "")}
				if diff := cmp.Diff(want, h.proxy.StrayReplies()); diff != "" {
					t.Errorf("stray replies mismatch (-want +got):\n%s", diff)
				}
				h.expectCount(t, FromServer, Data(3), 1)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := setup(t, tt.rule)
			want := content(1300)
			h.store.Put("file", want)

			got, err := h.get(t, "file")
			if err != nil {
				t.Fatalf("Get failed: %v", err)
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("content mismatch (-want +got):\n%s", diff)
			}
			if !h.proxy.Fired(0) {
				t.Error("rule never fired")
			}
			tt.check(t, h)
		})
	}
}

func TestAbortingFaults(t *testing.T) {
	tests := []struct {
		name   string
		rule   Rule
		code   common.ErrorCode
		remote bool
		sentTo Direction
	}{
		{"corrupted opcode", Rule{Target: Data(2), Action: Corrupt, Corruption: CorruptOpcode}, common.IllegalOperation, false, FromClient},
		{"extended data", Rule{Target: Data(2), Action: Corrupt, Corruption: Extend}, common.IllegalOperation, false, FromClient},
		{"future ack", Rule{Target: Ack(1), Action: Corrupt, Corruption: CorruptBlock}, common.IllegalOperation, true, FromServer},
		{"extended ack", Rule{Target: Ack(2), Action: Corrupt, Corruption: Extend}, common.IllegalOperation, true, FromServer},
		{"corrupted request terminator", Rule{Target: Request(), Action: Corrupt, Corruption: CorruptTerminator}, common.IllegalOperation, true, FromServer},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := setup(t, tt.rule)
			h.store.Put("file", content(1300))

			_, err := h.get(t, "file")
			var pe *common.ProtocolError
			if !errors.As(err, &pe) {
				t.Fatalf("expected ProtocolError, got %v", err)
			}
			if pe.Code != tt.code || pe.Remote != tt.remote {
				t.Errorf("expected code %v remote %v, got %v", tt.code, tt.remote, pe)
			}

			waitFor(t, func() bool {
				return countErrors(h.proxy, tt.sentTo, tt.code) == 1
			})
		})
	}
}

func countErrors(p *Proxy, dir Direction, code common.ErrorCode) int {
	n := 0
	for _, e := range p.Trace() {
		if pck, ok := e.Packet.(*common.Error); ok && e.Dir == dir && pck.Code == code {
			n++
		}
	}
	return n
}

func TestTruncatedFirstResponse(t *testing.T) {
	h := setup(t, Rule{Target: Data(1), Action: Corrupt, Corruption: Truncate})
	h.store.Put("file", content(100))

	_, err := h.get(t, "file")
	if !errors.Is(err, common.ErrDecodeFailure) {
		t.Fatalf("expected ErrDecodeFailure, got %v", err)
	}
	if n := countErrors(h.proxy, FromClient, common.IllegalOperation); n != 0 {
		t.Errorf("client answered an undecodable first response with %d errors", n)
	}
}

func TestDiskFullThroughProxy(t *testing.T) {
	h := setup(t)
	h.store.Quota = 600

	_, err := h.client.Send(context.Background(), bytes.NewReader(content(1300)), "upload")
	if code, ok := common.CodeOf(err); !ok || code != common.DiskFull {
		t.Fatalf("expected DiskFull, got %v", err)
	}
	waitFor(t, func() bool {
		return countErrors(h.proxy, FromServer, common.DiskFull) == 1
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.server.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if _, ok := h.store.Get("upload"); ok {
		t.Error("partial upload kept")
	}
}

func TestLostAckZeroOnWrite(t *testing.T) {
	// equal timeouts: the client resends its WRQ while the server resends ACK(0)
	h := setupClient(t, func(o *client.Options) {}, Rule{Target: Ack(0), Action: Lose})
	want := content(1300)

	if _, err := h.client.Send(context.Background(), bytes.NewReader(want), "upload"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.server.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	got, ok := h.store.Get("upload")
	if !ok {
		t.Fatal("upload missing")
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("content mismatch (-want +got):\n%s", diff)
	}
	h.expectCount(t, FromServer, Ack(0), 2)
	for _, e := range h.proxy.Trace() {
		if _, ok := e.Packet.(*common.Error); ok {
			t.Errorf("unexpected ERROR from %v: %#v", e.Dir, e.Packet)
		}
	}
}

func TestClientDiskFullThroughProxy(t *testing.T) {
	h := setup(t)
	h.local.Quota = 600
	h.store.Put("file", content(1300))

	_, err := h.get(t, "file")
	var pe *common.ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ProtocolError, got %v", err)
	}
	if pe.Code != common.DiskFull || pe.Remote {
		t.Errorf("expected local DiskFull, got %v", pe)
	}
	waitFor(t, func() bool {
		return countErrors(h.proxy, FromClient, common.DiskFull) == 1
	})
	h.expectCount(t, FromServer, Data(1), 1)
	h.expectCount(t, FromServer, Data(2), 1)
	h.expectCount(t, FromClient, Ack(2), 0)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
