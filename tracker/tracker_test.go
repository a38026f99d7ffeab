package tracker

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

var (
	testInfoHash = [20]byte{0xde, 0xad, 0xbe, 0xef, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20}
	testPeerID   = [20]byte{'-', 'M', 'L', '0', '0', '0', '1', '-', 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}
)

func testAnnounce() Announce {
	return Announce{
		InfoHash: testInfoHash,
		PeerID:   testPeerID,
		Port:     6881,
		Left:     1 << 20,
		Event:    EventStarted,
		NumWant:  30,
	}
}

func testClient() *Client {
	c := NewClient(zerolog.Nop())
	c.HTTPTimeout = 5 * time.Second
	c.UDPTimeout = 2 * time.Second
	c.UDPBackoff = 0
	return c
}

// compactPeers is 1.2.3.4:6881 and 5.6.7.8:51413 in the 6-byte wire form.
var compactPeers = []byte{1, 2, 3, 4, 0x1a, 0xe1, 5, 6, 7, 8, 0xc8, 0xd5}

func TestHTTPAnnounce(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("info_hash") != string(testInfoHash[:]) {
			t.Errorf("wrong info_hash on the wire: %q", q.Get("info_hash"))
		}
		if q.Get("peer_id") != string(testPeerID[:]) {
			t.Errorf("wrong peer_id on the wire: %q", q.Get("peer_id"))
		}
		if q.Get("left") != "1048576" {
			t.Errorf("left = %q, want 1048576", q.Get("left"))
		}
		if q.Get("event") != "started" {
			t.Errorf("event = %q, want started", q.Get("event"))
		}
		if q.Get("compact") != "1" {
			t.Errorf("compact = %q, want 1", q.Get("compact"))
		}
		fmt.Fprintf(w, "d8:intervali900e5:peers%d:%se", len(compactPeers), compactPeers)
	}))
	defer srv.Close()

	res, err := testClient().Announce(context.Background(), srv.URL, testAnnounce())
	if err != nil {
		t.Fatalf("Announce failed: %v", err)
	}
	if res.Interval != 900*time.Second {
		t.Errorf("interval = %v, want 900s", res.Interval)
	}
	if len(res.Peers) != 2 {
		t.Fatalf("got %d peers, want 2", len(res.Peers))
	}
	if got := res.Peers[0].String(); got != "1.2.3.4:6881" {
		t.Errorf("peer 0 = %s", got)
	}
	if got := res.Peers[1].String(); got != "5.6.7.8:51413" {
		t.Errorf("peer 1 = %s", got)
	}
}

func TestHTTPAnnounceDictionaryPeers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "d8:intervali60e5:peersld2:ip7:9.8.7.64:porti6889eeee")
	}))
	defer srv.Close()

	res, err := testClient().Announce(context.Background(), srv.URL, testAnnounce())
	if err != nil {
		t.Fatalf("Announce failed: %v", err)
	}
	if len(res.Peers) != 1 || res.Peers[0].String() != "9.8.7.6:6889" {
		t.Fatalf("got peers %v, want 9.8.7.6:6889", res.Peers)
	}
}

func TestHTTPAnnounceFailureReason(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "d14:failure reason15:torrent unknowne")
	}))
	defer srv.Close()

	_, err := testClient().Announce(context.Background(), srv.URL, testAnnounce())
	var trackerErr *Error
	if !errors.As(err, &trackerErr) {
		t.Fatalf("expected *Error, got %T: %v", err, err)
	}
	if trackerErr.Reason != "torrent unknown" {
		t.Errorf("reason = %q", trackerErr.Reason)
	}
}

func TestHTTPAnnounceBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	if _, err := testClient().Announce(context.Background(), srv.URL, testAnnounce()); err == nil {
		t.Fatal("expected error on non-200 status")
	}
}

func TestAnnounceUnsupportedScheme(t *testing.T) {
	if _, err := testClient().Announce(context.Background(), "wss://tracker.example/announce", testAnnounce()); err == nil {
		t.Fatal("expected error for unsupported scheme")
	}
}

// fakeUDPTracker is a loopback BEP 15 tracker. Connect packets are
// counted so retry behavior can be asserted.
type fakeUDPTracker struct {
	conn     *net.UDPConn
	connects int32

	silent       bool // never respond at all
	mangleFirst  bool // answer the first connect with a wrong transaction id
	mangledOnce  int32
	connectionID uint64
}

func startFakeUDPTracker(t *testing.T, configure func(*fakeUDPTracker)) *fakeUDPTracker {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}
	f := &fakeUDPTracker{conn: conn, connectionID: 0x1122334455667788}
	if configure != nil {
		configure(f)
	}
	t.Cleanup(func() { conn.Close() })
	go f.serve(t)
	return f
}

func (f *fakeUDPTracker) url() string {
	return "udp://" + f.conn.LocalAddr().String()
}

func (f *fakeUDPTracker) serve(t *testing.T) {
	buf := make([]byte, 2048)
	for {
		n, raddr, err := f.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		packet := buf[:n]
		if n == connectRequestLen && binary.BigEndian.Uint32(packet[8:12]) == actionConnect {
			atomic.AddInt32(&f.connects, 1)
			if f.silent {
				continue
			}
			if binary.BigEndian.Uint64(packet[0:8]) != protocolMagic {
				t.Errorf("connect without protocol magic")
				continue
			}
			tid := binary.BigEndian.Uint32(packet[12:16])
			if f.mangleFirst && atomic.CompareAndSwapInt32(&f.mangledOnce, 0, 1) {
				tid++
			}
			res := make([]byte, connectResponseLen)
			binary.BigEndian.PutUint32(res[0:4], actionConnect)
			binary.BigEndian.PutUint32(res[4:8], tid)
			binary.BigEndian.PutUint64(res[8:16], f.connectionID)
			f.conn.WriteToUDP(res, raddr)
			continue
		}
		if n == announceRequestLen && binary.BigEndian.Uint32(packet[8:12]) == actionAnnounce {
			if binary.BigEndian.Uint64(packet[0:8]) != f.connectionID {
				t.Errorf("announce reused a stale connection id")
				continue
			}
			tid := binary.BigEndian.Uint32(packet[12:16])
			res := make([]byte, announceResponseLen+len(compactPeers))
			binary.BigEndian.PutUint32(res[0:4], actionAnnounce)
			binary.BigEndian.PutUint32(res[4:8], tid)
			binary.BigEndian.PutUint32(res[8:12], 1800)
			copy(res[announceResponseLen:], compactPeers)
			f.conn.WriteToUDP(res, raddr)
		}
	}
}

func TestUDPAnnounce(t *testing.T) {
	srv := startFakeUDPTracker(t, nil)

	res, err := testClient().Announce(context.Background(), srv.url(), testAnnounce())
	if err != nil {
		t.Fatalf("Announce failed: %v", err)
	}
	if res.Interval != 1800*time.Second {
		t.Errorf("interval = %v, want 1800s", res.Interval)
	}
	if len(res.Peers) != 2 || res.Peers[0].String() != "1.2.3.4:6881" {
		t.Fatalf("got peers %v", res.Peers)
	}
}

func TestUDPAnnounceRetriesOnTransactionMismatch(t *testing.T) {
	srv := startFakeUDPTracker(t, func(f *fakeUDPTracker) { f.mangleFirst = true })

	c := testClient()
	c.UDPTimeout = 500 * time.Millisecond
	c.UDPRetries = 2

	res, err := c.Announce(context.Background(), srv.url(), testAnnounce())
	if err != nil {
		t.Fatalf("Announce failed after mismatched transaction id: %v", err)
	}
	if len(res.Peers) != 2 {
		t.Fatalf("got %d peers, want 2", len(res.Peers))
	}
	if got := atomic.LoadInt32(&srv.connects); got < 2 {
		t.Errorf("expected at least 2 connect attempts, saw %d", got)
	}
}

func TestUDPAnnounceAttemptCount(t *testing.T) {
	srv := startFakeUDPTracker(t, func(f *fakeUDPTracker) { f.silent = true })

	c := testClient()
	c.UDPTimeout = 50 * time.Millisecond
	c.UDPRetries = 2

	if _, err := c.Announce(context.Background(), srv.url(), testAnnounce()); err == nil {
		t.Fatal("expected error from a silent tracker")
	}
	if got := atomic.LoadInt32(&srv.connects); got != 3 {
		t.Errorf("retries=2 must mean exactly 3 attempts, saw %d", got)
	}
}

func TestUDPAnnounceContextCancel(t *testing.T) {
	srv := startFakeUDPTracker(t, func(f *fakeUDPTracker) { f.silent = true })

	c := testClient()
	c.UDPTimeout = 5 * time.Second
	c.UDPRetries = 3

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.Announce(ctx, srv.url(), testAnnounce())
		done <- err
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected error after cancellation")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("announce did not return promptly after cancellation")
	}
}

func TestAnnouncerRoundStopsAtDesired(t *testing.T) {
	fast := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "d8:intervali120e5:peers%d:%se", len(compactPeers), compactPeers)
	}))
	defer fast.Close()

	hang := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	slow1 := httptest.NewServer(hang)
	defer slow1.Close()
	slow2 := httptest.NewServer(hang)
	defer slow2.Close()

	a := NewAnnouncer(testClient(), []string{slow1.URL, fast.URL, slow2.URL}, 1, zerolog.Nop())

	start := time.Now()
	round, err := a.Round(context.Background(), testAnnounce())
	if err != nil {
		t.Fatalf("Round failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("round waited %v for hanging trackers", elapsed)
	}
	if len(round.Responded) != 1 || round.Responded[0] != fast.URL {
		t.Errorf("responded = %v, want just the fast tracker", round.Responded)
	}
	if len(round.Peers) != 2 {
		t.Errorf("got %d peers, want 2", len(round.Peers))
	}
	if round.Interval != 120*time.Second {
		t.Errorf("interval = %v, want 120s", round.Interval)
	}
}

func TestAnnouncerRoundMergesAndDedups(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "d8:intervali300e5:peers%d:%se", len(compactPeers), compactPeers)
	})
	one := httptest.NewServer(handler)
	defer one.Close()
	two := httptest.NewServer(handler)
	defer two.Close()

	a := NewAnnouncer(testClient(), []string{one.URL, two.URL}, 2, zerolog.Nop())
	round, err := a.Round(context.Background(), testAnnounce())
	if err != nil {
		t.Fatalf("Round failed: %v", err)
	}
	if len(round.Responded) != 2 {
		t.Fatalf("responded = %v, want both", round.Responded)
	}
	if len(round.Peers) != 2 {
		t.Errorf("duplicate peers not merged: got %d, want 2", len(round.Peers))
	}
}

func TestAnnouncerRoundAllFail(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()

	a := NewAnnouncer(testClient(), []string{bad.URL}, 1, zerolog.Nop())
	if _, err := a.Round(context.Background(), testAnnounce()); err == nil {
		t.Fatal("expected error when no tracker responds")
	}
}
