package udp

import (
	"net"
	"testing"
	"time"

	"CSP/pkg/cspstack"
	"CSP/pkg/drivers/internal/drivertest"
)

func TestPingOverUDP(t *testing.T) {
	a := drivertest.Node(t, false)
	b := drivertest.Node(t, true)
	ctx := drivertest.Context(t)

	da, err := Open(a, Config{Name: "UDP", Addr: 1, Default: true})
	if err != nil {
		t.Fatalf("open a: %v", err)
	}
	db, err := Open(b, Config{Name: "UDP", Addr: 2, Default: true, Host: "127.0.0.1", RPort: da.LocalAddr().Port})
	if err != nil {
		t.Fatalf("open b: %v", err)
	}
	da.SetRemote(&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: db.LocalAddr().Port})
	go da.Run(ctx)
	go db.Run(ctx)

	if _, err := a.Ping(2, time.Second, 40, cspstack.OptCRC32); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if st := da.Interface().Stats(); st.Tx == 0 || st.Rx == 0 {
		t.Fatalf("udp counters = %+v", st)
	}
}

func TestShortDatagramIsAFrameError(t *testing.T) {
	n := drivertest.Node(t, false)
	ctx := drivertest.Context(t)
	d, err := Open(n, Config{Name: "UDP", Addr: 1})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	go d.Run(ctx)

	conn, err := net.DialUDP("udp4", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: d.LocalAddr().Port})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte{1, 2}); err != nil {
		t.Fatalf("write: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for d.Interface().Stats().Frame == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("short datagram not counted")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSendWithoutPeerFails(t *testing.T) {
	n := drivertest.Node(t, false)
	if _, err := Open(n, Config{Name: "UDP", Addr: 1, Default: true}); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := n.PingNoReply(2); err == nil {
		t.Fatalf("send without a peer succeeded")
	}
	if n.Pool().Remaining() != n.Config().BufferCount {
		t.Fatalf("packet leaked")
	}
}
