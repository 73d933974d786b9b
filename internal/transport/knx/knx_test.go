package knx

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nerrad567/homegate/internal/fault"
	"github.com/nerrad567/homegate/internal/transport"
)

// fakeKNXD accepts GROUPCON sessions and records group packets.
type fakeKNXD struct {
	ln         net.Listener
	rejectOpen atomic.Bool

	mu      sync.Mutex
	packets [][]byte
	conns   []net.Conn
	got     chan struct{}
}

func newFakeKNXD(t *testing.T) *fakeKNXD {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	f := &fakeKNXD{ln: ln, got: make(chan struct{}, 16)}
	go f.serve()
	t.Cleanup(func() {
		ln.Close()
		f.dropAll()
	})
	return f
}

func (f *fakeKNXD) url() string { return "tcp://" + f.ln.Addr().String() }

func (f *fakeKNXD) serve() {
	for {
		c, err := f.ln.Accept()
		if err != nil {
			return
		}
		f.mu.Lock()
		f.conns = append(f.conns, c)
		f.mu.Unlock()
		go f.handle(c)
	}
}

func readFrame(r io.Reader) (uint16, []byte, error) {
	var size [2]byte
	if _, err := io.ReadFull(r, size[:]); err != nil {
		return 0, nil, err
	}
	body := make([]byte, binary.BigEndian.Uint16(size[:]))
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, err
	}
	return binary.BigEndian.Uint16(body[:2]), body[2:], nil
}

func (f *fakeKNXD) handle(c net.Conn) {
	defer c.Close()

	msgType, _, err := readFrame(c)
	if err != nil || msgType != EIBOpenGroupCon {
		return
	}
	if f.rejectOpen.Load() {
		c.Write(EncodeKNXDMessage(0x0000, nil))
		return
	}
	c.Write(EncodeKNXDMessage(EIBOpenGroupCon, nil))

	// Some bus traffic the client has to skip over.
	c.Write(EncodeKNXDMessage(EIBGroupPacket, []byte{0x11, 0x05, 0x08, 0x01, 0x00, 0x81}))

	for {
		msgType, payload, err := readFrame(c)
		if err != nil {
			return
		}
		if msgType == EIBGroupPacket {
			f.mu.Lock()
			f.packets = append(f.packets, payload)
			f.mu.Unlock()
			f.got <- struct{}{}
		}
	}
}

func (f *fakeKNXD) dropAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.conns {
		c.Close()
	}
}

func (f *fakeKNXD) wait(t *testing.T) []byte {
	t.Helper()
	select {
	case <-f.got:
	case <-time.After(2 * time.Second):
		t.Fatal("no group packet received")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.packets[len(f.packets)-1]
}

func TestParseGroupAddress(t *testing.T) {
	tests := []struct {
		in      string
		want    GroupAddress
		wantErr bool
	}{
		{in: "1/2/3", want: GroupAddress{1, 2, 3}},
		{in: " 31/7/255 ", want: GroupAddress{31, 7, 255}},
		{in: "0/0/0", want: GroupAddress{}},
		{in: "32/0/0", wantErr: true},
		{in: "1/8/0", wantErr: true},
		{in: "1/2/256", wantErr: true},
		{in: "1/2", wantErr: true},
		{in: "a/b/c", wantErr: true},
		{in: "Z3", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseGroupAddress(tt.in)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidGroupAddress) {
					t.Fatalf("ParseGroupAddress() error = %v, want ErrInvalidGroupAddress", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseGroupAddress() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("ParseGroupAddress() = %v, want %v", got, tt.want)
			}
			if back := GroupAddressFromUint16(got.ToUint16()); back != got {
				t.Errorf("uint16 round trip = %v, want %v", back, got)
			}
		})
	}
}

func TestTelegram_Encode(t *testing.T) {
	ga := GroupAddress{1, 2, 3}
	tests := []struct {
		name string
		data []byte
		want []byte
	}{
		{"short on", []byte{0x01}, []byte{0x0A, 0x03, 0x00, 0x81}},
		{"short off", []byte{0x00}, []byte{0x0A, 0x03, 0x00, 0x80}},
		{"long", []byte{0x0C, 0x1A}, []byte{0x0A, 0x03, 0x00, 0x80, 0x0C, 0x1A}},
		{"single byte above short range", []byte{0x80}, []byte{0x0A, 0x03, 0x00, 0x80, 0x80}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NewWriteTelegram(ga, tt.data).Encode(); !bytes.Equal(got, tt.want) {
				t.Errorf("Encode() = % X, want % X", got, tt.want)
			}
		})
	}
}

func TestParseTelegram(t *testing.T) {
	tg, err := ParseTelegram([]byte{0x11, 0x05, 0x0A, 0x03, 0x00, 0x81})
	if err != nil {
		t.Fatalf("ParseTelegram() error = %v", err)
	}
	if tg.Source != "1.1.5" || tg.Destination != (GroupAddress{1, 2, 3}) || tg.APCI != APCIWrite {
		t.Errorf("ParseTelegram() = %+v", tg)
	}
	if !bytes.Equal(tg.Data, []byte{0x01}) {
		t.Errorf("Data = % X, want 01", tg.Data)
	}

	if _, err := ParseTelegram([]byte{0x00, 0x01}); !errors.Is(err, ErrInvalidTelegram) {
		t.Errorf("short packet error = %v, want ErrInvalidTelegram", err)
	}
}

func TestKNXDMessage_Framing(t *testing.T) {
	msg := EncodeKNXDMessage(EIBGroupPacket, []byte{0xAA, 0xBB})
	if !bytes.Equal(msg, []byte{0x00, 0x04, 0x00, 0x27, 0xAA, 0xBB}) {
		t.Fatalf("EncodeKNXDMessage() = % X", msg)
	}

	msgType, payload, err := ParseKNXDMessage(msg)
	if err != nil || msgType != EIBGroupPacket || !bytes.Equal(payload, []byte{0xAA, 0xBB}) {
		t.Errorf("ParseKNXDMessage() = %X % X %v", msgType, payload, err)
	}

	if _, _, err := ParseKNXDMessage([]byte{0x00, 0x09, 0x00, 0x27}); !errors.Is(err, ErrInvalidTelegram) {
		t.Errorf("size mismatch error = %v", err)
	}
}

func TestParseConnectionURL(t *testing.T) {
	tests := []struct {
		url         string
		wantNetwork string
		wantAddress string
		wantErr     bool
	}{
		{url: "unix:///run/knxd", wantNetwork: "unix", wantAddress: "/run/knxd"},
		{url: "tcp://192.168.1.100:6720", wantNetwork: "tcp", wantAddress: "192.168.1.100:6720"},
		{url: "tcp://", wantNetwork: "tcp", wantAddress: "localhost:6720"},
		{url: "http://localhost:6720", wantErr: true},
		{url: "://invalid", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			network, address, err := parseConnectionURL(tt.url)
			if tt.wantErr {
				if err == nil {
					t.Error("parseConnectionURL() expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("parseConnectionURL() error = %v", err)
			}
			if network != tt.wantNetwork || address != tt.wantAddress {
				t.Errorf("got %s %s, want %s %s", network, address, tt.wantNetwork, tt.wantAddress)
			}
		})
	}
}

func TestDriver_GroupWrite(t *testing.T) {
	knxd := newFakeKNXD(t)
	c, err := New().Dial(context.Background(), knxd.url())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer c.Close()

	call, err := c.Send(context.Background(), "1/2/3", []byte{0x01})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	reply, err := call.Reply(context.Background())
	if err != nil || string(reply) != "ok" {
		t.Fatalf("Reply() = %q, %v; want ok", reply, err)
	}

	if got := knxd.wait(t); !bytes.Equal(got, []byte{0x0A, 0x03, 0x00, 0x81}) {
		t.Errorf("knxd received % X", got)
	}
	if m, ok := c.(transport.Multiplexer); !ok || !m.Multiplexed() {
		t.Error("knx connections should be multiplexed")
	}
}

func TestDriver_InvalidTargets(t *testing.T) {
	knxd := newFakeKNXD(t)
	c, err := New().Dial(context.Background(), knxd.url())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer c.Close()

	tests := []struct {
		name    string
		target  string
		command []byte
	}{
		{"not a group address", "Z3", []byte{0x01}},
		{"empty payload", "1/2/3", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Send(context.Background(), tt.target, tt.command)
			if !fault.Is(err, fault.InvalidArgument) {
				t.Errorf("Send() error = %v, want invalid argument", err)
			}
		})
	}
}

func TestDriver_HandshakeRejected(t *testing.T) {
	knxd := newFakeKNXD(t)
	knxd.rejectOpen.Store(true)

	if _, err := New().Dial(context.Background(), knxd.url()); !errors.Is(err, ErrHandshake) {
		t.Errorf("Dial() error = %v, want ErrHandshake", err)
	}
}

func TestDriver_SendAfterConnectionLost(t *testing.T) {
	knxd := newFakeKNXD(t)
	c, err := New().Dial(context.Background(), knxd.url())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer c.Close()

	knxd.dropAll()
	gc := c.(*groupConn)
	select {
	case <-gc.c.dead:
	case <-time.After(2 * time.Second):
		t.Fatal("connection loss not detected")
	}

	if _, err := c.Send(context.Background(), "1/2/3", []byte{0x01}); err == nil {
		t.Error("Send() on a dead connection succeeded")
	}
}
