package frame

import (
	"bytes"
	stderrors "errors"
	"testing"

	gdberr "github.com/ultragdb/ultragdb/internal/errors"
	"github.com/ultragdb/ultragdb/internal/link"
)

// memLink is a loopback link: written chunks become readable.
type memLink struct {
	q      []byte
	writes int
}

func (m *memLink) CanRead() bool { return len(m.q) > 0 }

func (m *memLink) Read(p []byte) error {
	if len(m.q) < len(p) {
		return gdberr.TransportTimeout("mem read", 0)
	}
	copy(p, m.q)
	m.q = m.q[len(p):]
	return nil
}

func (m *memLink) Write(p []byte) error {
	m.writes++
	m.q = append(m.q, p...)
	return nil
}

func readFrame(t *testing.T, tr *Transport) (Header, []byte) {
	t.Helper()
	h, err := tr.Poll()
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	buf := make([]byte, 1<<16)
	n, err := tr.ReadBody(buf)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return h, buf[:n]
}

func TestSendPoll_RoundTrip(t *testing.T) {
	for _, size := range []int{0, 1, link.ChunkSize - 12, link.ChunkSize - 11, link.ChunkSize, 3*link.ChunkSize + 7} {
		l := &memLink{}
		tr := NewTransport(l)
		payload := make([]byte, size)
		for i := range payload {
			payload[i] = byte(i * 7)
		}
		if err := tr.Send(TypeGDB, payload); err != nil {
			t.Fatal(err)
		}
		if len(l.q)%link.ChunkSize != 0 {
			t.Fatalf("size %d: stream not chunk aligned (%d)", size, len(l.q))
		}
		h, got := readFrame(t, tr)
		if h.Type != TypeGDB || h.Length != size {
			t.Fatalf("size %d: header %+v", size, h)
		}
		if !bytes.Equal(got, payload) {
			t.Fatalf("size %d: payload mismatch", size)
		}
		if _, err := tr.Poll(); !stderrors.Is(err, gdberr.ErrNoData) {
			t.Fatalf("size %d: expected no data, got %v", size, err)
		}
	}
}

func TestSend_HeaderLayout(t *testing.T) {
	l := &memLink{}
	tr := NewTransport(l)
	if err := tr.SendText("hi"); err != nil {
		t.Fatal(err)
	}
	want := []byte{'D', 'M', 'A', '@', 1, 0, 0, 2, 'h', 'i', 'C', 'M', 'P', 'H', 0}
	if !bytes.Equal(l.q[:len(want)], want) {
		t.Fatalf("got % x", l.q[:len(want)])
	}
	if l.writes != 1 || len(l.q) != link.ChunkSize {
		t.Fatalf("expected one padded chunk, got %d writes / %d bytes", l.writes, len(l.q))
	}
}

func TestSend_MessageTooLong(t *testing.T) {
	tr := NewTransport(&memLink{})
	err := tr.Send(TypeRawBinary, make([]byte, MaxLength+1))
	if !stderrors.Is(err, gdberr.ErrMessageTooLong) {
		t.Fatalf("expected message too long, got %v", err)
	}
}

func TestPoll_FramesInArrivalOrder(t *testing.T) {
	l := &memLink{}
	tr := NewTransport(l)
	_ = tr.SendText("first")
	_ = tr.Send(TypeGDB, []byte("$g#67"))
	h, got := readFrame(t, tr)
	if h.Type != TypeText || string(got) != "first" {
		t.Fatalf("unexpected first frame %v %q", h, got)
	}
	h, got = readFrame(t, tr)
	if h.Type != TypeGDB || string(got) != "$g#67" {
		t.Fatalf("unexpected second frame %v %q", h, got)
	}
}

func TestPoll_HeaderResumesAcrossRefill(t *testing.T) {
	l := &memLink{}
	tr := NewTransport(l)

	first := make([]byte, link.ChunkSize)
	copy(first[link.ChunkSize-6:], "xxDMA@")
	l.q = append(l.q, first...)

	second := make([]byte, link.ChunkSize)
	copy(second, []byte{byte(TypeGDB), 0, 0, 3, 'a', 'b', 'c', 'C', 'M', 'P', 'H'})

	if _, err := tr.Poll(); !stderrors.Is(err, gdberr.ErrNoData) {
		t.Fatalf("expected no data mid header, got %v", err)
	}
	l.q = append(l.q, second...)
	h, got := readFrame(t, tr)
	if h.Type != TypeGDB || string(got) != "abc" {
		t.Fatalf("unexpected %v %q", h, got)
	}
}

func TestReadBody_FooterAcrossRefill(t *testing.T) {
	l := &memLink{}
	tr := NewTransport(l)
	// 8 byte header + 502 payload leaves 2 footer bytes in the first chunk
	payload := bytes.Repeat([]byte{'z'}, link.ChunkSize-headerSize-2)
	if err := tr.Send(TypeRawBinary, payload); err != nil {
		t.Fatal(err)
	}
	if len(l.q) != 2*link.ChunkSize {
		t.Fatalf("expected footer to spill into second chunk")
	}
	_, got := readFrame(t, tr)
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch")
	}
}

func TestReadBody_BadFooterThenResync(t *testing.T) {
	l := &memLink{}
	tr := NewTransport(l)
	_ = tr.Send(TypeGDB, []byte("broken"))
	// corrupt the footer of the first frame
	copy(l.q[headerSize+len("broken"):], "XXXX")
	_ = tr.Send(TypeGDB, []byte("intact"))

	if _, err := tr.Poll(); err != nil {
		t.Fatal(err)
	}
	_, err := tr.ReadBody(make([]byte, 64))
	if !stderrors.Is(err, gdberr.ErrBadFooter) {
		t.Fatalf("expected bad footer, got %v", err)
	}
	_, got := readFrame(t, tr)
	if string(got) != "intact" {
		t.Fatalf("resync failed, got %q", got)
	}
}

func TestReadBody_BufferTooSmallSkipsFrame(t *testing.T) {
	l := &memLink{}
	tr := NewTransport(l)
	_ = tr.Send(TypeGDB, []byte("0123456789"))
	_ = tr.SendText("next")
	if _, err := tr.Poll(); err != nil {
		t.Fatal(err)
	}
	if _, err := tr.ReadBody(make([]byte, 4)); !stderrors.Is(err, gdberr.ErrBufferTooSmall) {
		t.Fatalf("expected buffer too small, got %v", err)
	}
	_, got := readFrame(t, tr)
	if string(got) != "next" {
		t.Fatalf("expected next frame, got %q", got)
	}
}

func TestPoll_RepeatedPollKeepsHeader(t *testing.T) {
	l := &memLink{}
	tr := NewTransport(l)
	_ = tr.SendText("once")
	h1, _ := tr.Poll()
	h2, _ := tr.Poll()
	if h1 != h2 {
		t.Fatalf("pending header changed: %v %v", h1, h2)
	}
	if _, err := tr.ReadBody(make([]byte, 8)); err != nil {
		t.Fatal(err)
	}
	if _, err := tr.ReadBody(make([]byte, 8)); !stderrors.Is(err, gdberr.ErrNoData) {
		t.Fatalf("body without header must fail, got %v", err)
	}
}

func TestTransport_OverEverDrive(t *testing.T) {
	cart := link.NewSimCart()
	ed, err := link.NewEverDrive(cart, nil)
	if err != nil {
		t.Fatal(err)
	}
	target := NewTransport(ed)

	// the host writes a frame into the cart, the target receives it
	host := &memLink{}
	hostTr := NewTransport(host)
	_ = hostTr.Send(TypeGDB, []byte("$?#3f"))
	if _, err := cart.Host().Write(host.q); err != nil {
		t.Fatal(err)
	}
	h, got := readFrame(t, target)
	if h.Type != TypeGDB || string(got) != "$?#3f" {
		t.Fatalf("unexpected %v %q", h, got)
	}

	// and the reply reaches the host
	if err := target.Send(TypeGDB, []byte("+")); err != nil {
		t.Fatal(err)
	}
	if cart.HostPending() != link.ChunkSize {
		t.Fatalf("expected one chunk for host, got %d", cart.HostPending())
	}
}
