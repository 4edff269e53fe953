package rsp

import (
	"bytes"
	stderrors "errors"
	"strings"
	"testing"

	gdberr "github.com/ultragdb/ultragdb/internal/errors"
)

func TestSerialize_Checksum(t *testing.T) {
	cases := map[string]string{
		"OK":         "$OK#9a",
		"":           "$#00",
		"qSupported": "$qSupported#37",
		"?":          "$?#3f",
		"g":          "$g#67",
	}
	for body, want := range cases {
		if got := string(Serialize([]byte(body))); got != want {
			t.Fatalf("Serialize(%q) = %q, want %q", body, got, want)
		}
	}
}

func TestParse_SerializeIdempotent(t *testing.T) {
	bodies := []string{"", "OK", "m80001000,4", "vCont;c:1;t", strings.Repeat("a", MaxPacketSize-4)}
	for _, body := range bodies {
		wire := Serialize([]byte(body))
		p, err := Parse(wire)
		if err != nil {
			t.Fatalf("parse %q: %v", body, err)
		}
		if !p.Valid || p.Len != len(wire) {
			t.Fatalf("parse %q: valid=%v len=%d", body, p.Valid, p.Len)
		}
		if again := Serialize(p.Body); !bytes.Equal(again, wire) {
			t.Fatalf("round trip changed %q into %q", wire, again)
		}
	}
}

func TestParse_SkipsNoise(t *testing.T) {
	p, err := Parse([]byte("++\x03$qC#b4rest"))
	if err != nil {
		t.Fatal(err)
	}
	if string(p.Noise) != "++\x03" || string(p.Body) != "qC" || p.Command != 'q' {
		t.Fatalf("unexpected packet %+v", p)
	}
	if string(p.Raw) != "$qC#" {
		t.Fatalf("raw = %q", p.Raw)
	}
	if p.Len != len("++\x03$qC#b4") {
		t.Fatalf("len = %d", p.Len)
	}
}

func TestParse_BadChecksum(t *testing.T) {
	p, err := Parse([]byte("$OK#00"))
	if err != nil {
		t.Fatal(err)
	}
	if p.Valid {
		t.Fatalf("checksum mismatch must be invalid")
	}
	p, _ = Parse([]byte("$OK#zz"))
	if p.Valid {
		t.Fatalf("non-hex checksum must be invalid")
	}
}

func TestParse_Incomplete(t *testing.T) {
	for _, in := range []string{"$qSupp", "$OK#", "$OK#9"} {
		if _, err := Parse([]byte(in)); !stderrors.Is(err, ErrIncomplete) {
			t.Fatalf("%q: expected incomplete, got %v", in, err)
		}
	}
}

func TestParse_BadPacket(t *testing.T) {
	if _, err := Parse([]byte("+++")); !stderrors.Is(err, gdberr.ErrBadPacket) {
		t.Fatalf("expected bad packet, got %v", err)
	}
	long := append([]byte{'$'}, bytes.Repeat([]byte{'x'}, MaxPacketSize+1)...)
	if _, err := Parse(long); !stderrors.Is(err, gdberr.ErrBadPacket) {
		t.Fatalf("expected bad packet for overlong, got %v", err)
	}
}

func TestParse_RestartedPacket(t *testing.T) {
	p, err := Parse([]byte("$garb$?#3f"))
	if err != nil {
		t.Fatal(err)
	}
	if string(p.Body) != "?" || !p.Valid {
		t.Fatalf("unexpected %+v", p)
	}
}

func TestHex(t *testing.T) {
	if got := string(AppendHexBytes(nil, []byte{0x00, 0x0d, 0xff})); got != "000dff" {
		t.Fatalf("AppendHexBytes = %q", got)
	}
	buf := make([]byte, 4)
	n, used := DecodeHexBytes(buf, []byte("DEADbeefcafe"))
	if n != 4 || used != 8 || !bytes.Equal(buf, []byte{0xde, 0xad, 0xbe, 0xef}) {
		t.Fatalf("DecodeHexBytes n=%d used=%d % x", n, used, buf)
	}
	n, _ = DecodeHexBytes(buf, []byte("12x4"))
	if n != 1 {
		t.Fatalf("decode must stop at non-hex, n=%d", n)
	}

	v, used := ParseHex[uint32]([]byte("80001000,4"), 4)
	if v != 0x80001000 || used != 8 {
		t.Fatalf("ParseHex = %#x, %d", v, used)
	}
	v64, used := ParseHex[uint64]([]byte("ffffffff80000400"), 8)
	if v64 != 0xffffffff80000400 || used != 16 {
		t.Fatalf("ParseHex 64 = %#x, %d", v64, used)
	}
	v8, used := ParseHex[uint8]([]byte("1234"), 1)
	if v8 != 0x12 || used != 2 {
		t.Fatalf("ParseHex max bytes = %#x, %d", v8, used)
	}

	if got := string(AppendHex(nil, uint32(0))); got != "0" {
		t.Fatalf("AppendHex(0) = %q", got)
	}
	if got := string(AppendHex(nil, uint32(0x1a))); got != "1a" {
		t.Fatalf("AppendHex = %q", got)
	}
	if got := string(AppendHexFixed(nil, uint32(0x0d), 4)); got != "0000000d" {
		t.Fatalf("AppendHexFixed = %q", got)
	}
	if got := string(AppendHexFixed(nil, uint64(0xffffffff80000400), 8)); got != "ffffffff80000400" {
		t.Fatalf("AppendHexFixed 64 = %q", got)
	}
}
