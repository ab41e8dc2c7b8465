package agentproto

import (
	"bufio"
	"bytes"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	want := Frame{Type: MsgResult, Payload: []byte("hello\x00world\x00")}
	if err := WriteFrame(&buf, want); err != nil {
		t.Fatal(err)
	}
	got, err := ReadFrame(bufio.NewReader(&buf))
	if err != nil {
		t.Fatal(err)
	}
	if got.Type != want.Type || !bytes.Equal(got.Payload, want.Payload) {
		t.Fatalf("got %+v want %+v", got, want)
	}
}

func TestTokenRoundTrip(t *testing.T) {
	tokens := []string{"a", "bb", "", "ccc"}
	encoded := EncodeTokens(tokens...)
	got := DecodeTokens(encoded)
	if len(got) != len(tokens) {
		t.Fatalf("got %v want %v", got, tokens)
	}
	for i := range tokens {
		if got[i] != tokens[i] {
			t.Fatalf("index %d: got %q want %q", i, got[i], tokens[i])
		}
	}
}

func TestCommandRoundTrip(t *testing.T) {
	payload := EncodeCommand(CmdConfRefreshHBA, nil, "trust", "0", "31")
	cmd, args, err := DecodeCommand(payload)
	if err != nil {
		t.Fatal(err)
	}
	if cmd != CmdConfRefreshHBA {
		t.Fatalf("got cmd %v", cmd)
	}
	want := []string{"trust", "0", "31"}
	if len(args) != len(want) {
		t.Fatalf("got %v want %v", args, want)
	}
	for i := range want {
		if args[i] != want[i] {
			t.Fatalf("index %d: got %q want %q", i, args[i], want[i])
		}
	}
}

func TestConfigWriteTokensOrdered(t *testing.T) {
	cw := ConfigWrite{
		TargetPath:  "/data/dn1/postgresql.conf",
		Options:     map[string]string{"port": "5432", "synchronous_standby_names": "1 (dn1s)"},
		OrderedKeys: []string{"port", "synchronous_standby_names"},
	}
	got := cw.Tokens()
	want := []string{"/data/dn1/postgresql.conf", "port", "5432", "synchronous_standby_names", "1 (dn1s)"}
	if len(got) != len(want) {
		t.Fatalf("got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("index %d: got %q want %q", i, got[i], want[i])
		}
	}
}

func TestZeroLengthFrameRejected(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0, 0, 0, 0})
	if _, err := ReadFrame(bufio.NewReader(buf)); err == nil {
		t.Fatal("expected error on zero-length frame")
	}
}
