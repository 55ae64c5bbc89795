package bridge

import (
	"io"
	"net"
	"testing"
	"time"
)

// TestLineReader_Fragmentation proves the framing property: however the
// byte stream is fragmented, the receiver parses the same sequence of
// frames.
func TestLineReader_Fragmentation(t *testing.T) {
	frames := []string{
		`{"type":"request","id":"1","method":"ping"}`,
		`{"type":"response","id":"1","result":{}}`,
		`{"type":"notification","notification":{"method":"notifications/tools/list_changed"}}`,
	}

	stream := ""
	for _, f := range frames {
		stream += f + "\n"
	}

	// Deliver the stream one byte at a time.
	client, server := net.Pipe()
	go func() {
		defer client.Close()
		for i := 0; i < len(stream); i++ {
			if _, err := client.Write([]byte{stream[i]}); err != nil {
				return
			}
		}
	}()

	reader := newLineReader(server)
	for i, want := range frames {
		got, err := reader.next()
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if string(got) != want {
			t.Errorf("frame %d = %q, want %q", i, got, want)
		}
	}

	if _, err := reader.next(); err != io.EOF {
		t.Errorf("after last frame: err = %v, want EOF", err)
	}
}

func TestLineReader_ChunkedAcrossFrameBoundaries(t *testing.T) {
	stream := "{\"type\":\"request\",\"id\":\"a\"}\n{\"type\":\"request\",\"id\":\"b\"}\n"

	client, server := net.Pipe()
	go func() {
		defer client.Close()
		// Split mid-frame: first write ends inside the second frame.
		chunks := []string{stream[:35], stream[35:]}
		for _, c := range chunks {
			if _, err := client.Write([]byte(c)); err != nil {
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}()

	reader := newLineReader(server)
	for _, wantID := range []string{"a", "b"} {
		line, err := reader.next()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if !containsID(line, wantID) {
			t.Errorf("frame %q missing id %q", line, wantID)
		}
	}
}

func containsID(line []byte, id string) bool {
	return string(line) != "" && (string(line) == `{"type":"request","id":"`+id+`"}`)
}
