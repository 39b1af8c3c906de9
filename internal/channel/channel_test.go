package channel

import (
	"bytes"
	"context"
	"errors"
	"net"
	"testing"
	"time"
)

func TestWriteReadFrame(t *testing.T) {
	var buf bytes.Buffer
	payloads := [][]byte{[]byte("first"), {}, bytes.Repeat([]byte{0xAB}, 4096)}
	for _, p := range payloads {
		if err := WriteFrame(&buf, p); err != nil {
			t.Fatalf("WriteFrame: %v", err)
		}
	}
	for i, want := range payloads {
		got, err := ReadFrame(&buf)
		if err != nil {
			t.Fatalf("ReadFrame %d: %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("frame %d = %d bytes, want %d", i, len(got), len(want))
		}
	}
}

func TestWriteFrameTooLarge(t *testing.T) {
	var buf bytes.Buffer
	err := WriteFrame(&buf, make([]byte, MaxFrameSize+1))
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("WriteFrame error = %v, want ErrFrameTooLarge", err)
	}
	if buf.Len() != 0 {
		t.Errorf("wrote %d bytes for rejected frame", buf.Len())
	}
}

func TestReadFrameTooLarge(t *testing.T) {
	buf := bytes.NewReader([]byte{0x04, 0x00, 0x00, 0x01}) // 64 MiB + 1
	if _, err := ReadFrame(buf); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("ReadFrame error = %v, want ErrFrameTooLarge", err)
	}
}

func TestReadFrameTruncated(t *testing.T) {
	buf := bytes.NewReader([]byte{0, 0, 0, 5, 'a', 'b'})
	if _, err := ReadFrame(buf); err == nil {
		t.Fatal("expected error for truncated payload")
	}
}

func TestChannelSendReceive(t *testing.T) {
	server, client := net.Pipe()
	ch := New(client, nil)
	defer ch.Close()

	// Mock worker: echo one frame back.
	go func() {
		frame, err := ReadFrame(server)
		if err != nil {
			t.Errorf("mock read: %v", err)
			return
		}
		if err := WriteFrame(server, append([]byte("echo:"), frame...)); err != nil {
			t.Errorf("mock write: %v", err)
		}
	}()

	if err := ch.Send([]byte("ping")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	got, err := ch.Receive(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if string(got) != "echo:ping" {
		t.Errorf("Receive = %q, want %q", got, "echo:ping")
	}
	if !ch.IsConnected() {
		t.Error("IsConnected = false, want true")
	}
}

func TestChannelSendOversizedKeepsChannelOpen(t *testing.T) {
	server, client := net.Pipe()
	ch := New(client, nil)
	defer ch.Close()

	err := ch.Send(make([]byte, MaxFrameSize+1))
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("Send error = %v, want ErrFrameTooLarge", err)
	}
	if errors.Is(err, ErrTransport) {
		t.Errorf("oversized send reported as transport error: %v", err)
	}
	if !ch.IsConnected() {
		t.Fatal("IsConnected = false after rejected frame")
	}

	got := make(chan string, 1)
	go func() {
		frame, _ := ReadFrame(server)
		got <- string(frame)
	}()
	if err := ch.Send([]byte("after")); err != nil {
		t.Fatalf("Send after rejected frame: %v", err)
	}
	if frame := <-got; frame != "after" {
		t.Errorf("peer read %q, want %q", frame, "after")
	}
}

func TestChannelReceiveTimeoutKeepsFraming(t *testing.T) {
	server, client := net.Pipe()
	ch := New(client, nil)
	defer ch.Close()

	_, err := ch.Receive(context.Background(), 20*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Receive error = %v, want ErrTimeout", err)
	}
	if errors.Is(err, ErrTransport) {
		t.Error("timeout must not be reported as a transport error")
	}
	if !ch.IsConnected() {
		t.Fatal("channel closed after timeout")
	}

	go WriteFrame(server, []byte("late"))

	got, err := ch.Receive(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("Receive after timeout: %v", err)
	}
	if string(got) != "late" {
		t.Errorf("Receive = %q, want %q", got, "late")
	}
}

func TestChannelReceiveContextCanceled(t *testing.T) {
	_, client := net.Pipe()
	ch := New(client, nil)
	defer ch.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := ch.Receive(ctx, 0)
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("Receive error = %v, want ErrTimeout", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Receive error = %v, want context.Canceled", err)
	}
}

func TestChannelPeerClose(t *testing.T) {
	server, client := net.Pipe()
	ch := New(client, nil)
	defer ch.Close()

	server.Close()

	_, err := ch.Receive(context.Background(), time.Second)
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("Receive error = %v, want ErrTransport", err)
	}
	if ch.IsConnected() {
		t.Error("IsConnected = true after peer close")
	}
	if ch.Err() == nil {
		t.Error("Err = nil after peer close")
	}

	if err := ch.Send([]byte("x")); !errors.Is(err, ErrTransport) {
		t.Errorf("Send error = %v, want ErrTransport", err)
	}
}

func TestChannelDeliversQueuedFramesAfterPeerClose(t *testing.T) {
	server, client := net.Pipe()
	ch := New(client, nil)
	defer ch.Close()

	if err := WriteFrame(server, []byte("last words")); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	server.Close()

	select {
	case <-ch.Done():
	case <-time.After(time.Second):
		t.Fatal("channel did not observe peer close")
	}

	got, err := ch.Receive(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if string(got) != "last words" {
		t.Errorf("Receive = %q, want %q", got, "last words")
	}
	if _, err := ch.Receive(context.Background(), time.Second); !errors.Is(err, ErrTransport) {
		t.Errorf("second Receive error = %v, want ErrTransport", err)
	}
}

func TestChannelCloseIdempotent(t *testing.T) {
	_, client := net.Pipe()
	ch := New(client, nil)

	if err := ch.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := ch.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	err := ch.Send([]byte("x"))
	if !errors.Is(err, ErrTransport) || !errors.Is(err, ErrClosed) {
		t.Errorf("Send after Close = %v, want ErrTransport wrapping ErrClosed", err)
	}
}
