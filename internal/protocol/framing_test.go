package protocol

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	payloads := [][]byte{
		{},
		[]byte("a"),
		bytes.Repeat([]byte("swarm"), 1000),
	}

	var buf bytes.Buffer
	for _, p := range payloads {
		require.NoError(t, WriteFrame(&buf, p))
	}
	for _, want := range payloads {
		got, err := ReadFrame(&buf)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ReadFrame(&buf)
	assert.Equal(t, io.EOF, err)
}

func TestFrameHeaderIsBigEndian(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte("abc")))
	assert.Equal(t, []byte{0, 0, 0, 3, 'a', 'b', 'c'}, buf.Bytes())
}

func TestOversizedFrameRejected(t *testing.T) {
	// Writing above the cap fails before touching the writer.
	var buf bytes.Buffer
	err := WriteFrame(&buf, make([]byte, MaxFrameSize+1))
	require.ErrorIs(t, err, ErrFrameTooLarge)
	assert.Zero(t, buf.Len())

	// A header that declares 20 MiB is rejected without allocating it.
	var hostile bytes.Buffer
	hostile.Write([]byte{0x01, 0x40, 0x00, 0x00}) // 20 MiB
	_, err = ReadFrame(&hostile)
	require.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestTruncatedFrame(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte("hello")))
	truncated := buf.Bytes()[:buf.Len()-2]
	_, err := ReadFrame(bytes.NewReader(truncated))
	require.Error(t, err)
	assert.NotEqual(t, io.EOF, err)
}

func TestLargeBatchRoundTrip(t *testing.T) {
	// A DataUpdate with 10k attributes (~200 KiB) must round-trip cleanly
	// under the 10 MiB cap.
	attrs := make([]string, 10_000)
	for i := range attrs {
		attrs[i] = fmt.Sprintf("attribute-%06d-padding-padding", i)
	}
	upd := &ProducerUpdate{
		Type: UpdData,
		Data: &DataUpdate{
			ProducerID:   NewProducerID(),
			Attributes:   attrs,
			ProviderUsed: ProviderRandom,
			ProviderMetadata: ProviderMetadata{
				ResponseTimeMillis: 12,
				Success:            true,
			},
		},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, upd))
	require.Greater(t, buf.Len(), 200_000)
	require.Less(t, buf.Len(), MaxFrameSize)

	got, err := ReadMessage[ProducerUpdate](&buf)
	require.NoError(t, err)
	assert.Equal(t, upd.Data.Attributes, got.Data.Attributes)
}

func TestSendToAndServe(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	received := make(chan *ProducerUpdate, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = Serve(ctx, ln, func(msg *ProducerUpdate) { received <- msg })
	}()

	msg := &ProducerUpdate{Type: UpdPong, CommandID: 42}
	require.NoError(t, SendTo(ctx, ln.Addr().String(), msg))

	select {
	case got := <-received:
		assert.Equal(t, uint64(42), got.CommandID)
		assert.Equal(t, UpdPong, got.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("message not received")
	}
}

func TestServeDropsBadConnectionOnly(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	received := make(chan *ProducerUpdate, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = Serve(ctx, ln, func(msg *ProducerUpdate) { received <- msg })
	}()

	// An oversized header drops that connection without killing the server.
	bad, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	_, err = bad.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF})
	require.NoError(t, err)
	_ = bad.Close()

	require.NoError(t, SendTo(ctx, ln.Addr().String(), &ProducerUpdate{Type: UpdPong, CommandID: 7}))
	select {
	case got := <-received:
		assert.Equal(t, uint64(7), got.CommandID)
	case <-time.After(2 * time.Second):
		t.Fatal("listener died after bad frame")
	}
}
