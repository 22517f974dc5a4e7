package omx_test

import (
	"errors"
	"testing"

	"github.com/open-mx/omxd/internal/omx"
)

func TestMarshalUnmarshalConnectRequestRoundTrip(t *testing.T) {
	t.Parallel()

	want := &omx.ConnectRequestWire{
		SrcSessionID:          7,
		AppKey:                0xdeadbeef,
		ConnectSeqnum:          3,
		TargetRecvSeqnumStart: 42,
	}

	buf := make([]byte, omx.ConnectRequestWireSize)
	n, err := omx.MarshalConnectRequest(want, buf)
	if err != nil {
		t.Fatalf("MarshalConnectRequest: %v", err)
	}
	if n != omx.ConnectRequestWireSize {
		t.Fatalf("MarshalConnectRequest wrote %d bytes, want %d", n, omx.ConnectRequestWireSize)
	}

	isReply, err := omx.IsReply(buf)
	if err != nil {
		t.Fatalf("IsReply: %v", err)
	}
	if isReply {
		t.Error("IsReply = true for a connect request")
	}

	got, err := omx.UnmarshalConnectRequest(buf)
	if err != nil {
		t.Fatalf("UnmarshalConnectRequest: %v", err)
	}
	if *got != *want {
		t.Errorf("round trip = %+v, want %+v", got, want)
	}
}

func TestMarshalUnmarshalConnectReplyRoundTrip(t *testing.T) {
	t.Parallel()

	want := &omx.ConnectReplyWire{
		SrcSessionID:          7,
		TargetSessionID:       9,
		ConnectSeqnum:         3,
		TargetRecvSeqnumStart: 42,
		StatusCode:            omx.ConnectStatusBadKey,
	}

	buf := make([]byte, omx.ConnectReplyWireSize)
	n, err := omx.MarshalConnectReply(want, buf)
	if err != nil {
		t.Fatalf("MarshalConnectReply: %v", err)
	}
	if n != omx.ConnectReplyWireSize {
		t.Fatalf("MarshalConnectReply wrote %d bytes, want %d", n, omx.ConnectReplyWireSize)
	}

	isReply, err := omx.IsReply(buf)
	if err != nil {
		t.Fatalf("IsReply: %v", err)
	}
	if !isReply {
		t.Error("IsReply = false for a connect reply")
	}

	got, err := omx.UnmarshalConnectReply(buf)
	if err != nil {
		t.Fatalf("UnmarshalConnectReply: %v", err)
	}
	if *got != *want {
		t.Errorf("round trip = %+v, want %+v", got, want)
	}
}

func TestMarshalConnectRequestTooShort(t *testing.T) {
	t.Parallel()

	buf := make([]byte, omx.ConnectRequestWireSize-1)
	if _, err := omx.MarshalConnectRequest(&omx.ConnectRequestWire{}, buf); !errors.Is(err, omx.ErrWireTooShort) {
		t.Errorf("MarshalConnectRequest with short buf error = %v, want ErrWireTooShort", err)
	}
}

func TestUnmarshalConnectReplyTooShort(t *testing.T) {
	t.Parallel()

	if _, err := omx.UnmarshalConnectReply(make([]byte, omx.ConnectReplyWireSize-1)); !errors.Is(err, omx.ErrWireTooShort) {
		t.Errorf("UnmarshalConnectReply with short buf error = %v, want ErrWireTooShort", err)
	}
}

func TestIsReplyTooShort(t *testing.T) {
	t.Parallel()

	if _, err := omx.IsReply(make([]byte, 3)); !errors.Is(err, omx.ErrWireTooShort) {
		t.Errorf("IsReply with short buf error = %v, want ErrWireTooShort", err)
	}
}

func TestAcquireReleaseWireBufIsReusableAndSized(t *testing.T) {
	t.Parallel()

	buf := omx.AcquireWireBuf()
	if len(*buf) < omx.ConnectReplyWireSize {
		t.Fatalf("pooled buffer len = %d, want >= %d", len(*buf), omx.ConnectReplyWireSize)
	}
	omx.ReleaseWireBuf(buf)
}
