package core

import (
	"testing"
	"time"

	"go.uber.org/goleak"
)

// newTestUDPTransport joins the loopback-local multicast group on a
// dedicated port per test, so parallel test binaries don't collide on a
// shared socket.
func newTestUDPTransport(t *testing.T, groupPort int) *UDPTransport {
	t.Helper()
	invoker := NewInvoker()
	transport, err := NewUDPTransport("224.0.0.251", groupPort, testLogger{}, invoker)
	if err != nil {
		t.Fatalf("NewUDPTransport failed: %v", err)
	}
	t.Cleanup(func() {
		transport.Close()
		invoker.Stop()
	})
	return transport
}

func TestUDPTransportMulticastLoopsBackToSender(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	transport := newTestUDPTransport(t, 21300)

	if err := transport.Send(21300, []byte("hello")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	select {
	case packet := <-transport.Listen():
		if string(packet.Data) != "hello" {
			t.Errorf("received %q, want %q", packet.Data, "hello")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("multicast loopback never delivered the packet")
	}
}

func TestUDPTransportBindUnicastOpensSecondSocket(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	transport := newTestUDPTransport(t, 21301)
	if err := transport.BindUnicast(21302); err != nil {
		t.Fatalf("BindUnicast failed: %v", err)
	}
	if err := transport.BindUnicast(21302); err == nil {
		t.Fatal("expected a second bind of an already-open port to fail")
	}
}

// testLogger discards everything; the real UDPTransport only logs warnings
// on truncated packets, which these tests never produce.
type testLogger struct{}

func (testLogger) Info(...interface{})           {}
func (testLogger) Infof(string, ...interface{})  {}
func (testLogger) Warn(...interface{})           {}
func (testLogger) Warnf(string, ...interface{})  {}
func (testLogger) Error(...interface{})          {}
func (testLogger) Errorf(string, ...interface{}) {}
func (testLogger) Debug(...interface{})          {}
func (testLogger) Debugf(string, ...interface{}) {}
func (testLogger) Fatal(...interface{})          {}
func (testLogger) Fatalf(string, ...interface{}) {}
func (testLogger) Panic(...interface{})          {}
func (testLogger) Panicf(string, ...interface{}) {}
func (testLogger) ToggleDebug(bool) bool         { return false }
