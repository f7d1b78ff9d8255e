package noise

import (
	"bytes"
	"testing"

	"github.com/opd-ai/assoctransport/crypto"
)

func mustKeyPair(t *testing.T) *crypto.KeyPair {
	t.Helper()
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	return kp
}

// Test basic handshake creation
func TestNewXXHandshake(t *testing.T) {
	keys := mustKeyPair(t)

	initiator, err := NewXXHandshake(keys, Initiator)
	if err != nil {
		t.Fatalf("Failed to create initiator: %v", err)
	}
	if initiator.role != Initiator {
		t.Error("Expected initiator role")
	}
	if initiator.IsComplete() {
		t.Error("Handshake should not be complete initially")
	}
	if !bytes.Equal(initiator.GetLocalStaticKey(), keys.Public[:]) {
		t.Error("Local static key does not match key pair")
	}

	if _, err := NewXXHandshake(nil, Responder); err == nil {
		t.Error("Expected error for missing key pair")
	}
}

func runPair(t *testing.T) (*XXHandshake, *XXHandshake, *crypto.KeyPair, *crypto.KeyPair) {
	t.Helper()
	ik, rk := mustKeyPair(t), mustKeyPair(t)
	initiator, err := NewXXHandshake(ik, Initiator)
	if err != nil {
		t.Fatal(err)
	}
	responder, err := NewXXHandshake(rk, Responder)
	if err != nil {
		t.Fatal(err)
	}

	// -> e
	msg1, done, err := initiator.WriteMessage(nil)
	if err != nil || done {
		t.Fatalf("message 1: done=%v err=%v", done, err)
	}
	if _, done, err = responder.ReadMessage(msg1); err != nil || done {
		t.Fatalf("read 1: done=%v err=%v", done, err)
	}

	// <- e, ee, s, es
	msg2, done, err := responder.WriteMessage(nil)
	if err != nil || done {
		t.Fatalf("message 2: done=%v err=%v", done, err)
	}
	if _, done, err = initiator.ReadMessage(msg2); err != nil || done {
		t.Fatalf("read 2: done=%v err=%v", done, err)
	}

	// -> s, se
	msg3, done, err := initiator.WriteMessage(nil)
	if err != nil || !done {
		t.Fatalf("message 3: done=%v err=%v", done, err)
	}
	if _, done, err = responder.ReadMessage(msg3); err != nil || !done {
		t.Fatalf("read 3: done=%v err=%v", done, err)
	}
	return initiator, responder, ik, rk
}

// Test complete XX flow and the direction of each cipher state
func TestXXHandshakeFlow(t *testing.T) {
	initiator, responder, ik, rk := runPair(t)

	iSend, iRecv, err := initiator.GetCipherStates()
	if err != nil {
		t.Fatal(err)
	}
	rSend, rRecv, err := responder.GetCipherStates()
	if err != nil {
		t.Fatal(err)
	}

	ct, err := iSend.Encrypt(nil, nil, []byte("to responder"))
	if err != nil {
		t.Fatal(err)
	}
	pt, err := rRecv.Decrypt(nil, nil, ct)
	if err != nil {
		t.Fatalf("responder could not decrypt: %v", err)
	}
	if string(pt) != "to responder" {
		t.Errorf("got %q", pt)
	}

	ct, err = rSend.Encrypt(nil, nil, []byte("to initiator"))
	if err != nil {
		t.Fatal(err)
	}
	pt, err = iRecv.Decrypt(nil, nil, ct)
	if err != nil {
		t.Fatalf("initiator could not decrypt: %v", err)
	}
	if string(pt) != "to initiator" {
		t.Errorf("got %q", pt)
	}

	iRemote, err := initiator.GetRemoteStaticKey()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(iRemote, rk.Public[:]) {
		t.Error("initiator learned the wrong responder key")
	}
	rRemote, err := responder.GetRemoteStaticKey()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(rRemote, ik.Public[:]) {
		t.Error("responder learned the wrong initiator key")
	}
}

func TestHandshakeCompleteErrors(t *testing.T) {
	initiator, responder, _, _ := runPair(t)

	if _, _, err := initiator.WriteMessage(nil); err != ErrHandshakeComplete {
		t.Errorf("expected ErrHandshakeComplete, got %v", err)
	}
	if _, _, err := responder.ReadMessage([]byte{1, 2, 3}); err != ErrHandshakeComplete {
		t.Errorf("expected ErrHandshakeComplete, got %v", err)
	}
}

func TestHandshakeIncompleteErrors(t *testing.T) {
	hs, err := NewXXHandshake(mustKeyPair(t), Initiator)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := hs.GetCipherStates(); err != ErrHandshakeNotComplete {
		t.Errorf("expected ErrHandshakeNotComplete, got %v", err)
	}
	if _, err := hs.GetRemoteStaticKey(); err != ErrHandshakeNotComplete {
		t.Errorf("expected ErrHandshakeNotComplete, got %v", err)
	}
}

func TestResponderReadMessageError(t *testing.T) {
	responder, err := NewXXHandshake(mustKeyPair(t), Responder)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := responder.ReadMessage([]byte{0x01}); err == nil {
		t.Error("expected error for truncated message")
	}
}
