package wire

import "testing"

func testSignal() *Signal {
	return &Signal{
		MasterID:       "master-1",
		SequenceNumber: 1,
		GeneratedAtMs:  1_700_000_000_000,
		Symbol:         "EURUSD",
		Side:           SideBuy,
		Volume:         1.5,
		Price:          1.10000,
		StopLoss:       1.09000,
		TakeProfit:     1.11000,
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	secret := []byte("master-secret")
	s := testSignal()
	Sign(s, "sub-1", secret)

	if !Verify(s, "sub-1", secret) {
		t.Fatalf("expected verify to succeed for freshly signed signal")
	}
}

func TestVerifyRejectsTamperedPrice(t *testing.T) {
	secret := []byte("master-secret")
	s := testSignal()
	Sign(s, "sub-1", secret)

	s.Price = 1.20000
	if Verify(s, "sub-1", secret) {
		t.Fatalf("expected verify to fail after tampering with price")
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	s := testSignal()
	Sign(s, "sub-1", []byte("secret-a"))

	if Verify(s, "sub-1", []byte("secret-b")) {
		t.Fatalf("expected verify to fail with wrong secret")
	}
}

func TestVerifyRejectsWrongSubscription(t *testing.T) {
	secret := []byte("master-secret")
	s := testSignal()
	Sign(s, "sub-1", secret)

	if Verify(s, "sub-2", secret) {
		t.Fatalf("expected verify to fail when subscription_id differs from signed value")
	}
}

func TestVerifyRejectsMissingSignature(t *testing.T) {
	s := testSignal()
	if Verify(s, "sub-1", []byte("secret")) {
		t.Fatalf("expected verify to fail with no signature set")
	}
}
