package wire

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
)

// Canonical MAC payload — compatibility contract.
//
// spec.md §6 leaves the exact payload ambiguous in the source material
// ("inconsistent about whether the timestamp is in seconds or
// milliseconds") and insists it be fixed in exactly one place. This is that
// place. Changing field order, numeric formatting, or the timestamp unit
// here breaks wire compatibility between every producer and every
// consumer (ingest gateway and receiver) simultaneously — do not change it
// without bumping a protocol version out of band.
//
// Field order, '|'-joined:
//
//	subscription_id | sequence_number | generated_at_ms | symbol | side | volume | price | stop_loss | take_profit
//
// volume, price, stop_loss and take_profit are formatted with "%.5f".
// generated_at_ms is the UTC timestamp in milliseconds, decimal, no padding.
// side is the wire enum's integer value (1=BUY, 2=SELL, 3=CLOSE).
func canonicalPayload(subscriptionID string, seq int64, generatedAtMs int64, symbol string, side Side, volume, price, stopLoss, takeProfit float64) []byte {
	return []byte(fmt.Sprintf("%s|%d|%d|%s|%d|%.5f|%.5f|%.5f|%.5f",
		subscriptionID, seq, generatedAtMs, symbol, uint8(side), volume, price, stopLoss, takeProfit))
}

// Sign computes the keyed MAC over s's canonical payload using secret,
// writing it into s.Signature. subscriptionID is the credential-resolved
// identity under which the signal travels: the Ingest Gateway verifies
// against the subscription id of the producer's credential, so a producer
// signs with that same id.
func Sign(s *Signal, subscriptionID string, secret []byte) {
	mac := hmac.New(sha256.New, secret)
	mac.Write(canonicalPayload(subscriptionID, s.SequenceNumber, s.GeneratedAtMs, s.Symbol, s.Side, s.Volume, s.Price, s.StopLoss, s.TakeProfit))
	s.Signature = mac.Sum(nil)
}

// Verify recomputes the keyed MAC and compares it against s.Signature in
// constant time, per spec §4.1 step 2 and §4.5 guard 6. Returns false on
// any mismatch, including a missing or short signature.
func Verify(s *Signal, subscriptionID string, secret []byte) bool {
	mac := hmac.New(sha256.New, secret)
	mac.Write(canonicalPayload(subscriptionID, s.SequenceNumber, s.GeneratedAtMs, s.Symbol, s.Side, s.Volume, s.Price, s.StopLoss, s.TakeProfit))
	expected := mac.Sum(nil)
	return hmac.Equal(expected, s.Signature)
}
