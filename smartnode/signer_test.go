package smartnode

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"smartwallet/crypto"
)

func TestSignAnnounce(t *testing.T) {
	f := newFixture()
	m := f.manager(t)
	rec := f.ready(t, m, "mn1")

	signed, err := m.SignAnnounce(context.Background(), "mn1", testPassphrase)
	require.NoError(t, err)

	require.Equal(t, []int64{1000 - 33}, f.chain.read)
	require.Equal(t, fmt.Sprintf("%064x", 967), signed.LastPing.BlockHash)
	require.Equal(t, f.clock.Now().Unix(), signed.SigTime)
	require.Equal(t, f.clock.Now().Unix(), signed.LastPing.SigTime)
	require.Equal(t, m.Config().ProtocolVersion, signed.ProtocolVersion)
	require.NotNil(t, signed.Vin.Sequence)
	require.Equal(t, uint32(0xffffffff), *signed.Vin.Sequence)
	require.Equal(t, signed.Vin, signed.LastPing.Vin)

	collateralAddr, err := crypto.P2PKHAddress(rec.CollateralKey, crypto.MainNet)
	require.NoError(t, err)
	ok, err := crypto.VerifyMessage(collateralAddr, signed.Sig, signed.SignatureMessage(), crypto.MainNet)
	require.NoError(t, err)
	require.True(t, ok)

	delegateAddr, err := crypto.P2PKHAddress(rec.DelegateKey, crypto.MainNet)
	require.NoError(t, err)
	ok, err = crypto.VerifyMessage(delegateAddr, signed.LastPing.Sig, signed.LastPing.SignatureMessage(), crypto.MainNet)
	require.NoError(t, err)
	require.True(t, ok)

	stored, _ := m.Get("mn1")
	require.Equal(t, signed, stored)
	require.False(t, stored.Announced)
}

func TestSignAnnounceDoesNotPersist(t *testing.T) {
	f := newFixture()
	m := f.manager(t)
	f.ready(t, m, "mn1")
	before, err := f.db.Get([]byte(StorageKey))
	require.NoError(t, err)

	_, err = m.SignAnnounce(context.Background(), "mn1", testPassphrase)
	require.NoError(t, err)

	after, err := f.db.Get([]byte(StorageKey))
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func TestSignAnnounceFailureLeavesRecordUntouched(t *testing.T) {
	f := newFixture()
	m := f.manager(t)
	rec := f.ready(t, m, "mn1")

	_, err := m.SignAnnounce(context.Background(), "mn1", "wrong")
	require.ErrorContains(t, err, "wrong passphrase")
	got, _ := m.Get("mn1")
	require.Equal(t, rec, got)

	f.chain.err = errors.New("header unavailable")
	_, err = m.SignAnnounce(context.Background(), "mn1", testPassphrase)
	require.ErrorContains(t, err, "header unavailable")
	got, _ = m.Get("mn1")
	require.Equal(t, rec, got)

	f.chain.err = nil
	f.chain.height = 10
	_, err = m.SignAnnounce(context.Background(), "mn1", testPassphrase)
	require.ErrorIs(t, err, ErrChainTooShort)

	f.chain.height = 1000
	f.txs.confs[rec.Vin.PrevoutHash] = 2
	_, err = m.SignAnnounce(context.Background(), "mn1", testPassphrase)
	require.ErrorIs(t, err, ErrInsufficientConfirmations)
	require.Zero(t, f.signer.signed)
}

func TestSignAnnounceKeepsConcurrentFields(t *testing.T) {
	f := newFixture()
	m := f.manager(t)
	f.ready(t, m, "mn1")
	f.chain.onRead = func() {
		m.mu.Lock()
		m.store.Get("mn1").Announced = true
		m.mu.Unlock()
	}

	signed, err := m.SignAnnounce(context.Background(), "mn1", testPassphrase)
	require.NoError(t, err)
	require.True(t, signed.Announced)

	stored, _ := m.Get("mn1")
	require.True(t, stored.Announced, "a flag set while signing survives the commit")
	require.Equal(t, signed.Sig, stored.Sig)
}

func TestSignAnnounceRejectsEditDuringSigning(t *testing.T) {
	f := newFixture()
	m := f.manager(t)
	rec := f.ready(t, m, "mn1")
	f.chain.onRead = func() {
		edited := rec.Clone()
		edited.Addr = NetworkAddress{IP: "10.0.0.9", Port: 9678}
		require.NoError(t, m.Update("mn1", edited))
	}

	_, err := m.SignAnnounce(context.Background(), "mn1", testPassphrase)
	require.ErrorIs(t, err, ErrRecordChanged)

	stored, _ := m.Get("mn1")
	require.Equal(t, "10.0.0.9", stored.Addr.IP)
	require.Empty(t, stored.Sig)
}

func TestSignAnnounceRecordsSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	f := newFixture()
	m := f.manager(t, WithTracer(provider.Tracer("test")), WithMetrics(nil))
	f.ready(t, m, "mn1")

	_, err := m.SignAnnounce(context.Background(), "mn1", testPassphrase)
	require.NoError(t, err)
	_, err = m.SignAnnounce(context.Background(), "ghost", testPassphrase)
	require.ErrorIs(t, err, ErrNotFound)

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	require.Equal(t, "smartnode.sign_announce", spans[0].Name())
	require.Equal(t, codes.Unset, spans[0].Status().Code)
	require.Equal(t, codes.Error, spans[1].Status().Code)
}
