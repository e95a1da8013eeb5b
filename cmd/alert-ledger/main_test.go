package main

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/drfirst/go-emar/internal/alert"
	"github.com/drfirst/go-emar/internal/infrastructure/redpanda"
	"github.com/drfirst/go-emar/pkg/idempotency"
)

// fakeInbox runs fn at most once per key, like the postgres inbox.
type fakeInbox struct {
	done   map[string]json.RawMessage
	failed map[string]bool
}

func newFakeInbox() *fakeInbox {
	return &fakeInbox{done: make(map[string]json.RawMessage), failed: make(map[string]bool)}
}

func (f *fakeInbox) Process(ctx context.Context, key, _ string, payload json.RawMessage, fn idempotency.Func) (*idempotency.Outcome, error) {
	if res, ok := f.done[key]; ok {
		return &idempotency.Outcome{Result: res}, nil
	}
	if f.failed[key] {
		return nil, idempotency.ErrPreviouslyFailed
	}
	res, err := fn(ctx, payload)
	if err != nil {
		if idempotency.IsTerminal(err) {
			f.failed[key] = true
		}
		return nil, err
	}
	f.done[key] = res
	return &idempotency.Outcome{Applied: true, Result: res}, nil
}

type fakeLedger struct {
	recorded []alert.Alert
	err      error
}

func (l *fakeLedger) Record(_ context.Context, a alert.Alert) (bool, error) {
	if l.err != nil {
		return false, l.err
	}
	l.recorded = append(l.recorded, a)
	return true, nil
}

func record(t *testing.T, a alert.Alert, offset int64) *redpanda.AlertRecord {
	t.Helper()
	value, err := json.Marshal(a)
	require.NoError(t, err)
	return &redpanda.AlertRecord{Topic: "medication.alerts", Offset: offset, Raw: value, Alert: &a}
}

func TestLedgerHandlerRecordsOnce(t *testing.T) {
	ledger := &fakeLedger{}
	h := newLedgerHandler(newFakeInbox(), ledger, zap.NewNop())
	a := alert.New(alert.KindSideEffect, alert.SeverityHigh, "res-101", "rash after dose", nil, time.Now())

	require.NoError(t, h.Handle(context.Background(), record(t, a, 1)))
	// Redelivered at a new offset after a producer retry.
	require.NoError(t, h.Handle(context.Background(), record(t, a, 2)))

	require.Len(t, ledger.recorded, 1)
	assert.Equal(t, a.ID, ledger.recorded[0].ID)
}

func TestLedgerHandlerDropsPoisonRecords(t *testing.T) {
	ledger := &fakeLedger{}
	h := newLedgerHandler(newFakeInbox(), ledger, zap.NewNop())
	bad := &redpanda.AlertRecord{
		Topic:     "medication.alerts",
		Offset:    7,
		Raw:       []byte("{not json"),
		DecodeErr: errors.New("decode alert: invalid character"),
	}

	assert.NoError(t, h.Handle(context.Background(), bad))
	assert.NoError(t, h.Handle(context.Background(), bad))
	assert.Empty(t, ledger.recorded)
}

func TestLedgerHandlerRetriesStoreFailures(t *testing.T) {
	ledger := &fakeLedger{err: errors.New("connection reset")}
	h := newLedgerHandler(newFakeInbox(), ledger, zap.NewNop())
	a := alert.New(alert.KindLowStock, alert.SeverityMedium, "res-102", "refill", nil, time.Now())

	assert.Error(t, h.Handle(context.Background(), record(t, a, 3)))

	ledger.err = nil
	require.NoError(t, h.Handle(context.Background(), record(t, a, 3)))
	assert.Len(t, ledger.recorded, 1)
}
