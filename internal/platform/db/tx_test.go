package db

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
)

type fakeTx struct{ pgx.Tx }

func TestTxFromContext_Nil(t *testing.T) {
	if tx := TxFromContext(context.Background()); tx != nil {
		t.Error("expected nil tx from empty context")
	}
}

func TestTxFromContext_WithWrongType(t *testing.T) {
	ctx := context.WithValue(context.Background(), DBTxKey, "not-a-tx")
	if tx := TxFromContext(ctx); tx != nil {
		t.Error("expected nil when context value is wrong type")
	}
}

func TestWithTx_NoPool(t *testing.T) {
	called := false
	err := WithTx(context.Background(), nil, func(ctx context.Context) error {
		called = true
		return nil
	})
	if err == nil {
		t.Fatal("expected error without a pool")
	}
	if called {
		t.Error("fn must not run without a transaction")
	}
}

func TestConn_PrefersTx(t *testing.T) {
	ctx := context.WithValue(context.Background(), DBTxKey, fakeTx{})
	if _, ok := Conn(ctx, nil).(fakeTx); !ok {
		t.Fatal("expected the context transaction")
	}
}

func TestWithTx_PropagatesError(t *testing.T) {
	want := errors.New("boom")
	// A non-nil tx on the context makes WithTx join it instead of
	// touching the pool.
	ctx := context.WithValue(context.Background(), DBTxKey, fakeTx{})
	err := WithTx(ctx, nil, func(ctx context.Context) error { return want })
	if !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
}
