package composables

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/OVCR-ORIA/discovery/pkg/constants"
)

var (
	ErrNoTx    = errors.New("no transaction found in context")
	ErrNoRunID = errors.New("no run id found in context")
)

func WithTx(ctx context.Context, tx *sqlx.Tx) context.Context {
	return context.WithValue(ctx, constants.TxKey, tx)
}

func UseTx(ctx context.Context) (*sqlx.Tx, error) {
	tx, ok := ctx.Value(constants.TxKey).(*sqlx.Tx)
	if !ok || tx == nil {
		return nil, ErrNoTx
	}
	return tx, nil
}

func WithRunID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, constants.RunIDKey, id)
}

func UseRunID(ctx context.Context) (uuid.UUID, error) {
	id, ok := ctx.Value(constants.RunIDKey).(uuid.UUID)
	if !ok {
		return uuid.Nil, ErrNoRunID
	}
	return id, nil
}
