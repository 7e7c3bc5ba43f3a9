package repo

import (
	"context"
	"errors"

	"github.com/zeromicro/go-zero/core/stores/sqlx"
)

// ErrNilConn indicates the repository was initialized without a connection.
var ErrNilConn = errors.New("repo: nil conn")

// withTx runs fn inside a transaction on conn. go-zero commits when fn
// returns nil and rolls back otherwise.
func withTx(ctx context.Context, conn sqlx.SqlConn, fn func(context.Context, sqlx.Session) error) error {
	if conn == nil {
		return ErrNilConn
	}
	return conn.TransactCtx(ctx, fn)
}
