package postgres

import (
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kcb-payments-gateway/internal/repository"
)

// Repos bundles the pgx-backed repositories behind their interfaces.
type Repos struct {
	PushRequests repository.PushRequests
	Transactions repository.Transactions
	Credentials  *CredentialsRepo
}

func NewRepos(db *pgxpool.Pool, encryptionKey []byte) (*Repos, error) {
	creds, err := NewCredentialsRepo(db, encryptionKey)
	if err != nil {
		return nil, err
	}

	return &Repos{
		PushRequests: NewPushRequestsRepo(db),
		Transactions: NewTransactionsRepo(db),
		Credentials:  creds,
	}, nil
}
