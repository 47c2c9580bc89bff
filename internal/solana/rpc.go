package solana

import "context"

// RPCClient defines the Solana RPC HTTP interface the data engine consumes.
// Every method fails with a *TransportError on network or timeout issues;
// callers treat those as retryable-by-schedule, not retryable-by-loop.
type RPCClient interface {
	// GetAccountInfo retrieves one account. Returns nil when the account
	// does not exist.
	GetAccountInfo(ctx context.Context, pubkey string) (*AccountInfo, error)

	// GetMultipleAccounts retrieves several accounts in one round trip.
	// Missing accounts yield nil elements in matching positions.
	GetMultipleAccounts(ctx context.Context, pubkeys []string) ([]*AccountInfo, error)

	// GetProgramAccounts retrieves all accounts owned by a program that
	// match the filters.
	GetProgramAccounts(ctx context.Context, programID string, filters []AccountFilter) ([]KeyedAccount, error)

	// GetTokenAccountsByOwner retrieves the owner's SPL token accounts.
	GetTokenAccountsByOwner(ctx context.Context, owner string) ([]KeyedAccount, error)

	// GetBalance retrieves the native ledger balance in lamports.
	GetBalance(ctx context.Context, pubkey string) (uint64, error)
}

// AccountInfo is a fetched account with its raw data already base64-decoded.
type AccountInfo struct {
	Lamports   uint64
	Owner      string
	Data       []byte
	Executable bool
	RentEpoch  uint64
}

// KeyedAccount pairs an account with its address.
type KeyedAccount struct {
	Pubkey  string
	Account AccountInfo
}

// AccountFilter narrows getProgramAccounts results. Zero-valued fields are
// omitted from the request.
type AccountFilter struct {
	// DataSize matches accounts of exactly this byte length.
	DataSize uint64
	// MemcmpOffset/MemcmpBytes match base58-encoded bytes at a data offset.
	MemcmpOffset uint64
	MemcmpBytes  string
}
