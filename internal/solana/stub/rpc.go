package stub

import (
	"context"
	"sync"
	"sync/atomic"

	"solana-dex-view/internal/solana"
)

// RPCClient implements solana.RPCClient for testing. Accounts are keyed by
// pubkey; Err, when set, fails every call. Calls counts total method calls.
type RPCClient struct {
	mu       sync.Mutex
	Accounts map[string]*solana.AccountInfo
	// TokenAccounts maps owner to that owner's token accounts.
	TokenAccounts map[string][]solana.KeyedAccount
	// ProgramAccounts maps program ID to its accounts. Filters are ignored.
	ProgramAccounts map[string][]solana.KeyedAccount
	// Lamports maps pubkey to native balance for GetBalance.
	Lamports map[string]uint64
	Err      error
	Calls    atomic.Int64
}

// NewRPCClient creates a new stub RPC client.
func NewRPCClient() *RPCClient {
	return &RPCClient{
		Accounts:        make(map[string]*solana.AccountInfo),
		TokenAccounts:   make(map[string][]solana.KeyedAccount),
		ProgramAccounts: make(map[string][]solana.KeyedAccount),
		Lamports:        make(map[string]uint64),
	}
}

// SetAccount stores an account in the stub ledger.
func (c *RPCClient) SetAccount(pubkey string, info *solana.AccountInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Accounts[pubkey] = info
}

// Fail makes every subsequent call return err. Pass nil to heal.
func (c *RPCClient) Fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Err = err
}

func (c *RPCClient) checkErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Err
}

// GetAccountInfo retrieves an account from the stub ledger. Unknown pubkeys
// return nil, matching the live client.
func (c *RPCClient) GetAccountInfo(_ context.Context, pubkey string) (*solana.AccountInfo, error) {
	c.Calls.Add(1)
	if err := c.checkErr(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Accounts[pubkey], nil
}

// GetMultipleAccounts retrieves several accounts, nil for unknown pubkeys.
func (c *RPCClient) GetMultipleAccounts(_ context.Context, pubkeys []string) ([]*solana.AccountInfo, error) {
	c.Calls.Add(1)
	if err := c.checkErr(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*solana.AccountInfo, len(pubkeys))
	for i, pk := range pubkeys {
		out[i] = c.Accounts[pk]
	}
	return out, nil
}

// GetProgramAccounts returns the configured accounts for a program.
func (c *RPCClient) GetProgramAccounts(_ context.Context, programID string, _ []solana.AccountFilter) ([]solana.KeyedAccount, error) {
	c.Calls.Add(1)
	if err := c.checkErr(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ProgramAccounts[programID], nil
}

// GetTokenAccountsByOwner returns the configured token accounts for an owner.
func (c *RPCClient) GetTokenAccountsByOwner(_ context.Context, owner string) ([]solana.KeyedAccount, error) {
	c.Calls.Add(1)
	if err := c.checkErr(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.TokenAccounts[owner], nil
}

// GetBalance returns the configured lamport balance for a pubkey.
func (c *RPCClient) GetBalance(_ context.Context, pubkey string) (uint64, error) {
	c.Calls.Add(1)
	if err := c.checkErr(); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Lamports[pubkey], nil
}
