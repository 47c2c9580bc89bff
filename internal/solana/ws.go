package solana

import "context"

// WSClient defines the Solana WebSocket push interface. Account notifications
// drive immediate cache refreshes; polling remains the fallback when the
// socket is down.
type WSClient interface {
	// SubscribeAccount subscribes to change notifications for one account.
	SubscribeAccount(ctx context.Context, pubkey string) (<-chan AccountNotification, error)

	// Connected reports whether the socket is currently up.
	Connected() bool

	// Close closes the WebSocket connection.
	Close() error
}

// AccountNotification is a pushed account update with its data already
// base64-decoded.
type AccountNotification struct {
	Pubkey  string
	Slot    int64
	Account AccountInfo
}
