package services

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/beacon-wallet/daemonbus/internal/protocol"
)

type WalletInfo struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
	Type int    `json:"type"`
}

// Balance amounts stay json.Number; mojo balances overflow float64 well
// before they overflow a farmer's expectations.
type Balance struct {
	WalletID    int         `json:"wallet_id"`
	Confirmed   json.Number `json:"confirmed_wallet_balance"`
	Unconfirmed json.Number `json:"unconfirmed_wallet_balance"`
	Spendable   json.Number `json:"spendable_balance"`
}

type SyncStatus struct {
	Synced  bool `json:"synced"`
	Syncing bool `json:"syncing"`
}

type Transaction struct {
	Name      string      `json:"name"`
	WalletID  int         `json:"wallet_id"`
	Amount    json.Number `json:"amount"`
	FeeAmount json.Number `json:"fee_amount"`
	ToAddress string      `json:"to_address"`
	Confirmed bool        `json:"confirmed"`
	CreatedAt int64       `json:"created_at_time"`
}

// Wallet is the wallet service facade. Besides the request wrappers it
// keeps sync-status and wallet-list caches fed from both unsolicited state
// pushes and responses other callers correlated, since the dispatcher
// delivers responses to subscribers too.
type Wallet struct {
	s Session

	mu         sync.Mutex
	wallets    []WalletInfo
	syncStatus SyncStatus
	haveSync   bool
	lastChange string
	unsubs     []func()
}

func NewWallet(s Session) *Wallet {
	return &Wallet{s: s}
}

// LogIn selects the key with the given fingerprint and records it on the
// session.
func (w *Wallet) LogIn(ctx context.Context, fingerprint int) error {
	data, err := w.s.Request(ctx, protocol.ServiceWallet, protocol.CmdLogIn,
		map[string]any{"fingerprint": fingerprint})
	if err != nil {
		return err
	}
	var resp struct {
		Fingerprint int `json:"fingerprint"`
	}
	if err := decode(data, &resp, protocol.CmdLogIn); err != nil {
		return err
	}
	if resp.Fingerprint != 0 {
		fingerprint = resp.Fingerprint
	}
	w.s.SetFingerprint(fingerprint)
	return nil
}

// PublicKeys lists the fingerprints of the stored keys.
func (w *Wallet) PublicKeys(ctx context.Context) ([]int, error) {
	data, err := w.s.Request(ctx, protocol.ServiceWallet, protocol.CmdGetPublicKeys, nil)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Fingerprints []int `json:"public_key_fingerprints"`
	}
	if err := decode(data, &resp, protocol.CmdGetPublicKeys); err != nil {
		return nil, err
	}
	return resp.Fingerprints, nil
}

func (w *Wallet) Wallets(ctx context.Context) ([]WalletInfo, error) {
	data, err := w.s.Request(ctx, protocol.ServiceWallet, protocol.CmdGetWallets, nil)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Wallets []WalletInfo `json:"wallets"`
	}
	if err := decode(data, &resp, protocol.CmdGetWallets); err != nil {
		return nil, err
	}
	w.storeWallets(resp.Wallets)
	return resp.Wallets, nil
}

func (w *Wallet) Balance(ctx context.Context, walletID int) (*Balance, error) {
	data, err := w.s.Request(ctx, protocol.ServiceWallet, protocol.CmdGetWalletBalance,
		map[string]any{"wallet_id": walletID})
	if err != nil {
		return nil, err
	}
	var resp struct {
		WalletBalance Balance `json:"wallet_balance"`
	}
	if err := decode(data, &resp, protocol.CmdGetWalletBalance); err != nil {
		return nil, err
	}
	return &resp.WalletBalance, nil
}

// SyncStatus asks the wallet directly and refreshes the cache.
func (w *Wallet) SyncStatus(ctx context.Context) (*SyncStatus, error) {
	data, err := w.s.Request(ctx, protocol.ServiceWallet, protocol.CmdGetSyncStatus, nil)
	if err != nil {
		return nil, err
	}
	var status SyncStatus
	if err := decode(data, &status, protocol.CmdGetSyncStatus); err != nil {
		return nil, err
	}
	w.storeSync(status)
	return &status, nil
}

func (w *Wallet) HeightInfo(ctx context.Context) (int, error) {
	data, err := w.s.Request(ctx, protocol.ServiceWallet, protocol.CmdGetHeightInfo, nil)
	if err != nil {
		return 0, err
	}
	var resp struct {
		Height int `json:"height"`
	}
	if err := decode(data, &resp, protocol.CmdGetHeightInfo); err != nil {
		return 0, err
	}
	return resp.Height, nil
}

func (w *Wallet) Transactions(ctx context.Context, walletID int) ([]Transaction, error) {
	data, err := w.s.Request(ctx, protocol.ServiceWallet, protocol.CmdGetTransactions,
		map[string]any{"wallet_id": walletID})
	if err != nil {
		return nil, err
	}
	var resp struct {
		Transactions []Transaction `json:"transactions"`
	}
	if err := decode(data, &resp, protocol.CmdGetTransactions); err != nil {
		return nil, err
	}
	return resp.Transactions, nil
}

// Send submits a transaction and returns its id.
func (w *Wallet) Send(ctx context.Context, walletID int, address string, amount, fee uint64) (string, error) {
	data, err := w.s.Request(ctx, protocol.ServiceWallet, protocol.CmdSendTransaction, map[string]any{
		"wallet_id": walletID,
		"address":   address,
		"amount":    amount,
		"fee":       fee,
	})
	if err != nil {
		return "", err
	}
	var resp struct {
		TransactionID string `json:"transaction_id"`
	}
	if err := decode(data, &resp, protocol.CmdSendTransaction); err != nil {
		return "", err
	}
	return resp.TransactionID, nil
}

// Attach wires the caches to the bus: state_changed pushes plus any
// get_sync_status or get_wallets envelope, solicited or not, keep them
// fresh.
func (w *Wallet) Attach() {
	w.Detach()
	w.unsubs = append(w.unsubs,
		w.s.Subscribe(protocol.ServiceWallet, protocol.CmdStateChanged, w.onStateChanged),
		w.s.Subscribe(protocol.ServiceWallet, protocol.CmdGetSyncStatus, w.onSyncEnvelope),
		w.s.Subscribe(protocol.ServiceWallet, protocol.CmdGetWallets, w.onWalletsEnvelope),
	)
}

func (w *Wallet) Detach() {
	for _, unsub := range w.unsubs {
		unsub()
	}
	w.unsubs = nil
}

func (w *Wallet) onStateChanged(env *protocol.Envelope) {
	var change struct {
		State string `json:"state"`
	}
	if len(env.Data) > 0 {
		_ = json.Unmarshal(env.Data, &change)
	}
	w.mu.Lock()
	w.lastChange = change.State
	w.mu.Unlock()
}

func (w *Wallet) onSyncEnvelope(env *protocol.Envelope) {
	var status SyncStatus
	if err := json.Unmarshal(env.Data, &status); err != nil {
		return
	}
	w.storeSync(status)
}

func (w *Wallet) onWalletsEnvelope(env *protocol.Envelope) {
	var resp struct {
		Wallets []WalletInfo `json:"wallets"`
	}
	if err := json.Unmarshal(env.Data, &resp); err != nil || resp.Wallets == nil {
		return
	}
	w.storeWallets(resp.Wallets)
}

func (w *Wallet) storeWallets(list []WalletInfo) {
	w.mu.Lock()
	w.wallets = append([]WalletInfo(nil), list...)
	w.mu.Unlock()
}

func (w *Wallet) storeSync(status SyncStatus) {
	w.mu.Lock()
	w.syncStatus = status
	w.haveSync = true
	w.mu.Unlock()
}

// CachedSyncStatus returns the last observed sync status; ok is false
// before anything has been observed.
func (w *Wallet) CachedSyncStatus() (SyncStatus, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.syncStatus, w.haveSync
}

// CachedWallets returns the last observed wallet list, empty before any
// observation.
func (w *Wallet) CachedWallets() []WalletInfo {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]WalletInfo(nil), w.wallets...)
}

// LastChange returns the most recent wallet state_changed keyword.
func (w *Wallet) LastChange() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastChange
}
