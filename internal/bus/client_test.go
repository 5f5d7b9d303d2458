package bus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/beacon-wallet/daemonbus/internal/protocol"
)

// fakeTransport records outbound envelopes and lets tests inject inbound
// frames and connection drops.
type fakeTransport struct {
	mu           sync.Mutex
	connected    bool
	sent         []*protocol.Envelope
	connectCalls int
	connectErr   func(call int) error
	onMessage    func([]byte)
	onClose      func(error)
}

func (tr *fakeTransport) Connect(ctx context.Context) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.connectCalls++
	if tr.connectErr != nil {
		if err := tr.connectErr(tr.connectCalls); err != nil {
			return err
		}
	}
	tr.connected = true
	return nil
}

func (tr *fakeTransport) Send(frame []byte) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if !tr.connected {
		return errors.New("not connected")
	}
	env, err := protocol.Decode(frame)
	if err != nil {
		return err
	}
	tr.sent = append(tr.sent, env)
	return nil
}

func (tr *fakeTransport) Close() error {
	tr.mu.Lock()
	tr.connected = false
	tr.mu.Unlock()
	return nil
}

func (tr *fakeTransport) SetMessageHandler(fn func([]byte)) {
	tr.mu.Lock()
	tr.onMessage = fn
	tr.mu.Unlock()
}

func (tr *fakeTransport) SetCloseHandler(fn func(error)) {
	tr.mu.Lock()
	tr.onClose = fn
	tr.mu.Unlock()
}

// drop simulates the socket dying underneath the session.
func (tr *fakeTransport) drop(err error) {
	tr.mu.Lock()
	tr.connected = false
	onClose := tr.onClose
	tr.mu.Unlock()
	if onClose != nil {
		onClose(err)
	}
}

// deliver injects an inbound envelope as the daemon would.
func (tr *fakeTransport) deliver(t *testing.T, env *protocol.Envelope) {
	t.Helper()
	frame, err := protocol.Encode(env)
	if err != nil {
		t.Fatalf("encode inbound envelope: %v", err)
	}
	tr.mu.Lock()
	fn := tr.onMessage
	tr.mu.Unlock()
	if fn == nil {
		t.Fatal("no message handler installed")
	}
	fn(frame)
}

// waitForSent blocks until at least n outbound envelopes were captured.
func (tr *fakeTransport) waitForSent(t *testing.T, n int) []*protocol.Envelope {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		tr.mu.Lock()
		if len(tr.sent) >= n {
			out := append([]*protocol.Envelope(nil), tr.sent...)
			tr.mu.Unlock()
			return out
		}
		tr.mu.Unlock()
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d outbound envelopes", n)
	return nil
}

// autoRespond polls captured outbound envelopes and answers each one fn
// maps to a reply. Returns a stop func.
func (tr *fakeTransport) autoRespond(t *testing.T, fn func(*protocol.Envelope) *protocol.Envelope) func() {
	done := make(chan struct{})
	go func() {
		seen := 0
		for {
			select {
			case <-done:
				return
			default:
			}
			tr.mu.Lock()
			pending := tr.sent[seen:]
			seen = len(tr.sent)
			onMessage := tr.onMessage
			tr.mu.Unlock()
			for _, env := range pending {
				reply := fn(env)
				if reply == nil {
					continue
				}
				frame, err := protocol.Encode(reply)
				if err != nil {
					t.Errorf("encode reply: %v", err)
					return
				}
				if onMessage != nil {
					onMessage(frame)
				}
			}
			time.Sleep(2 * time.Millisecond)
		}
	}()
	return func() { close(done) }
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

// reply builds the response envelope the daemon would send for env.
func reply(env *protocol.Envelope, data json.RawMessage) *protocol.Envelope {
	return &protocol.Envelope{
		Origin:    env.Destination,
		Command:   env.Command,
		RequestID: env.RequestID,
		Ack:       true,
		Data:      data,
	}
}

func newTestClient(t *testing.T) (*Client, *fakeTransport) {
	t.Helper()
	tr := &fakeTransport{}
	c := NewClient(tr, Options{RequestTimeout: 5 * time.Second})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c, tr
}

func TestConcurrentRequestCorrelation(t *testing.T) {
	c, tr := newTestClient(t)

	const n = 8
	type outcome struct {
		walletID int
		data     json.RawMessage
		err      error
	}
	results := make(chan outcome, n)
	for i := 1; i <= n; i++ {
		go func(id int) {
			data, err := c.Request(context.Background(), protocol.ServiceWallet,
				protocol.CmdGetWalletBalance, map[string]any{"wallet_id": id})
			results <- outcome{walletID: id, data: data, err: err}
		}(i)
	}

	sent := tr.waitForSent(t, n)
	// Answer in reverse arrival order so resolution order and send order
	// disagree completely.
	for i := len(sent) - 1; i >= 0; i-- {
		env := sent[i]
		var params struct {
			WalletID int `json:"wallet_id"`
		}
		if err := json.Unmarshal(env.Data, &params); err != nil {
			t.Fatalf("unmarshal request params: %v", err)
		}
		tr.deliver(t, reply(env, mustJSON(t, map[string]any{
			"success": true,
			"wallet_balance": map[string]any{
				"wallet_id":                params.WalletID,
				"confirmed_wallet_balance": params.WalletID * 100,
			},
		})))
	}

	for i := 0; i < n; i++ {
		select {
		case res := <-results:
			if res.err != nil {
				t.Fatalf("request for wallet %d failed: %v", res.walletID, res.err)
			}
			var payload struct {
				WalletBalance struct {
					WalletID int `json:"wallet_id"`
					Balance  int `json:"confirmed_wallet_balance"`
				} `json:"wallet_balance"`
			}
			if err := json.Unmarshal(res.data, &payload); err != nil {
				t.Fatalf("unmarshal response: %v", err)
			}
			if payload.WalletBalance.WalletID != res.walletID {
				t.Errorf("caller for wallet %d got balance for wallet %d", res.walletID, payload.WalletBalance.WalletID)
			}
			if payload.WalletBalance.Balance != res.walletID*100 {
				t.Errorf("wallet %d: balance = %d, want %d", res.walletID, payload.WalletBalance.Balance, res.walletID*100)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for results")
		}
	}

	if got := c.BusyCount(); got != 0 {
		t.Errorf("busy count after all resolutions = %d, want 0", got)
	}
}

func TestWalletBalanceAnsweredInReverseOrder(t *testing.T) {
	c, tr := newTestClient(t)

	type outcome struct {
		data json.RawMessage
		err  error
	}
	first := make(chan outcome, 1)
	second := make(chan outcome, 1)
	go func() {
		data, err := c.Request(context.Background(), protocol.ServiceWallet,
			protocol.CmdGetWalletBalance, map[string]any{"wallet_id": 1})
		first <- outcome{data, err}
	}()
	go func() {
		data, err := c.Request(context.Background(), protocol.ServiceWallet,
			protocol.CmdGetWalletBalance, map[string]any{"wallet_id": 2})
		second <- outcome{data, err}
	}()

	sent := tr.waitForSent(t, 2)
	balances := map[int]int{1: 500, 2: 700}
	for i := len(sent) - 1; i >= 0; i-- {
		env := sent[i]
		var params struct {
			WalletID int `json:"wallet_id"`
		}
		if err := json.Unmarshal(env.Data, &params); err != nil {
			t.Fatalf("unmarshal request params: %v", err)
		}
		tr.deliver(t, reply(env, mustJSON(t, map[string]any{
			"success": true,
			"wallet_balance": map[string]any{
				"wallet_id":                params.WalletID,
				"confirmed_wallet_balance": balances[params.WalletID],
			},
		})))
	}

	check := func(ch chan outcome, wantWallet, wantBalance int) {
		t.Helper()
		select {
		case res := <-ch:
			if res.err != nil {
				t.Fatalf("request failed: %v", res.err)
			}
			var payload struct {
				WalletBalance struct {
					WalletID int `json:"wallet_id"`
					Balance  int `json:"confirmed_wallet_balance"`
				} `json:"wallet_balance"`
			}
			if err := json.Unmarshal(res.data, &payload); err != nil {
				t.Fatalf("unmarshal response: %v", err)
			}
			if payload.WalletBalance.WalletID != wantWallet || payload.WalletBalance.Balance != wantBalance {
				t.Errorf("got wallet %d balance %d, want wallet %d balance %d",
					payload.WalletBalance.WalletID, payload.WalletBalance.Balance, wantWallet, wantBalance)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for response")
		}
	}
	check(first, 1, 500)
	check(second, 2, 700)
}

func TestTimeoutIsolation(t *testing.T) {
	c, tr := newTestClient(t)

	slowDone := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()
		_, err := c.Request(ctx, protocol.ServiceWallet, protocol.CmdGetSyncStatus, nil)
		slowDone <- err
	}()
	okDone := make(chan error, 1)
	go func() {
		_, err := c.Request(context.Background(), protocol.ServiceWallet,
			protocol.CmdGetHeightInfo, nil)
		okDone <- err
	}()

	sent := tr.waitForSent(t, 2)

	start := time.Now()
	var timeoutErr error
	select {
	case timeoutErr = <-slowDone:
	case <-time.After(2 * time.Second):
		t.Fatal("request never timed out")
	}
	if !errors.Is(timeoutErr, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", timeoutErr)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("timeout took %v past the budget", elapsed)
	}

	// The other request is untouched: answer it now and it resolves.
	for _, env := range sent {
		if env.Command != protocol.CmdGetHeightInfo {
			continue
		}
		tr.deliver(t, reply(env, mustJSON(t, map[string]any{"success": true, "height": 42})))
	}
	select {
	case err := <-okDone:
		if err != nil {
			t.Fatalf("sibling request failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("sibling request never resolved")
	}

	if got := c.BusyCount(); got != 0 {
		t.Errorf("busy count = %d, want 0", got)
	}
}

func TestMassRejectionOnClose(t *testing.T) {
	c, tr := newTestClient(t)

	const n = 5
	done := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := c.Request(context.Background(), protocol.ServiceFullNode,
				protocol.CmdGetBlockchainState, nil)
			done <- err
		}()
	}
	tr.waitForSent(t, n)
	if got := c.BusyCount(); got != n {
		t.Fatalf("busy count with %d in flight = %d", n, got)
	}

	tr.drop(errors.New("socket gone"))

	for i := 0; i < n; i++ {
		select {
		case err := <-done:
			if !errors.Is(err, ErrConnectionClosed) {
				t.Errorf("err = %v, want ErrConnectionClosed", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("pending request survived the close")
		}
	}
	if got := c.BusyCount(); got != 0 {
		t.Errorf("busy count after close = %d, want 0", got)
	}
	if got := c.PendingCount(); got != 0 {
		t.Errorf("pending count after close = %d, want 0", got)
	}
	if got := c.State(); got != StateDisconnected {
		t.Errorf("state = %s, want %s", got, StateDisconnected)
	}
}

func TestLogoutClearsSessionScope(t *testing.T) {
	c, tr := newTestClient(t)
	c.SetFingerprint(314159)

	done := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := c.Request(context.Background(), protocol.ServiceWallet,
				protocol.CmdGetTransactions, nil)
			done <- err
		}()
	}
	tr.waitForSent(t, 2)

	var fired atomic.Int64
	count := func(*protocol.Envelope) { fired.Add(1) }
	c.Subscribe(protocol.ServiceWallet, protocol.CmdStateChanged, count)
	c.Subscribe(protocol.ServiceFarmer, protocol.CmdGetLatestChallenges, count)
	c.Subscribe(protocol.ServiceFullNode, protocol.CmdStateChanged, count)
	if got := c.SubscriptionCount(); got != 3 {
		t.Fatalf("subscription count = %d, want 3", got)
	}

	if err := c.Logout(); err != nil {
		t.Fatalf("logout: %v", err)
	}

	for i := 0; i < 2; i++ {
		select {
		case err := <-done:
			if !errors.Is(err, ErrConnectionClosed) {
				t.Errorf("err = %v, want ErrConnectionClosed", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("pending request survived logout")
		}
	}
	if got := c.SubscriptionCount(); got != 0 {
		t.Errorf("subscription count after logout = %d, want 0", got)
	}
	if got := c.Fingerprint(); got != 0 {
		t.Errorf("fingerprint after logout = %d, want 0", got)
	}

	// A frame matching an old subscription must not reach its handler.
	tr.deliver(t, &protocol.Envelope{
		Origin:  protocol.ServiceWallet,
		Command: protocol.CmdStateChanged,
		Data:    mustJSON(t, map[string]any{"state": "coin_added"}),
	})
	if got := fired.Load(); got != 0 {
		t.Errorf("stale handler fired %d time(s)", got)
	}
}

func TestLateResponseDiscarded(t *testing.T) {
	c, tr := newTestClient(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Request(ctx, protocol.ServiceWallet, protocol.CmdGetWalletBalance,
		map[string]any{"wallet_id": 1})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}

	// Even a late response still reaches passive subscribers.
	var saw atomic.Int64
	c.Subscribe(protocol.ServiceWallet, protocol.CmdGetWalletBalance, func(*protocol.Envelope) {
		saw.Add(1)
	})

	sent := tr.waitForSent(t, 1)
	late := reply(sent[0], mustJSON(t, map[string]any{"success": true}))
	tr.deliver(t, late)
	tr.deliver(t, late)

	if got := saw.Load(); got != 2 {
		t.Errorf("subscriber saw %d late envelopes, want 2", got)
	}
	if got := c.BusyCount(); got != 0 {
		t.Errorf("busy count = %d, want 0", got)
	}
}

func TestRemoteErrorSurfaced(t *testing.T) {
	c, tr := newTestClient(t)

	stop := tr.autoRespond(t, func(env *protocol.Envelope) *protocol.Envelope {
		return reply(env, mustJSON(t, map[string]any{"success": false, "error": "wallet not synced"}))
	})
	defer stop()

	_, err := c.Request(context.Background(), protocol.ServiceWallet,
		protocol.CmdSendTransaction, map[string]any{"wallet_id": 1})
	var re *RemoteError
	if !errors.As(err, &re) {
		t.Fatalf("err = %v, want RemoteError", err)
	}
	if re.Message != "wallet not synced" {
		t.Errorf("message = %q", re.Message)
	}
	if re.Command != protocol.CmdSendTransaction {
		t.Errorf("command = %q", re.Command)
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, ErrConnectionClosed) {
		t.Error("remote failure must not look like a timeout or a closed connection")
	}
}

func TestMissingSuccessIsRemoteError(t *testing.T) {
	c, tr := newTestClient(t)

	stop := tr.autoRespond(t, func(env *protocol.Envelope) *protocol.Envelope {
		return reply(env, mustJSON(t, map[string]any{"height": 7}))
	})
	defer stop()

	_, err := c.Request(context.Background(), protocol.ServiceWallet, protocol.CmdGetHeightInfo, nil)
	var re *RemoteError
	if !errors.As(err, &re) {
		t.Fatalf("err = %v, want RemoteError", err)
	}
}

func TestRegisterHandshake(t *testing.T) {
	c, tr := newTestClient(t)

	stop := tr.autoRespond(t, func(env *protocol.Envelope) *protocol.Envelope {
		if env.Command != protocol.CmdRegisterService {
			return nil
		}
		return reply(env, mustJSON(t, map[string]any{"success": true}))
	})
	defer stop()

	if got := c.State(); got != StateConnected {
		t.Fatalf("state before handshake = %s", got)
	}
	if err := c.Register(context.Background()); err != nil {
		t.Fatalf("register: %v", err)
	}
	if got := c.State(); got != StateAuthenticated {
		t.Errorf("state after handshake = %s, want %s", got, StateAuthenticated)
	}

	sent := tr.waitForSent(t, 1)
	var params struct {
		Service string `json:"service"`
	}
	if err := json.Unmarshal(sent[0].Data, &params); err != nil {
		t.Fatalf("unmarshal handshake params: %v", err)
	}
	if sent[0].Destination != protocol.ServiceDaemon || params.Service != protocol.ServiceWalletUI {
		t.Errorf("handshake = %s/%s service=%q", sent[0].Destination, sent[0].Command, params.Service)
	}

	// Registering again is a no-op.
	if err := c.Register(context.Background()); err != nil {
		t.Fatalf("second register: %v", err)
	}
}

func TestCorrelatedResponseAlsoReachesSubscribers(t *testing.T) {
	c, tr := newTestClient(t)

	var cached atomic.Int64
	c.Subscribe(protocol.ServiceWallet, protocol.CmdGetWallets, func(env *protocol.Envelope) {
		cached.Add(1)
	})

	stop := tr.autoRespond(t, func(env *protocol.Envelope) *protocol.Envelope {
		return reply(env, mustJSON(t, map[string]any{"success": true, "wallets": []any{}}))
	})
	defer stop()

	if _, err := c.Request(context.Background(), protocol.ServiceWallet, protocol.CmdGetWallets, nil); err != nil {
		t.Fatalf("request: %v", err)
	}
	if got := cached.Load(); got != 1 {
		t.Errorf("subscriber saw %d envelopes, want 1", got)
	}
}

func TestUnknownEnvelopeTolerated(t *testing.T) {
	c, tr := newTestClient(t)

	var fired atomic.Int64
	c.Subscribe(protocol.ServiceWallet, protocol.CmdStateChanged, func(*protocol.Envelope) {
		fired.Add(1)
	})

	// Nothing is registered for this pair; the envelope just falls through.
	tr.deliver(t, &protocol.Envelope{
		Origin:  protocol.ServiceHarvester,
		Command: "farming_info_v9",
		Data:    mustJSON(t, map[string]any{"success": true}),
	})
	// Garbage frames are dropped by the codec without killing dispatch.
	tr.mu.Lock()
	onMessage := tr.onMessage
	tr.mu.Unlock()
	onMessage([]byte("{not json"))

	tr.deliver(t, &protocol.Envelope{
		Origin:  protocol.ServiceWallet,
		Command: protocol.CmdStateChanged,
		Data:    mustJSON(t, map[string]any{"state": "sync_changed"}),
	})
	if got := fired.Load(); got != 1 {
		t.Errorf("registered handler fired %d time(s), want 1", got)
	}
}

func TestConnectIsIdempotent(t *testing.T) {
	c, tr := newTestClient(t)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("second connect: %v", err)
	}
	tr.mu.Lock()
	calls := tr.connectCalls
	tr.mu.Unlock()
	if calls != 1 {
		t.Errorf("transport dialed %d times, want 1", calls)
	}
}

func TestRequestWhenDisconnected(t *testing.T) {
	tr := &fakeTransport{}
	c := NewClient(tr, Options{})

	_, err := c.Request(context.Background(), protocol.ServiceWallet, protocol.CmdGetWallets, nil)
	if !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("err = %v, want ErrConnectionClosed", err)
	}
	if got := c.BusyCount(); got != 0 {
		t.Errorf("busy count = %d, want 0", got)
	}
}
