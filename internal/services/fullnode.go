package services

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/beacon-wallet/daemonbus/internal/protocol"
)

type BlockchainState struct {
	Difficulty uint64      `json:"difficulty"`
	Space      json.Number `json:"space"`
	Sync       struct {
		Synced   bool `json:"synced"`
		SyncMode bool `json:"sync_mode"`
	} `json:"sync"`
	Peak struct {
		Height int `json:"height"`
	} `json:"peak"`
}

type Connection struct {
	Type     int    `json:"type"`
	PeerHost string `json:"peer_host"`
	PeerPort int    `json:"peer_port"`
}

// FullNode is the full node facade, caching the last seen chain state.
type FullNode struct {
	s Session

	mu     sync.Mutex
	state  BlockchainState
	have   bool
	unsubs []func()
}

func NewFullNode(s Session) *FullNode {
	return &FullNode{s: s}
}

func (f *FullNode) State(ctx context.Context) (*BlockchainState, error) {
	data, err := f.s.Request(ctx, protocol.ServiceFullNode, protocol.CmdGetBlockchainState, nil)
	if err != nil {
		return nil, err
	}
	var resp struct {
		BlockchainState BlockchainState `json:"blockchain_state"`
	}
	if err := decode(data, &resp, protocol.CmdGetBlockchainState); err != nil {
		return nil, err
	}
	f.store(resp.BlockchainState)
	return &resp.BlockchainState, nil
}

func (f *FullNode) Connections(ctx context.Context) ([]Connection, error) {
	data, err := f.s.Request(ctx, protocol.ServiceFullNode, protocol.CmdGetConnections, nil)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Connections []Connection `json:"connections"`
	}
	if err := decode(data, &resp, protocol.CmdGetConnections); err != nil {
		return nil, err
	}
	return resp.Connections, nil
}

// Block returns one block untyped; callers pick out what they need.
func (f *FullNode) Block(ctx context.Context, headerHash string) (json.RawMessage, error) {
	return f.s.Request(ctx, protocol.ServiceFullNode, protocol.CmdGetBlock,
		map[string]any{"header_hash": headerHash})
}

// Attach keeps the chain-state cache fresh from any get_blockchain_state
// envelope passing the bus.
func (f *FullNode) Attach() {
	f.Detach()
	f.unsubs = append(f.unsubs,
		f.s.Subscribe(protocol.ServiceFullNode, protocol.CmdGetBlockchainState, f.onStateEnvelope),
	)
}

func (f *FullNode) Detach() {
	for _, unsub := range f.unsubs {
		unsub()
	}
	f.unsubs = nil
}

func (f *FullNode) onStateEnvelope(env *protocol.Envelope) {
	var resp struct {
		BlockchainState *BlockchainState `json:"blockchain_state"`
	}
	if err := json.Unmarshal(env.Data, &resp); err != nil || resp.BlockchainState == nil {
		return
	}
	f.store(*resp.BlockchainState)
}

func (f *FullNode) store(state BlockchainState) {
	f.mu.Lock()
	f.state = state
	f.have = true
	f.mu.Unlock()
}

// CachedState returns the last seen chain state; ok is false before any
// observation.
func (f *FullNode) CachedState() (BlockchainState, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state, f.have
}
