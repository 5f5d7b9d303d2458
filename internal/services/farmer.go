package services

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/beacon-wallet/daemonbus/internal/protocol"
)

// farmingInfoKeep bounds the in-memory ring of recent farming attempts.
const farmingInfoKeep = 64

type FarmingInfo struct {
	ChallengeHash string `json:"challenge_hash"`
	PassedFilter  int    `json:"passed_filter"`
	Proofs        int    `json:"proofs"`
	TotalPlots    int    `json:"total_plots"`
	Timestamp     int64  `json:"timestamp"`
}

type RewardTargets struct {
	FarmerTarget string `json:"farmer_target"`
	PoolTarget   string `json:"pool_target"`
}

// Farmer is the farmer facade. It collects new_farming_info pushes so the
// status view can show recent attempts without a round trip.
type Farmer struct {
	s Session

	mu     sync.Mutex
	recent []FarmingInfo
	unsubs []func()
}

func NewFarmer(s Session) *Farmer {
	return &Farmer{s: s}
}

func (f *Farmer) LatestChallenges(ctx context.Context) ([]FarmingInfo, error) {
	data, err := f.s.Request(ctx, protocol.ServiceFarmer, protocol.CmdGetLatestChallenges, nil)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Challenges []FarmingInfo `json:"latest_challenges"`
	}
	if err := decode(data, &resp, protocol.CmdGetLatestChallenges); err != nil {
		return nil, err
	}
	return resp.Challenges, nil
}

func (f *Farmer) RewardTargets(ctx context.Context) (*RewardTargets, error) {
	data, err := f.s.Request(ctx, protocol.ServiceFarmer, protocol.CmdGetRewardTargets,
		map[string]any{"search_for_private_key": false})
	if err != nil {
		return nil, err
	}
	var targets RewardTargets
	if err := decode(data, &targets, protocol.CmdGetRewardTargets); err != nil {
		return nil, err
	}
	return &targets, nil
}

func (f *Farmer) SetRewardTargets(ctx context.Context, farmerTarget, poolTarget string) error {
	_, err := f.s.Request(ctx, protocol.ServiceFarmer, protocol.CmdSetRewardTargets, map[string]any{
		"farmer_target": farmerTarget,
		"pool_target":   poolTarget,
	})
	return err
}

// Attach starts collecting farming attempts.
func (f *Farmer) Attach() {
	f.Detach()
	f.unsubs = append(f.unsubs,
		f.s.Subscribe(protocol.ServiceFarmer, protocol.CmdNewFarmingInfo, f.onFarmingInfo),
	)
}

func (f *Farmer) Detach() {
	for _, unsub := range f.unsubs {
		unsub()
	}
	f.unsubs = nil
}

func (f *Farmer) onFarmingInfo(env *protocol.Envelope) {
	var resp struct {
		FarmingInfo *FarmingInfo `json:"farming_info"`
	}
	if err := json.Unmarshal(env.Data, &resp); err != nil || resp.FarmingInfo == nil {
		return
	}
	f.mu.Lock()
	f.recent = append(f.recent, *resp.FarmingInfo)
	if len(f.recent) > farmingInfoKeep {
		f.recent = f.recent[len(f.recent)-farmingInfoKeep:]
	}
	f.mu.Unlock()
}

// RecentFarmingInfo returns collected attempts, oldest first.
func (f *Farmer) RecentFarmingInfo() []FarmingInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]FarmingInfo(nil), f.recent...)
}
