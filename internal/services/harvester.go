package services

import (
	"context"

	"github.com/beacon-wallet/daemonbus/internal/protocol"
)

type Plot struct {
	Filename      string `json:"filename"`
	Size          int    `json:"size"`
	FileSize      int64  `json:"file_size"`
	PlotPublicKey string `json:"plot_public_key"`
}

// Harvester is the harvester facade; it is stateless, plots live on disk.
type Harvester struct {
	s Session
}

func NewHarvester(s Session) *Harvester {
	return &Harvester{s: s}
}

func (h *Harvester) Plots(ctx context.Context) ([]Plot, error) {
	data, err := h.s.Request(ctx, protocol.ServiceHarvester, protocol.CmdGetPlots, nil)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Plots []Plot `json:"plots"`
	}
	if err := decode(data, &resp, protocol.CmdGetPlots); err != nil {
		return nil, err
	}
	return resp.Plots, nil
}

// RefreshPlots triggers a rescan; results arrive later as pushes.
func (h *Harvester) RefreshPlots(ctx context.Context) error {
	_, err := h.s.Request(ctx, protocol.ServiceHarvester, protocol.CmdRefreshPlots, nil)
	return err
}

func (h *Harvester) DeletePlot(ctx context.Context, filename string) error {
	_, err := h.s.Request(ctx, protocol.ServiceHarvester, protocol.CmdDeletePlot,
		map[string]any{"filename": filename})
	return err
}

func (h *Harvester) AddPlotDirectory(ctx context.Context, dir string) error {
	_, err := h.s.Request(ctx, protocol.ServiceHarvester, protocol.CmdAddPlotDirectory,
		map[string]any{"dirname": dir})
	return err
}

func (h *Harvester) RemovePlotDirectory(ctx context.Context, dir string) error {
	_, err := h.s.Request(ctx, protocol.ServiceHarvester, protocol.CmdRemovePlotDirectory,
		map[string]any{"dirname": dir})
	return err
}

func (h *Harvester) PlotDirectories(ctx context.Context) ([]string, error) {
	data, err := h.s.Request(ctx, protocol.ServiceHarvester, protocol.CmdGetPlotDirectories, nil)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Directories []string `json:"directories"`
	}
	if err := decode(data, &resp, protocol.CmdGetPlotDirectories); err != nil {
		return nil, err
	}
	return resp.Directories, nil
}
