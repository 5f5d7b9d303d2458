package services

import (
	"context"
	"fmt"

	"github.com/beacon-wallet/daemonbus/internal/protocol"
)

// Daemon drives the daemon's own control commands: service lifecycle and
// shutdown.
type Daemon struct {
	s Session
}

func NewDaemon(s Session) *Daemon {
	return &Daemon{s: s}
}

func (d *Daemon) Ping(ctx context.Context) error {
	_, err := d.s.Request(ctx, protocol.ServiceDaemon, protocol.CmdPing, nil)
	return err
}

// StartService asks the daemon to launch one of its node services, for
// example protocol.ServiceFullNode.
func (d *Daemon) StartService(ctx context.Context, service string) error {
	_, err := d.s.Request(ctx, protocol.ServiceDaemon, protocol.CmdStartService,
		map[string]any{"service": service})
	return err
}

func (d *Daemon) StopService(ctx context.Context, service string) error {
	_, err := d.s.Request(ctx, protocol.ServiceDaemon, protocol.CmdStopService,
		map[string]any{"service": service})
	return err
}

// IsRunning reports whether the daemon has the named service up.
func (d *Daemon) IsRunning(ctx context.Context, service string) (bool, error) {
	data, err := d.s.Request(ctx, protocol.ServiceDaemon, protocol.CmdIsRunning,
		map[string]any{"service": service})
	if err != nil {
		return false, err
	}
	var resp struct {
		IsRunning bool `json:"is_running"`
	}
	if err := decode(data, &resp, protocol.CmdIsRunning); err != nil {
		return false, err
	}
	return resp.IsRunning, nil
}

// RunningServices lists the services the daemon currently has up.
func (d *Daemon) RunningServices(ctx context.Context) ([]string, error) {
	data, err := d.s.Request(ctx, protocol.ServiceDaemon, protocol.CmdRunningServices, nil)
	if err != nil {
		return nil, err
	}
	var resp struct {
		RunningServices []string `json:"running_services"`
	}
	if err := decode(data, &resp, protocol.CmdRunningServices); err != nil {
		return nil, err
	}
	return resp.RunningServices, nil
}

// Exit shuts the daemon and everything under it down.
func (d *Daemon) Exit(ctx context.Context) error {
	_, err := d.s.Request(ctx, protocol.ServiceDaemon, protocol.CmdExit, nil)
	return err
}

// EnsureRunning starts service unless the daemon reports it up already.
func (d *Daemon) EnsureRunning(ctx context.Context, service string) error {
	running, err := d.IsRunning(ctx, service)
	if err != nil {
		return err
	}
	if running {
		return nil
	}
	if err := d.StartService(ctx, service); err != nil {
		return fmt.Errorf("start %s: %w", service, err)
	}
	return nil
}
