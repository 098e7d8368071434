package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/containerd/log"
	"github.com/hashicorp/go-multierror"
	"github.com/urfave/cli/v2"

	"github.com/dargueta/walb"
	"github.com/dargueta/walb/control"
	"github.com/dargueta/walb/registry"
	"github.com/dargueta/walb/sequence"
)

const (
	localMajor  = 250
	maxListLSID = sequence.MaxLSID + 1
	unsetLSID   = sequence.InvalidLSID
)

// Files don't have device numbers, so the two volumes get fixed ones.
var (
	logVolumeID  = walb.DevT{Major: 7, Minor: 0}
	dataVolumeID = walb.DevT{Major: 7, Minor: 1}
)

// session is one device started on a pair of volume files. Every command goes
// through the control envelope, the same as for a long-running dispatcher.
type session struct {
	ctx        context.Context
	dispatcher *control.Dispatcher
	minor      uint32
}

func openSession(cliCtx *cli.Context) (*session, error) {
	if cliCtx.NArg() < 2 {
		return nil, fmt.Errorf("expected %s", volumeArgs)
	}
	cfg, err := loadConfig(cliCtx)
	if err != nil {
		return nil, err
	}
	// A one-shot command checkpoints when it closes the device.
	cfg.CheckpointIntervalMs = 0

	reg := registry.New[*control.Handle]()
	if err = reg.Init(); err != nil {
		return nil, err
	}

	resolver := control.StaticResolver{
		logVolumeID:  control.FileVolume(cliCtx.Args().Get(0), uint(cfg.PhysicalBlockSize)),
		dataVolumeID: control.FileVolume(cliCtx.Args().Get(1), uint(cfg.LogicalBlockSize)),
	}
	dispatcher := control.NewDispatcher(localMajor, reg, resolver, cfg)

	ctx := log.WithLogger(cliCtx.Context, log.G(cliCtx.Context).WithField("cmd", cliCtx.Command.Name))
	ctl := &control.Ctl{
		Command: control.CmdStartDevice,
		U2K: control.Data{
			WMinor: walb.DynamicMinor,
			LMajor: logVolumeID.Major,
			LMinor: logVolumeID.Minor,
			DMajor: dataVolumeID.Major,
			DMinor: dataVolumeID.Minor,
		},
	}
	if err = dispatcher.Dispatch(ctx, ctl); err != nil {
		return nil, multierror.Append(err, reg.Shutdown()).ErrorOrNil()
	}
	return &session{ctx: ctx, dispatcher: dispatcher, minor: ctl.K2U.WMinor}, nil
}

// run sends `cmd` to the device. `prepare` fills in the request and may be
// nil.
func (s *session) run(cmd control.Command, prepare func(ctl *control.Ctl)) (*control.Ctl, error) {
	ctl := &control.Ctl{Command: cmd, U2K: control.Data{WMinor: s.minor}}
	if prepare != nil {
		prepare(ctl)
	}
	if err := s.dispatcher.Dispatch(s.ctx, ctl); err != nil {
		return nil, fmt.Errorf("%s: %w", cmd.String(), err)
	}
	return ctl, nil
}

func (s *session) close() error {
	var result *multierror.Error
	if err := s.dispatcher.StopAll(s.ctx); err != nil {
		result = multierror.Append(result, err)
	}
	if err := s.dispatcher.Registry.Shutdown(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// withSession opens a session, runs `action` and closes the session, keeping
// both errors.
func withSession(cliCtx *cli.Context, action func(s *session) error) (err error) {
	s, err := openSession(cliCtx)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := s.close(); closeErr != nil {
			err = multierror.Append(err, closeErr).ErrorOrNil()
		}
	}()
	return action(s)
}

// uintArg parses the positional argument at `index`.
func uintArg(cliCtx *cli.Context, index int, what string) (uint64, error) {
	if cliCtx.NArg() <= index {
		return 0, fmt.Errorf("missing %s", what)
	}
	value, err := strconv.ParseUint(cliCtx.Args().Get(index), 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", what, err)
	}
	return value, nil
}
