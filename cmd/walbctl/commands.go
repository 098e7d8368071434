package main

import (
	"fmt"
	"os"
	"time"

	"github.com/gocarina/gocsv"
	"github.com/hashicorp/go-multierror"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/dargueta/walb/blockdev"
	"github.com/dargueta/walb/control"
	"github.com/dargueta/walb/device"
	"github.com/dargueta/walb/snapshot"
	"github.com/dargueta/walb/superblock"
)

// snapshotPageSize is how many records one list command asks for.
const snapshotPageSize = 64

func formatVolumes(cliCtx *cli.Context) error {
	if cliCtx.NArg() < 2 {
		return fmt.Errorf("expected %s", volumeArgs)
	}
	cfg, err := loadConfig(cliCtx)
	if err != nil {
		return err
	}

	logVol, err := blockdev.OpenFile(cliCtx.Args().Get(0), uint(cfg.PhysicalBlockSize))
	if err != nil {
		return err
	}
	dataVol, err := blockdev.OpenFile(cliCtx.Args().Get(1), uint(cfg.LogicalBlockSize))
	if err != nil {
		logVol.Close()
		return err
	}

	super, err := device.Format(logVol, dataVol, cfg, cliCtx.String("name"))
	err = multierror.Append(err, logVol.Close(), dataVol.Close()).ErrorOrNil()
	if err != nil {
		return err
	}
	fmt.Printf("formatted %s, ring buffer holds %d blocks\n", super.UUID.String(), super.RingBufferSize)
	return nil
}

// superInfo is the YAML form of a superblock.
type superInfo struct {
	Name                 string `yaml:"name"`
	UUID                 string `yaml:"uuid"`
	Version              uint32 `yaml:"version"`
	LogicalBlockSize     uint32 `yaml:"logical_block_size"`
	PhysicalBlockSize    uint32 `yaml:"physical_block_size"`
	SnapshotMetadataSize uint32 `yaml:"snapshot_metadata_blocks"`
	LogChecksumSalt      uint32 `yaml:"log_checksum_salt"`
	RingBufferSize       uint64 `yaml:"ring_buffer_size"`
	OldestLSID           uint64 `yaml:"oldest_lsid"`
	WrittenLSID          uint64 `yaml:"written_lsid"`
	DeviceSize           uint64 `yaml:"device_size"`
}

func printSuperblock(cliCtx *cli.Context) error {
	if cliCtx.NArg() < 1 {
		return fmt.Errorf("expected LOG_VOLUME")
	}
	cfg, err := loadConfig(cliCtx)
	if err != nil {
		return err
	}
	logVol, err := blockdev.OpenFile(cliCtx.Args().Get(0), uint(cfg.PhysicalBlockSize))
	if err != nil {
		return err
	}
	defer logVol.Close()

	store, err := superblock.Load(logVol)
	if err != nil {
		return err
	}
	super := store.Get()

	encoder := yaml.NewEncoder(os.Stdout)
	defer encoder.Close()
	return encoder.Encode(superInfo{
		Name:                 super.Name,
		UUID:                 super.UUID.String(),
		Version:              super.Version,
		LogicalBlockSize:     super.LogicalBlockSize,
		PhysicalBlockSize:    super.PhysicalBlockSize,
		SnapshotMetadataSize: super.SnapshotMetadataSize,
		LogChecksumSalt:      super.LogChecksumSalt,
		RingBufferSize:       super.RingBufferSize,
		OldestLSID:           super.OldestLSID,
		WrittenLSID:          super.WrittenLSID,
		DeviceSize:           super.DeviceSize,
	})
}

type statusRow struct {
	Name      string `csv:"name"`
	Minor     uint32 `csv:"minor"`
	Oldest    uint64 `csv:"oldest_lsid"`
	Written   uint64 `csv:"written_lsid"`
	Permanent uint64 `csv:"permanent_lsid"`
	Completed uint64 `csv:"completed_lsid"`
	Usage     uint64 `csv:"log_usage"`
	Capacity  uint64 `csv:"log_capacity"`
	Overflow  bool   `csv:"overflow"`
	Frozen    bool   `csv:"frozen"`
}

func printStatus(cliCtx *cli.Context) error {
	return withSession(cliCtx, func(s *session) error {
		row := statusRow{Minor: s.minor}

		listing, err := s.run(control.CmdListDevices, func(ctl *control.Ctl) {
			ctl.U2K.Buf = control.EncodeMinorRange(s.minor, s.minor+1)
			ctl.K2U.BufSize = control.DiskDataSize
		})
		if err != nil {
			return err
		}
		disks, err := control.DecodeDiskData(listing.K2U.Buf, int(listing.ValInt))
		if err != nil {
			return err
		}
		if len(disks) > 0 {
			row.Name = disks[0].Name
		}

		u64s := []struct {
			cmd   control.Command
			field *uint64
		}{
			{control.CmdGetOldestLSID, &row.Oldest},
			{control.CmdGetWrittenLSID, &row.Written},
			{control.CmdGetPermanentLSID, &row.Permanent},
			{control.CmdGetCompletedLSID, &row.Completed},
			{control.CmdGetLogUsage, &row.Usage},
			{control.CmdGetLogCapacity, &row.Capacity},
		}
		for _, query := range u64s {
			ctl, err := s.run(query.cmd, nil)
			if err != nil {
				return err
			}
			*query.field = ctl.ValU64
		}

		ctl, err := s.run(control.CmdIsLogOverflow, nil)
		if err != nil {
			return err
		}
		row.Overflow = ctl.ValInt != 0
		if ctl, err = s.run(control.CmdIsFrozen, nil); err != nil {
			return err
		}
		row.Frozen = ctl.ValInt != 0

		return gocsv.Marshal([]statusRow{row}, os.Stdout)
	})
}

func takeCheckpoint(cliCtx *cli.Context) error {
	return withSession(cliCtx, func(s *session) error {
		_, err := s.run(control.CmdTakeCheckpoint, nil)
		return err
	})
}

func setOldest(cliCtx *cli.Context) error {
	lsid, err := uintArg(cliCtx, 2, "LSID")
	if err != nil {
		return err
	}
	return withSession(cliCtx, func(s *session) error {
		_, err := s.run(control.CmdSetOldestLSID, func(ctl *control.Ctl) {
			ctl.ValU64 = lsid
		})
		return err
	})
}

func resizeDevice(cliCtx *cli.Context) error {
	var size uint64
	if cliCtx.NArg() > 2 {
		var err error
		if size, err = uintArg(cliCtx, 2, "SIZE"); err != nil {
			return err
		}
	}
	return withSession(cliCtx, func(s *session) error {
		_, err := s.run(control.CmdResize, func(ctl *control.Ctl) {
			ctl.ValU64 = size
		})
		return err
	})
}

func clearLog(cliCtx *cli.Context) error {
	return withSession(cliCtx, func(s *session) error {
		_, err := s.run(control.CmdClearLog, nil)
		return err
	})
}

func listSnapshots(cliCtx *cli.Context) error {
	lo, hi := cliCtx.Uint64("from"), cliCtx.Uint64("to")
	return withSession(cliCtx, func(s *session) error {
		records := []snapshot.Record{}
		for lo < hi {
			ctl, err := s.run(control.CmdListSnapshotRange, func(ctl *control.Ctl) {
				ctl.U2K.Buf = control.EncodeLsidRange(lo, hi)
				ctl.K2U.BufSize = snapshotPageSize * snapshot.RecordSize
			})
			if err != nil {
				return err
			}
			if ctl.ValInt == 0 {
				break
			}
			page, err := control.DecodeRecords(ctl.K2U.Buf, int(ctl.ValInt))
			if err != nil {
				return err
			}
			records = append(records, page...)
			lo = ctl.ValU64
		}
		return gocsv.Marshal(records, os.Stdout)
	})
}

func requestName(cliCtx *cli.Context) ([]byte, error) {
	if cliCtx.NArg() < 3 {
		return nil, fmt.Errorf("missing NAME")
	}
	return control.EncodeRecords([]snapshot.Record{{
		Name:      cliCtx.Args().Get(2),
		LSID:      cliCtx.Uint64("lsid"),
		Timestamp: uint64(time.Now().Unix()),
	}})
}

func createSnapshot(cliCtx *cli.Context) error {
	request, err := requestName(cliCtx)
	if err != nil {
		return err
	}
	return withSession(cliCtx, func(s *session) error {
		ctl, err := s.run(control.CmdCreateSnapshot, func(ctl *control.Ctl) {
			ctl.U2K.Buf = request
			ctl.K2U.BufSize = snapshot.RecordSize
		})
		if err != nil {
			return err
		}
		created, err := control.DecodeRecords(ctl.K2U.Buf, 1)
		if err != nil {
			return err
		}
		return gocsv.Marshal(created, os.Stdout)
	})
}

func deleteSnapshot(cliCtx *cli.Context) error {
	request, err := requestName(cliCtx)
	if err != nil {
		return err
	}
	return withSession(cliCtx, func(s *session) error {
		_, err := s.run(control.CmdDeleteSnapshot, func(ctl *control.Ctl) {
			ctl.U2K.Buf = request
		})
		return err
	})
}

func deleteSnapshotRange(cliCtx *cli.Context) error {
	lo, err := uintArg(cliCtx, 2, "FROM")
	if err != nil {
		return err
	}
	hi, err := uintArg(cliCtx, 3, "TO")
	if err != nil {
		return err
	}
	return withSession(cliCtx, func(s *session) error {
		ctl, err := s.run(control.CmdDeleteSnapshotRange, func(ctl *control.Ctl) {
			ctl.U2K.Buf = control.EncodeLsidRange(lo, hi)
		})
		if err != nil {
			return err
		}
		fmt.Printf("deleted %d snapshots\n", ctl.ValInt)
		return nil
	})
}

func getSnapshot(cliCtx *cli.Context) error {
	request, err := requestName(cliCtx)
	if err != nil {
		return err
	}
	return withSession(cliCtx, func(s *session) error {
		ctl, err := s.run(control.CmdGetSnapshot, func(ctl *control.Ctl) {
			ctl.U2K.Buf = request
			ctl.K2U.BufSize = snapshot.RecordSize
		})
		if err != nil {
			return err
		}
		found, err := control.DecodeRecords(ctl.K2U.Buf, 1)
		if err != nil {
			return err
		}
		return gocsv.Marshal(found, os.Stdout)
	})
}
