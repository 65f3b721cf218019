package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/vyper-protocol/vyper-core-sub000/internal/errcode"
	"github.com/vyper-protocol/vyper-core-sub000/internal/tranche"
)

// fakeRow 按列顺序把值写入 Scan 目标。
type fakeRow []any

func (r fakeRow) Scan(dest ...any) error {
	if len(dest) != len(r) {
		return errors.New("column count mismatch")
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *uuid.UUID:
			*p = r[i].(uuid.UUID)
		case *string:
			*p = r[i].(string)
		case *[]byte:
			*p = r[i].([]byte)
		case *time.Time:
			*p = r[i].(time.Time)
		default:
			return errors.New("unsupported scan target")
		}
	}
	return nil
}

func TestScanTrancheDecodesStoredColumns(t *testing.T) {
	cfg, err := tranche.Initialize(tranche.InitInput{
		Name:         "eth-forward",
		Owner:        common.HexToAddress("0x00000000000000000000000000000000000000aa"),
		RateSource:   "eth-usd",
		PayoffModule: "forward",
		HaltFlags:    uint16(tranche.HaltDeposits),
		Version:      "1.4.2",
	}, 42, time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC))
	if err != nil {
		t.Fatalf("初始化 tranche 失败: %v", err)
	}
	cfg.Supply = [2]uint64{1000, 18446744073709551615}
	cfg.Data.DepositedQuantity = [2]uint64{1000, 250}
	cfg.Data.FeeToCollect = 3

	data, err := cfg.Data.MarshalBinary()
	if err != nil {
		t.Fatalf("编码失败: %v", err)
	}
	row := fakeRow{
		cfg.ID, cfg.Name, cfg.Owner.Hex(), cfg.RateSource, cfg.PayoffModule, cfg.VersionString(),
		formatUint(cfg.Supply[0]), formatUint(cfg.Supply[1]), data, cfg.CreatedAt,
	}

	got, err := scanTranche(row)
	if err != nil {
		t.Fatalf("scanTranche 失败: %v", err)
	}
	if got.ID != cfg.ID || got.Owner != cfg.Owner || got.Version != [3]uint8{1, 4, 2} {
		t.Fatalf("标识字段不一致: %+v", got)
	}
	if got.Supply != cfg.Supply {
		t.Fatalf("supply 不一致: %v", got.Supply)
	}
	if got.Data.DepositedQuantity != cfg.Data.DepositedQuantity || got.Data.FeeToCollect != 3 {
		t.Fatalf("账本状态不一致: %+v", got.Data)
	}
	if !got.Data.HaltFlags.Contains(tranche.HaltDeposits) {
		t.Fatalf("halt flags 丢失: %s", got.Data.HaltFlags)
	}
	if got.Data.TrancheFairValue.Tracking.LastUpdate != 42 {
		t.Fatalf("tracking 不一致: %+v", got.Data.TrancheFairValue.Tracking)
	}
}

func TestScanTrancheRejectsCorruptData(t *testing.T) {
	row := fakeRow{
		uuid.New(), "", common.Address{}.Hex(), "src", "mod", "1.0.0",
		"0", "0", []byte{1, 2, 3}, time.Now(),
	}
	_, err := scanTranche(row)
	if !errors.Is(err, errcode.ErrInvalidInput) {
		t.Fatalf("短数据应返回 invalid input, 实际 %v", err)
	}
}

func TestUnconfiguredStore(t *testing.T) {
	var s *Store
	ctx := context.Background()
	if _, err := s.GetTranche(ctx, uuid.New()); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("未配置的 store 应返回 ErrNotConfigured, 实际 %v", err)
	}
	if err := s.SaveSamplingBuffer(ctx, "x", nil); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("未配置的 store 应返回 ErrNotConfigured, 实际 %v", err)
	}
	if _, _, err := s.TryAdvisoryLock(ctx, 1); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("未配置的 store 应返回 ErrNotConfigured, 实际 %v", err)
	}
	s.Close()
}

func TestParseUintBounds(t *testing.T) {
	if v, err := parseUint(formatUint(^uint64(0))); err != nil || v != ^uint64(0) {
		t.Fatalf("最大 uint64 应可往返, 实际 %d %v", v, err)
	}
	if _, err := parseUint("18446744073709551616"); err == nil {
		t.Fatal("超出 uint64 的值应报错")
	}
}
