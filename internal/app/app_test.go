package app

import (
	"context"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"github.com/vyper-protocol/vyper-core-sub000/internal/config"
	"github.com/vyper-protocol/vyper-core-sub000/internal/errcode"
	"github.com/vyper-protocol/vyper-core-sub000/internal/fixedpoint"
	"github.com/vyper-protocol/vyper-core-sub000/internal/payoff"
	"github.com/vyper-protocol/vyper-core-sub000/internal/ratefeed"
	"github.com/vyper-protocol/vyper-core-sub000/internal/storage"
)

func testApp() *App {
	authority := "0x1111111111111111111111111111111111111111"
	cfg := &config.Config{
		App:   config.AppConfig{Name: "apptest"},
		Chain: config.ChainConfig{Clock: config.ClockWall, TickResolution: time.Minute},
		Feeds: []config.FeedConfig{
			{ID: "manual", Type: config.FeedMock, Authority: authority},
			{ID: "manual-twap", Type: config.FeedTWAP, Upstream: "manual", MinTickDelta: 1, SamplingSize: 4},
		},
		Payoff: []config.PayoffModuleConfig{
			{ID: "fwd", Config: payoff.Config{Kind: payoff.KindForward, Strike: fixedpoint.One, Notional: 100, IsLinear: true}},
			{ID: "remote", RemoteURL: "http://127.0.0.1:1"},
		},
		Export: config.ExportConfig{MaxDataPoints: 10},
	}
	return NewApp(cfg, zerolog.Nop())
}

func TestNewSourcesAndModules(t *testing.T) {
	a := testApp()
	clock := a.newClock(nil)
	if _, ok := clock.(ratefeed.WallClock); !ok {
		t.Fatalf("未配置链时应使用 WallClock, 实际 %T", clock)
	}

	sources, err := a.newSources(context.Background(), nil, clock, nil)
	if err != nil {
		t.Fatalf("构建价格源失败: %v", err)
	}
	if ids := sources.IDs(); len(ids) != 2 || ids[0] != "manual" || ids[1] != "manual-twap" {
		t.Fatalf("价格源列表不正确: %v", ids)
	}
	twap, err := sources.Resolve("manual-twap")
	if err != nil {
		t.Fatalf("解析 TWAP 失败: %v", err)
	}
	reading, err := twap.Read(context.Background())
	if err != nil {
		t.Fatalf("读取 TWAP 失败: %v", err)
	}
	if !reading.FairValue[0].Equal(fixedpoint.One) {
		t.Fatalf("mock 初值为 1, TWAP 应为 1, 实际 %s", reading.FairValue)
	}

	modules, err := a.newModules()
	if err != nil {
		t.Fatalf("构建 payoff 模块失败: %v", err)
	}
	if ids := modules.IDs(); len(ids) != 2 {
		t.Fatalf("模块列表不正确: %v", ids)
	}
	remote, _ := modules.Resolve("remote")
	if _, ok := remote.(*payoff.HTTPModule); !ok {
		t.Fatalf("remote_url 应生成 HTTPModule, 实际 %T", remote)
	}
}

func TestNewSourcesRejectsChainFeedsWithoutRPC(t *testing.T) {
	a := testApp()
	a.Config.Feeds = []config.FeedConfig{{ID: "agg", Type: config.FeedOracle}}
	if _, err := a.newSources(context.Background(), nil, a.newClock(nil), nil); err == nil {
		t.Fatal("缺少 rpc_url 时构建 oracle 应失败")
	}
}

func TestSimulateForward(t *testing.T) {
	a := testApp()
	res, err := a.Simulate(context.Background(), SimulateOptions{
		ModuleID:    "fwd",
		OldQuantity: payoff.Quantities{1000, 1000},
		OldFV:       []string{"1"},
		NewFV:       []string{"1.5"},
	})
	if err != nil {
		t.Fatalf("模拟失败: %v", err)
	}
	if res.NewQuantity != (payoff.Quantities{1050, 950}) || res.FeeQuantity != 0 {
		t.Fatalf("远期结果不正确: %+v", res)
	}

	_, err = a.Simulate(context.Background(), SimulateOptions{ModuleID: "missing"})
	if !errors.Is(err, errcode.ErrPluginCall) {
		t.Fatalf("未知模块应返回 ErrPluginCall, 实际 %v", err)
	}
	_, err = a.Simulate(context.Background(), SimulateOptions{ModuleID: "fwd", OldFV: []string{"x"}})
	if err == nil {
		t.Fatal("非法数值应失败")
	}
}

func TestBuildPersistentRequiresDSN(t *testing.T) {
	a := testApp()
	if _, err := a.InitTranche(context.Background(), InitOptions{Owner: common.Address{}, RateSource: "manual", PayoffModule: "fwd"}); err == nil {
		t.Fatal("未配置数据库时 init-tranche 应失败")
	}
	if err := a.Export(context.Background(), ExportOptions{}); err == nil {
		t.Fatal("未指定输出路径时 export 应失败")
	}
}

func record(offset time.Duration, ok bool) storage.RefreshRecord {
	rec := storage.RefreshRecord{
		Tick:              uint64(offset / time.Minute),
		Outcome:           "ok",
		DepositedQuantity: [2]uint64{1050, 950},
		Fee:               3,
		ReserveFairValue:  fixedpoint.FilledVector(fixedpoint.RequireFromString("1.5")),
		TrancheFairValue:  [2]fixedpoint.Decimal{fixedpoint.RequireFromString("1.05"), fixedpoint.RequireFromString("0.95")},
		CreatedAt:         time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC).Add(offset),
	}
	if !ok {
		msg := "stale\nfeed"
		rec.Outcome = "stale_fair_value"
		rec.Error = &msg
	}
	return rec
}

func TestDownsampleRecords(t *testing.T) {
	var records []storage.RefreshRecord
	for i := 0; i < 10; i++ {
		records = append(records, record(time.Duration(i)*time.Minute, true))
	}
	got := downsampleRecords(records, 4)
	if len(got) != 4 {
		t.Fatalf("应抽样为 4 条, 实际 %d", len(got))
	}
	if got[0].Tick != 0 || got[3].Tick != 9 {
		t.Fatalf("首尾应保留, 实际 %d..%d", got[0].Tick, got[3].Tick)
	}
	if len(downsampleRecords(records, 20)) != 10 {
		t.Fatal("数量不足时不应抽样")
	}
}

func TestWriteRecordsCSVAndPNG(t *testing.T) {
	dir := t.TempDir()
	records := []storage.RefreshRecord{
		record(0, true),
		record(time.Minute, false),
		record(2*time.Minute, true),
	}

	csvPath := filepath.Join(dir, "out", "history.csv")
	if err := writeRecordsCSV(csvPath, records); err != nil {
		t.Fatalf("写入 CSV 失败: %v", err)
	}
	file, err := os.Open(csvPath)
	if err != nil {
		t.Fatalf("打开 CSV 失败: %v", err)
	}
	defer file.Close()
	rows, err := csv.NewReader(file).ReadAll()
	if err != nil {
		t.Fatalf("解析 CSV 失败: %v", err)
	}
	if len(rows) != 4 {
		t.Fatalf("应包含表头与 3 行, 实际 %d", len(rows))
	}
	if rows[1][6] != "1.5" || rows[1][7] != "1.05" || rows[2][2] != "stale_fair_value" {
		t.Fatalf("CSV 内容不正确: %v", rows)
	}

	pngPath := filepath.Join(dir, "out", "history.png")
	if err := writeRecordsPNG(pngPath, records); err != nil {
		t.Fatalf("绘制 PNG 失败: %v", err)
	}
	if info, err := os.Stat(pngPath); err != nil || info.Size() == 0 {
		t.Fatalf("PNG 未生成: %v", err)
	}

	if err := writeRecordsPNG(pngPath, records[1:2]); err == nil {
		t.Fatal("成功记录不足两条时应失败")
	}
}

func TestSanitizeInline(t *testing.T) {
	if got := sanitizeInline("a\nb\rc"); got != "a b c" {
		t.Fatalf("换行应替换为空格, 实际 %q", got)
	}
}
