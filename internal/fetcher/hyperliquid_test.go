package fetcher

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"perp-spike-alerts/internal/market"
)

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}

const testWallet = "0x1111111111111111111111111111111111111111"

// infoServer 按请求体中的 type 字段分发模拟响应。
func infoServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("解析请求体失败: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")

		switch req["type"] {
		case "metaAndAssetCtxs":
			_, _ = w.Write([]byte(`[
				{"universe":[{"name":"BTC"},{"name":"ETH"}]},
				[
					{"markPx":"100","openInterest":"10000","funding":"0.0001","dayNtlVlm":"5000000","prevDayPx":"99"},
					{"markPx":"50","openInterest":"2000","funding":"-0.0002","dayNtlVlm":"800000","prevDayPx":"51"}
				]
			]`))
		case "clearinghouseState":
			if req["user"] != testWallet {
				t.Fatalf("user 地址不正确: %s", req["user"])
			}
			_, _ = w.Write([]byte(`{
				"assetPositions":[
					{"position":{"coin":"BTC","szi":"-2.5","entryPx":"98","positionValue":"150000"}},
					{"position":{"coin":"ETH","szi":"0","entryPx":"0","positionValue":"0"}}
				],
				"time":1714564800000
			}`))
		case "liquidations":
			_, _ = w.Write([]byte(`[{"coin":"BTC","size":600,"price":100,"time":1714564800000}]`))
		default:
			t.Fatalf("未知请求类型: %s", req["type"])
		}
	}))
}

func newTestSource(t *testing.T, baseURL string, wallets []string) *Hyperliquid {
	t.Helper()
	src, err := NewHyperliquid(Options{
		BaseURL:        baseURL,
		Timeout:        time.Second,
		MaxRetryTime:   50 * time.Millisecond,
		TrackedWallets: wallets,
	}, noopLogger())
	if err != nil {
		t.Fatalf("构造 source 失败: %v", err)
	}
	src.now = func() time.Time {
		return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	}
	return src
}

func TestHyperliquidFetchSuccess(t *testing.T) {
	srv := infoServer(t)
	defer srv.Close()

	src := newTestSource(t, srv.URL, []string{testWallet})

	result, err := src.Fetch(context.Background())
	if err != nil {
		t.Fatalf("成功响应不应报错: %v", err)
	}

	if len(result.Snapshots) != 2 {
		t.Fatalf("期望 2 条快照, 实际 %d", len(result.Snapshots))
	}
	btc := result.Snapshots[0]
	if btc.Asset != "BTC" {
		t.Fatalf("快照资产应按 universe 顺序对齐, 实际 %s", btc.Asset)
	}
	// OI 保持交易所返回的合约张数, 不换算 USD。
	if !btc.OpenInterest.Equal(decimal.NewFromInt(10000)) {
		t.Fatalf("期望 OI 10000, 实际 %s", btc.OpenInterest)
	}
	if !btc.Timestamp.Equal(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)) {
		t.Fatalf("快照时间应取抓取时刻, 实际 %s", btc.Timestamp)
	}

	if len(result.Positions) != 1 {
		t.Fatalf("szi=0 的仓位应被跳过, 实际 %d 条", len(result.Positions))
	}
	pos := result.Positions[0]
	if pos.Side != market.SideShort {
		t.Fatalf("负 szi 应为空头, 实际 %s", pos.Side)
	}
	if !pos.Notional.Equal(decimal.NewFromInt(150000)) {
		t.Fatalf("期望名义价值 150000, 实际 %s", pos.Notional)
	}
	if !pos.Timestamp.Equal(time.UnixMilli(1714564800000).UTC()) {
		t.Fatalf("仓位时间应取响应中的 time, 实际 %s", pos.Timestamp)
	}

	if len(result.Liquidations) != 1 {
		t.Fatalf("期望 1 条清算, 实际 %d", len(result.Liquidations))
	}
	if !result.Liquidations[0].Notional.Equal(decimal.NewFromInt(60000)) {
		t.Fatalf("清算名义价值应为 size*price=60000, 实际 %s", result.Liquidations[0].Notional)
	}
}

func TestHyperliquidMalformedMeta(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"universe":[]}]`))
	}))
	defer srv.Close()

	src := newTestSource(t, srv.URL, nil)
	if _, err := src.Fetch(context.Background()); err == nil {
		t.Fatal("残缺的 metaAndAssetCtxs 响应应报错")
	}
}

func TestHyperliquidHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	src := newTestSource(t, srv.URL, nil)
	if _, err := src.Fetch(context.Background()); err == nil {
		t.Fatal("HTTP 400 应返回错误")
	}
}

func TestHyperliquidInvalidWallet(t *testing.T) {
	_, err := NewHyperliquid(Options{TrackedWallets: []string{"not-an-address"}}, noopLogger())
	if err == nil {
		t.Fatal("非法钱包地址应在构造时报错")
	}
}
