package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"perp-spike-alerts/internal/market"
)

const infoPath = "/info"

// Options parameterise the Hyperliquid info-endpoint source.
type Options struct {
	BaseURL        string
	Timeout        time.Duration
	UserAgent      string
	RequestsPerSec int
	MaxRetryTime   time.Duration
	// TrackedWallets are the addresses whose clearinghouse state is
	// polled for whale positions.
	TrackedWallets []string
}

// Hyperliquid fetches perp market state from the Hyperliquid info API.
type Hyperliquid struct {
	baseURL string
	wallets []common.Address
	client  *client
	logger  zerolog.Logger
	now     func() time.Time
}

// NewHyperliquid builds the source, validating tracked wallet addresses.
func NewHyperliquid(opts Options, logger zerolog.Logger) (*Hyperliquid, error) {
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.hyperliquid.xyz"
	}

	wallets := make([]common.Address, 0, len(opts.TrackedWallets))
	for _, raw := range opts.TrackedWallets {
		if !common.IsHexAddress(raw) {
			return nil, fmt.Errorf("invalid tracked wallet address %q", raw)
		}
		wallets = append(wallets, common.HexToAddress(raw))
	}

	return &Hyperliquid{
		baseURL: baseURL,
		wallets: wallets,
		client: newClient(clientOptions{
			Timeout:        opts.Timeout,
			RequestsPerSec: opts.RequestsPerSec,
			MaxRetryTime:   opts.MaxRetryTime,
			UserAgent:      opts.UserAgent,
		}),
		logger: logger.With().Str("component", "hyperliquid_fetcher").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

type metaAndAssetCtxsResponse []json.RawMessage

type metaPayload struct {
	Universe []struct {
		Name string `json:"name"`
	} `json:"universe"`
}

type assetCtx struct {
	MarkPx       string `json:"markPx"`
	OpenInterest string `json:"openInterest"`
	Funding      string `json:"funding"`
	DayNtlVlm    string `json:"dayNtlVlm"`
	PrevDayPx    string `json:"prevDayPx"`
}

type clearinghouseResponse struct {
	AssetPositions []struct {
		Position struct {
			Coin          string `json:"coin"`
			Szi           string `json:"szi"`
			EntryPx       string `json:"entryPx"`
			PositionValue string `json:"positionValue"`
		} `json:"position"`
	} `json:"assetPositions"`
	Time int64 `json:"time"`
}

type liquidationEntry struct {
	Coin  string      `json:"coin"`
	Size  json.Number `json:"size"`
	Price json.Number `json:"price"`
	Time  int64       `json:"time"`
}

// Fetch performs the full per-tick observation: all market contexts,
// tracked-wallet positions, and recent liquidations.
func (h *Hyperliquid) Fetch(ctx context.Context) (Result, error) {
	now := h.now()

	snapshots, err := h.fetchSnapshots(ctx, now)
	if err != nil {
		return Result{}, fmt.Errorf("fetch market contexts: %w", err)
	}

	positions, err := h.fetchPositions(ctx, now)
	if err != nil {
		return Result{}, fmt.Errorf("fetch tracked positions: %w", err)
	}

	liquidations, err := h.fetchLiquidations(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("fetch liquidations: %w", err)
	}

	return Result{Snapshots: snapshots, Positions: positions, Liquidations: liquidations}, nil
}

func (h *Hyperliquid) fetchSnapshots(ctx context.Context, now time.Time) ([]market.Snapshot, error) {
	var resp metaAndAssetCtxsResponse
	if err := h.client.postJSON(ctx, h.baseURL+infoPath, map[string]string{"type": "metaAndAssetCtxs"}, &resp); err != nil {
		return nil, err
	}
	if len(resp) < 2 {
		return nil, fmt.Errorf("malformed metaAndAssetCtxs response: %d elements", len(resp))
	}

	var meta metaPayload
	if err := json.Unmarshal(resp[0], &meta); err != nil {
		return nil, fmt.Errorf("decode universe meta: %w", err)
	}
	var ctxs []assetCtx
	if err := json.Unmarshal(resp[1], &ctxs); err != nil {
		return nil, fmt.Errorf("decode asset contexts: %w", err)
	}

	snapshots := make([]market.Snapshot, 0, len(ctxs))
	for i, asset := range ctxs {
		if i >= len(meta.Universe) {
			break
		}
		coin := meta.Universe[i].Name

		markPx, err := parseDec(asset.MarkPx, coin, "markPx")
		if err != nil {
			return nil, err
		}
		oi, err := parseDec(asset.OpenInterest, coin, "openInterest")
		if err != nil {
			return nil, err
		}
		funding, err := parseDec(asset.Funding, coin, "funding")
		if err != nil {
			return nil, err
		}
		volume, err := parseDec(asset.DayNtlVlm, coin, "dayNtlVlm")
		if err != nil {
			return nil, err
		}

		snapshots = append(snapshots, market.Snapshot{
			Asset:        coin,
			// Contract-denominated, straight from the exchange. Keeping
			// it raw means a pure mark-price move cannot register as an
			// OI change.
			OpenInterest: oi,
			MarkPrice:    markPx,
			FundingRate:  funding,
			DayVolume:    volume,
			Timestamp:    now,
		})
	}
	return snapshots, nil
}

func (h *Hyperliquid) fetchPositions(ctx context.Context, now time.Time) ([]market.Position, error) {
	var positions []market.Position
	for _, wallet := range h.wallets {
		var resp clearinghouseResponse
		payload := map[string]string{"type": "clearinghouseState", "user": wallet.Hex()}
		if err := h.client.postJSON(ctx, h.baseURL+infoPath, payload, &resp); err != nil {
			return nil, fmt.Errorf("wallet %s: %w", wallet.Hex(), err)
		}

		observed := now
		if resp.Time > 0 {
			observed = time.UnixMilli(resp.Time).UTC()
		}

		for _, entry := range resp.AssetPositions {
			pos := entry.Position
			szi, err := parseDec(pos.Szi, pos.Coin, "szi")
			if err != nil {
				return nil, err
			}
			if szi.IsZero() {
				continue
			}
			notional, err := parseDec(pos.PositionValue, pos.Coin, "positionValue")
			if err != nil {
				return nil, err
			}
			entryPx, err := parseDec(pos.EntryPx, pos.Coin, "entryPx")
			if err != nil {
				return nil, err
			}

			side := market.SideLong
			if szi.Sign() < 0 {
				side = market.SideShort
			}
			positions = append(positions, market.Position{
				Asset:     pos.Coin,
				User:      wallet.Hex(),
				Notional:  notional.Abs(),
				EntryPx:   entryPx,
				Side:      side,
				Timestamp: observed,
			})
		}
	}
	return positions, nil
}

func (h *Hyperliquid) fetchLiquidations(ctx context.Context) ([]market.Liquidation, error) {
	var entries []liquidationEntry
	if err := h.client.postJSON(ctx, h.baseURL+infoPath, map[string]string{"type": "liquidations"}, &entries); err != nil {
		return nil, err
	}
	return convertLiquidations(entries)
}

func convertLiquidations(entries []liquidationEntry) ([]market.Liquidation, error) {
	out := make([]market.Liquidation, 0, len(entries))
	for _, entry := range entries {
		size, err := parseDec(entry.Size.String(), entry.Coin, "size")
		if err != nil {
			return nil, err
		}
		price, err := parseDec(entry.Price.String(), entry.Coin, "price")
		if err != nil {
			return nil, err
		}
		out = append(out, market.Liquidation{
			Asset:     entry.Coin,
			Notional:  size.Mul(price).Abs(),
			Price:     price,
			Timestamp: time.UnixMilli(entry.Time).UTC(),
		})
	}
	return out, nil
}

func parseDec(raw, coin, field string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Zero, nil
	}
	value, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse %s %s %q: %w", coin, field, raw, err)
	}
	return value, nil
}

var _ Source = (*Hyperliquid)(nil)
