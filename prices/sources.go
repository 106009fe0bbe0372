package prices

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// The five default upstreams, in the default priority order. Base URLs are
// injectable so tests can point sources at a local server.
const (
	defaultHTTPTimeout = 15 * time.Second
)

func newHTTPClient(c *http.Client) *http.Client {
	if c != nil {
		return c
	}
	return &http.Client{Timeout: defaultHTTPTimeout}
}

func getJSON(ctx context.Context, client *http.Client, rawURL string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("prices: http %d from %s", resp.StatusCode, req.URL.Host)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}

// Binance quotes spot pairs against USDT and supports a bulk ticker dump,
// which makes it the default top-priority source.
type Binance struct {
	BaseURL string
	Client  *http.Client
}

func (s *Binance) Name() string { return "binance" }

func (s *Binance) base() string {
	if s.BaseURL != "" {
		return s.BaseURL
	}
	return "https://api.binance.com"
}

func (s *Binance) Price(ctx context.Context, symbol string) (float64, error) {
	var out struct {
		Price string `json:"price"`
	}
	u := s.base() + "/api/v3/ticker/price?symbol=" + url.QueryEscape(strings.ToUpper(symbol)+"USDT")
	if err := getJSON(ctx, newHTTPClient(s.Client), u, &out); err != nil {
		return 0, err
	}
	if out.Price == "" {
		return 0, nil
	}
	return strconv.ParseFloat(out.Price, 64)
}

func (s *Binance) BulkPrices(ctx context.Context, symbols []string) (map[string]float64, error) {
	var out []struct {
		Symbol string `json:"symbol"`
		Price  string `json:"price"`
	}
	if err := getJSON(ctx, newHTTPClient(s.Client), s.base()+"/api/v3/ticker/price", &out); err != nil {
		return nil, err
	}
	byPair := make(map[string]float64, len(out))
	for _, t := range out {
		if p, err := strconv.ParseFloat(t.Price, 64); err == nil {
			byPair[t.Symbol] = p
		}
	}
	result := make(map[string]float64, len(symbols))
	for _, sym := range symbols {
		if p, ok := byPair[strings.ToUpper(sym)+"USDT"]; ok {
			result[sym] = p
		}
	}
	return result, nil
}

// Coinbase quotes spot pairs against USD.
type Coinbase struct {
	BaseURL string
	Client  *http.Client
}

func (s *Coinbase) Name() string { return "coinbase" }

func (s *Coinbase) base() string {
	if s.BaseURL != "" {
		return s.BaseURL
	}
	return "https://api.coinbase.com"
}

func (s *Coinbase) Price(ctx context.Context, symbol string) (float64, error) {
	var out struct {
		Data struct {
			Amount string `json:"amount"`
		} `json:"data"`
	}
	u := s.base() + "/v2/prices/" + url.PathEscape(strings.ToUpper(symbol)) + "-USD/spot"
	if err := getJSON(ctx, newHTTPClient(s.Client), u, &out); err != nil {
		return 0, err
	}
	if out.Data.Amount == "" {
		return 0, nil
	}
	return strconv.ParseFloat(out.Data.Amount, 64)
}

func (s *Coinbase) BulkPrices(context.Context, []string) (map[string]float64, error) {
	return nil, nil
}

// Kraken quotes against USD with its own pair naming.
type Kraken struct {
	BaseURL string
	Client  *http.Client
}

func (s *Kraken) Name() string { return "kraken" }

func (s *Kraken) base() string {
	if s.BaseURL != "" {
		return s.BaseURL
	}
	return "https://api.kraken.com"
}

func (s *Kraken) Price(ctx context.Context, symbol string) (float64, error) {
	var out struct {
		Result map[string]struct {
			C []string `json:"c"` // last trade [price, volume]
		} `json:"result"`
	}
	u := s.base() + "/0/public/Ticker?pair=" + url.QueryEscape(strings.ToUpper(symbol)+"USD")
	if err := getJSON(ctx, newHTTPClient(s.Client), u, &out); err != nil {
		return 0, err
	}
	for _, v := range out.Result {
		if len(v.C) > 0 {
			return strconv.ParseFloat(v.C[0], 64)
		}
	}
	return 0, nil
}

func (s *Kraken) BulkPrices(context.Context, []string) (map[string]float64, error) {
	return nil, nil
}

// CryptoCompare aggregates across exchanges.
type CryptoCompare struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
}

func (s *CryptoCompare) Name() string { return "cryptocompare" }

func (s *CryptoCompare) base() string {
	if s.BaseURL != "" {
		return s.BaseURL
	}
	return "https://min-api.cryptocompare.com"
}

func (s *CryptoCompare) Price(ctx context.Context, symbol string) (float64, error) {
	out := map[string]float64{}
	u := s.base() + "/data/price?fsym=" + url.QueryEscape(strings.ToUpper(symbol)) + "&tsyms=USD"
	if s.APIKey != "" {
		u += "&api_key=" + url.QueryEscape(s.APIKey)
	}
	if err := getJSON(ctx, newHTTPClient(s.Client), u, &out); err != nil {
		return 0, err
	}
	return out["USD"], nil
}

func (s *CryptoCompare) BulkPrices(context.Context, []string) (map[string]float64, error) {
	return nil, nil
}

// CoinGecko resolves by its own coin ids; SymbolIDs maps tickers onto them.
type CoinGecko struct {
	BaseURL   string
	Client    *http.Client
	SymbolIDs map[string]string
}

func (s *CoinGecko) Name() string { return "coingecko" }

func (s *CoinGecko) base() string {
	if s.BaseURL != "" {
		return s.BaseURL
	}
	return "https://api.coingecko.com"
}

// defaultGeckoIDs covers the native tokens of the configured networks.
var defaultGeckoIDs = map[string]string{
	"ETH":  "ethereum",
	"BNB":  "binancecoin",
	"POL":  "polygon-ecosystem-token",
	"XDAI": "xdai",
	"BTC":  "bitcoin",
}

func (s *CoinGecko) Price(ctx context.Context, symbol string) (float64, error) {
	ids := s.SymbolIDs
	if ids == nil {
		ids = defaultGeckoIDs
	}
	id, ok := ids[strings.ToUpper(symbol)]
	if !ok {
		return 0, nil
	}
	out := map[string]map[string]float64{}
	u := s.base() + "/api/v3/simple/price?ids=" + url.QueryEscape(id) + "&vs_currencies=usd"
	if err := getJSON(ctx, newHTTPClient(s.Client), u, &out); err != nil {
		return 0, err
	}
	return out[id]["usd"], nil
}

func (s *CoinGecko) BulkPrices(context.Context, []string) (map[string]float64, error) {
	return nil, nil
}

// DefaultSources returns the five standard sources in default priority
// order.
func DefaultSources() []SourceEntry {
	return []SourceEntry{
		{Source: &Binance{}, Priority: 1},
		{Source: &Coinbase{}, Priority: 2},
		{Source: &Kraken{}, Priority: 3},
		{Source: &CryptoCompare{}, Priority: 4},
		{Source: &CoinGecko{}, Priority: 5},
	}
}
