// Package catalog loads the broker's reference instrument catalog (the scrip
// master) and answers the two planning questions: which equity token backs a
// watchlist symbol, and which option contracts sit around the money for an
// underlying.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
	"unicode"

	"go.uber.org/zap"
)

const DefaultURL = "https://margincalculator.angelone.in/OpenAPI_File/files/OpenAPIScripMaster.json"

// instrument mirrors one scrip master row. Everything arrives as text.
type instrument struct {
	Token          string `json:"token"`
	SymbolToken    string `json:"symboltoken"`
	Symbol         string `json:"symbol"`
	TradingSymbol  string `json:"tradingsymbol"`
	Name           string `json:"name"`
	Expiry         string `json:"expiry"`
	Strike         string `json:"strike"`
	InstrumentType string `json:"instrumenttype"`
	ExchSeg        string `json:"exch_seg"`
}

// Equity is a resolved cash-market instrument.
type Equity struct {
	TradingSymbol string
	Token         string
	Exchange      string
}

// optionRow is one parsed NFO option contract.
type optionRow struct {
	token  string
	symbol string
	expiry time.Time // date only
	strike float64   // raw catalog units, may be minor-unit scaled
	cp     string    // "CE" or "PE", "" when undetermined
}

// Catalog holds the parsed instrument table plus the indices planning needs:
// NSE equities in catalog order and NFO options grouped by underlying name.
// Indices are built once per load; planning never rescans the full table
// unless the name index misses.
type Catalog struct {
	equities       []Equity          // NSE rows, catalog order
	equityBySymbol map[string]int    // upper tradingsymbol -> index into equities
	options        []optionRow       // all NFO option rows, catalog order
	optionsByName  map[string][]int  // upper underlying name -> indices into options

	now func() time.Time
}

// Load fetches the scrip master, reusing an on-disk copy younger than maxAge
// to spare the (large) download on every process start.
func Load(ctx context.Context, client *http.Client, url, cachePath string, maxAge time.Duration, logger *zap.Logger) (*Catalog, error) {
	fresh := false
	if info, err := os.Stat(cachePath); err == nil {
		fresh = time.Since(info.ModTime()) <= maxAge
	}

	if !fresh {
		if err := download(ctx, client, url, cachePath); err != nil {
			return nil, err
		}
		logger.Info("downloaded instrument catalog", zap.String("path", cachePath))
	} else {
		logger.Info("using cached instrument catalog", zap.String("path", cachePath))
	}

	raw, err := os.ReadFile(cachePath)
	if err != nil {
		return nil, fmt.Errorf("reading catalog cache: %w", err)
	}
	return Parse(raw)
}

func download(ctx context.Context, client *http.Client, url, cachePath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating catalog request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("downloading catalog: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("downloading catalog: unexpected status %s", resp.Status)
	}

	// Temp-then-rename so a failed download never clobbers a usable cache.
	tmpPath := cachePath + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("creating catalog cache: %w", err)
	}
	_, err = io.Copy(f, resp.Body)
	if closeErr := f.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("writing catalog cache: %w", err)
	}
	if err := os.Rename(tmpPath, cachePath); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("renaming catalog cache: %w", err)
	}
	return nil
}

// Parse builds the catalog and its indices from raw scrip master JSON.
func Parse(raw []byte) (*Catalog, error) {
	var rows []instrument
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("parsing catalog: %w", err)
	}

	c := &Catalog{
		equityBySymbol: make(map[string]int),
		optionsByName:  make(map[string][]int),
		now:            time.Now,
	}

	for _, row := range rows {
		token := row.Token
		if token == "" {
			token = row.SymbolToken
		}
		symbol := row.Symbol
		if symbol == "" {
			symbol = row.TradingSymbol
		}
		if token == "" || symbol == "" {
			continue
		}

		switch strings.ToUpper(row.ExchSeg) {
		case "NSE":
			symU := strings.ToUpper(symbol)
			if _, dup := c.equityBySymbol[symU]; !dup {
				c.equityBySymbol[symU] = len(c.equities)
			}
			c.equities = append(c.equities, Equity{
				TradingSymbol: symbol,
				Token:         token,
				Exchange:      "NSE",
			})
		case "NFO":
			if !strings.Contains(strings.ToUpper(row.InstrumentType), "OPT") {
				continue
			}
			opt := optionRow{
				token:  token,
				symbol: strings.ToUpper(symbol),
				cp:     optionType(symbol),
			}
			if exp, ok := parseExpiry(row.Expiry); ok {
				opt.expiry = exp
			}
			if strike, err := strconv.ParseFloat(row.Strike, 64); err == nil {
				opt.strike = strike
			}
			idx := len(c.options)
			c.options = append(c.options, opt)
			if name := strings.ToUpper(strings.TrimSpace(row.Name)); name != "" {
				c.optionsByName[name] = append(c.optionsByName[name], idx)
			}
		}
	}
	return c, nil
}

// ResolveEquities maps watchlist symbols to NSE equity instruments by exact
// SYMBOL-EQ match, falling back to the first catalog row with the symbol
// prefix and an -EQ suffix. Misses are simply absent from the result.
func (c *Catalog) ResolveEquities(symbols []string) map[string]Equity {
	out := make(map[string]Equity, len(symbols))
	for _, s := range symbols {
		target := strings.ToUpper(s) + "-EQ"
		if idx, ok := c.equityBySymbol[target]; ok {
			out[s] = c.equities[idx]
			continue
		}
		for _, eq := range c.equities {
			symU := strings.ToUpper(eq.TradingSymbol)
			if strings.HasPrefix(symU, strings.ToUpper(s)) && strings.HasSuffix(symU, "-EQ") {
				out[s] = eq
				break
			}
		}
	}
	return out
}

// optionType mirrors the catalog's labeling quirk: a symbol containing "PE"
// wins over one containing "CE" when both substrings appear.
func optionType(symbol string) string {
	symU := strings.ToUpper(symbol)
	cp := ""
	if strings.Contains(symU, "CE") {
		cp = "CE"
	}
	if strings.Contains(symU, "PE") {
		cp = "PE"
	}
	return cp
}

// parseExpiry accepts the catalog's day-month-year forms (27JAN2026,
// 27JAN26, 2JAN2026). The day may be one or two digits, so the month token
// is located rather than assumed at a fixed offset.
func parseExpiry(s string) (time.Time, bool) {
	s = strings.TrimSpace(strings.ToUpper(s))
	i := strings.IndexFunc(s, unicode.IsLetter)
	if i < 1 || i+3 > len(s) {
		return time.Time{}, false
	}
	// Month token must be title case for time.Parse.
	norm := s[:i+1] + strings.ToLower(s[i+1:i+3]) + s[i+3:]
	for _, layout := range []string{"2Jan2006", "2Jan06"} {
		if t, err := time.Parse(layout, norm); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// FormatExpiry converts an ISO date to the broker's 27JAN2026 form used by
// the analytics API.
func FormatExpiry(iso string) (string, error) {
	t, err := time.Parse("2006-01-02", iso)
	if err != nil {
		return "", fmt.Errorf("parsing expiry %q: %w", iso, err)
	}
	return strings.ToUpper(t.Format("02Jan2006")), nil
}
