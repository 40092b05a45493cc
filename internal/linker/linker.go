package linker

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/text/unicode/norm"

	"github.com/tokenwatch/price-oracle/internal/models"
	"github.com/tokenwatch/price-oracle/internal/store"
)

// prefixMarkers are the decorations meme listings put in front of a ticker.
// A "$$" pair strips both characters, any other single marker strips one;
// anything deeper is a different symbol.
const prefixMarkers = "$#@&"

// wrappedAliases maps bridged and staked wrappers to the underlying asset
// they track. The wrapper trades at parity, so linking it to the underlying
// gives a correct price where the registry has no entry for the wrapper
// itself.
var wrappedAliases = map[string]string{
	"WBTC":   "BTC",
	"CBBTC":  "BTC",
	"WETH":   "ETH",
	"STETH":  "ETH",
	"WSTETH": "ETH",
	"CBETH":  "ETH",
	"RETH":   "ETH",
	"WBNB":   "BNB",
	"WMATIC": "MATIC",
	"WAVAX":  "AVAX",
	"WFTM":   "FTM",
	"WSOL":   "SOL",
	"WTRX":   "TRX",
}

// Linker resolves raw exchange symbols to canonical registry assets through a
// cascade of progressively looser matching stages. Results, hits and misses
// both, are cached per symbol for the life of the process; the registry only
// changes on the daily resync and a stale miss costs one extra sweep.
type Linker struct {
	store *store.Store
	log   *logrus.Entry

	mu    sync.RWMutex
	cache map[string]models.LinkResult
}

func New(st *store.Store, log *logrus.Entry) *Linker {
	return &Linker{
		store: st,
		log:   log,
		cache: make(map[string]models.LinkResult),
	}
}

// Link resolves one raw symbol. The returned result always carries the
// method that produced it; Asset is nil on a miss.
func (l *Linker) Link(ctx context.Context, rawSymbol string) (models.LinkResult, error) {
	symbol := strings.ToUpper(strings.TrimSpace(rawSymbol))
	if symbol == "" {
		return models.LinkResult{RawSymbol: rawSymbol, Method: models.LinkMethodNone}, nil
	}

	l.mu.RLock()
	cached, ok := l.cache[symbol]
	l.mu.RUnlock()
	if ok {
		return cached, nil
	}

	result, err := l.cascade(ctx, symbol)
	if err != nil {
		return models.LinkResult{}, err
	}
	result.RawSymbol = rawSymbol

	l.mu.Lock()
	l.cache[symbol] = result
	l.mu.Unlock()

	if result.Matched() {
		l.log.WithFields(logrus.Fields{
			"symbol": symbol,
			"method": result.Method,
			"asset":  result.Asset.ProviderID,
		}).Debug("Linked symbol")
	}
	return result, nil
}

func (l *Linker) cascade(ctx context.Context, symbol string) (models.LinkResult, error) {
	type stage struct {
		method    models.LinkMethod
		candidate string
	}

	stages := []stage{
		{models.LinkMethodExact, symbol},
		{models.LinkMethodNormalized, normalize(symbol)},
		{models.LinkMethodPrefix, stripPrefix(symbol)},
		{models.LinkMethodSuffix, stripNumericSuffix(symbol)},
		{models.LinkMethodWrapped, wrappedAliases[symbol]},
		{models.LinkMethodCombined, stripNumericSuffix(stripPrefix(normalize(symbol)))},
	}

	tried := map[string]bool{}
	for _, st := range stages {
		if st.candidate == "" || (st.method != models.LinkMethodExact && tried[st.candidate]) {
			continue
		}
		tried[st.candidate] = true

		asset, err := l.store.GetAssetBySymbol(ctx, st.candidate)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return models.LinkResult{}, err
		}
		return models.LinkResult{Asset: &asset, Method: st.method}, nil
	}

	if asset, ok, err := l.fuzzy(ctx, symbol); err != nil {
		return models.LinkResult{}, err
	} else if ok {
		return models.LinkResult{Asset: &asset, Method: models.LinkMethodFuzzy}, nil
	}

	return models.LinkResult{Method: models.LinkMethodNone}, nil
}

// fuzzy matches the symbol against registry names and slugs. Short symbols
// match too many unrelated names, so this stage needs at least three
// characters. Candidates come back ordered by provider id and the first one
// wins, the same oldest-registration tiebreak the exact stage uses.
func (l *Linker) fuzzy(ctx context.Context, symbol string) (models.Asset, bool, error) {
	needle := strings.ToLower(normalize(symbol))
	if len(needle) < 3 {
		return models.Asset{}, false, nil
	}

	candidates, err := l.store.SearchAssetsByText(ctx, needle, 3)
	if err != nil {
		return models.Asset{}, false, err
	}
	if len(candidates) == 0 {
		return models.Asset{}, false, nil
	}
	return candidates[0], true, nil
}

// normalize folds compatibility characters (fullwidth letters show up in
// scraped listings) and removes the separator characters exchanges embed, so
// "BTC.B" style decorations collapse onto the plain ticker.
func normalize(symbol string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '-', '_', '.':
			return -1
		}
		return r
	}, norm.NFKC.String(symbol))
}

// stripPrefix removes leading marker decoration, the "$$" pair first and then
// the single markers. Returns "" when there is nothing to strip, which skips
// the stage.
func stripPrefix(symbol string) string {
	if len(symbol) > 2 && strings.HasPrefix(symbol, "$$") {
		return symbol[2:]
	}
	if len(symbol) > 1 && strings.ContainsRune(prefixMarkers, rune(symbol[0])) {
		return symbol[1:]
	}
	return ""
}

// stripNumericSuffix drops trailing digits, keeping at least two leading
// characters so "A1" style tickers are left alone. Returns "" when nothing
// was stripped.
func stripNumericSuffix(symbol string) string {
	trimmed := strings.TrimRight(symbol, "0123456789")
	if trimmed == symbol || len(trimmed) < 2 {
		return ""
	}
	return trimmed
}

// SweepUnlinked runs the cascade over observations with no canonical link yet
// and applies the hits in one transaction. Returns how many symbols linked
// and how many remain unmatched, plus the provider ids of newly linked assets
// so the caller can queue them for an aggregator refresh.
func (l *Linker) SweepUnlinked(ctx context.Context, limit int) (linked, missed int, providerIDs []int64, err error) {
	symbols, err := l.store.ListUnlinkedSymbols(ctx, limit)
	if err != nil {
		return 0, 0, nil, err
	}

	var links []store.SymbolLink
	for _, symbol := range symbols {
		result, err := l.Link(ctx, symbol)
		if err != nil {
			return 0, 0, nil, err
		}
		if !result.Matched() {
			missed++
			continue
		}
		links = append(links, store.SymbolLink{BaseAsset: symbol, AssetID: result.Asset.ProviderID})
		providerIDs = append(providerIDs, result.Asset.ProviderID)
	}

	if err := l.store.ApplyLinks(ctx, links); err != nil {
		return 0, 0, nil, err
	}
	return len(links), missed, providerIDs, nil
}

// Reset clears the whole link cache. The daily full resync calls this after
// refreshing the registry so cached misses can match newly listed assets.
func (l *Linker) Reset() {
	l.mu.Lock()
	l.cache = make(map[string]models.LinkResult)
	l.mu.Unlock()
}
