// Package panel routes card types to side-panel buckets.
package panel

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Panel is a side-panel bucket.
type Panel string

const (
	TradePositions Panel = "trade-positions"
	Bots           Panel = "bots"
	Actions        Panel = "actions"
	GenericCards   Panel = "generic-cards"
)

// Card types known to the router. The set is closed for routing purposes;
// anything else lands in GenericCards.
const (
	TypeCreateTrade       = "create-trade"
	TypeTradePosition     = "trade-position"
	TypeClosePosition     = "close-position"
	TypeModifyPosition    = "modify-position"
	TypeCreateBot         = "create-bot"
	TypeBot               = "bot"
	TypeBotStatus         = "bot-status"
	TypeCreateAutomation  = "create-automation"
	TypeAutomation        = "automation"
	TypeAction            = "action"
	TypePriceAlert        = "price-alert"
	TypePortfolioSummary  = "portfolio-summary"
	TypePortfolioOverview = "portfolio-overview"
	TypePortfolioBalance  = "portfolio-balance"
)

var errInvalidRoutesYAML = errors.New("invalid routes YAML")

// Router classifies card types into panels.
type Router struct {
	routes     map[string]Panel
	singletons map[string]bool
}

func defaultRoutes() map[string]Panel {
	return map[string]Panel{
		TypeCreateTrade:      TradePositions,
		TypeTradePosition:    TradePositions,
		TypeClosePosition:    TradePositions,
		TypeModifyPosition:   TradePositions,
		TypeCreateBot:        Bots,
		TypeBot:              Bots,
		TypeBotStatus:        Bots,
		TypeCreateAutomation: Actions,
		TypeAutomation:       Actions,
		TypeAction:           Actions,
		TypePriceAlert:       Actions,
	}
}

func defaultSingletons() map[string]bool {
	return map[string]bool{
		TypePortfolioSummary:  true,
		TypePortfolioOverview: true,
		TypePortfolioBalance:  true,
	}
}

// NewRouter returns a router with the built-in table.
func NewRouter() *Router {
	return &Router{routes: defaultRoutes(), singletons: defaultSingletons()}
}

var defaultRouter = NewRouter()

// Default returns the shared built-in router. It must not be mutated.
func Default() *Router { return defaultRouter }

// TargetPanel classifies cardType using the built-in table.
func TargetPanel(cardType string) Panel { return defaultRouter.TargetPanel(cardType) }

// IsSingleton reports whether cardType allows at most one panel card.
func IsSingleton(cardType string) bool { return defaultRouter.IsSingleton(cardType) }

func (r *Router) TargetPanel(cardType string) Panel {
	if p, ok := r.routes[normalizeType(cardType)]; ok {
		return p
	}
	return GenericCards
}

func (r *Router) IsSingleton(cardType string) bool {
	return r.singletons[normalizeType(cardType)]
}

// Types lists every type with an explicit route or singleton flag.
func (r *Router) Types() []string {
	seen := make(map[string]struct{}, len(r.routes)+len(r.singletons))
	for t := range r.routes {
		seen[t] = struct{}{}
	}
	for t := range r.singletons {
		seen[t] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func normalizeType(t string) string {
	return strings.ToLower(strings.TrimSpace(t))
}

func validPanel(p Panel) bool {
	switch p {
	case TradePositions, Bots, Actions, GenericCards:
		return true
	}
	return false
}

type routesFile struct {
	Routes     map[string]string `yaml:"routes"`
	Singletons []string          `yaml:"singletons"`
}

// LoadRouter layers the routes declared in a YAML file over the built-in
// table. A missing file or empty path yields the built-in router.
//
//	routes:
//	  grid-bot: bots
//	singletons:
//	  - portfolio-heatmap
func LoadRouter(path string) (*Router, error) {
	r := NewRouter()
	path = strings.TrimSpace(path)
	if path == "" {
		return r, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return r, nil
		}
		return nil, fmt.Errorf("read routes %q: %w", path, err)
	}

	var rf routesFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("%w in %s: %v", errInvalidRoutesYAML, path, err)
	}

	for t, p := range rf.Routes {
		target := Panel(strings.TrimSpace(p))
		if !validPanel(target) {
			return nil, fmt.Errorf("%w in %s: unknown panel %q for type %q", errInvalidRoutesYAML, path, p, t)
		}
		r.routes[normalizeType(t)] = target
	}
	for _, t := range rf.Singletons {
		if nt := normalizeType(t); nt != "" {
			r.singletons[nt] = true
		}
	}
	return r, nil
}
