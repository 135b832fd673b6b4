package server

import (
	"log/slog"
	"sync"

	"github.com/malsori/sttgate/pkg/collector"
	"github.com/malsori/sttgate/pkg/config"
	"github.com/malsori/sttgate/pkg/logging"
	"github.com/malsori/sttgate/pkg/storage"
	"github.com/malsori/sttgate/pkg/upstream"
)

// Gateway bundles the components built from one settings snapshot.
// When the backend override changes, the whole bundle is rebuilt and
// swapped; in-flight requests keep the snapshot they started with.
type Gateway struct {
	logger *slog.Logger

	mu       sync.RWMutex
	settings config.Settings
	client   *upstream.Client
	store    *storage.Store
	notifier *collector.Notifier
}

func NewGateway(settings config.Settings, base *slog.Logger) *Gateway {
	if base == nil {
		base = slog.Default()
	}
	g := &Gateway{logger: logging.NewComponentLogger(base, "gateway")}
	g.Reload(settings)
	return g
}

// Reload rebuilds every settings-bound component from a fresh
// snapshot. The upstream client and its token cache are never mutated
// in place.
func (g *Gateway) Reload(settings config.Settings) {
	client := upstream.NewClient(settings, g.logger)
	store := storage.NewStore(settings.StorageBaseDir, g.logger)
	notifier := collector.New(settings.CollectorURL, settings.CollectorTimeout(), g.logger)

	g.mu.Lock()
	g.settings = settings
	g.client = client
	g.store = store
	g.notifier = notifier
	g.mu.Unlock()
	g.logger.Info("gateway configured",
		slog.String("deployment", string(settings.Deployment)),
		slog.String("api_base", settings.APIBase),
	)
}

func (g *Gateway) Settings() config.Settings {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.settings
}

func (g *Gateway) Client() *upstream.Client {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.client
}

func (g *Gateway) Store() *storage.Store {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.store
}

func (g *Gateway) Notifier() *collector.Notifier {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.notifier
}
