package watcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/receiptflow/receiptflow/internal/config"
	"github.com/receiptflow/receiptflow/internal/models"
	internalsettings "github.com/receiptflow/receiptflow/internal/settings"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const (
	// defaultPollInterval controls how often DB snapshots are refreshed.
	defaultPollInterval = time.Duration(internalsettings.DefaultPollIntervalSeconds) * time.Second
	// defaultQueryTimeout bounds DB query duration.
	defaultQueryTimeout = 10 * time.Second
)

// ReloadFunc receives a freshly loaded config file.
type ReloadFunc func(cfg config.FileConfig)

// Watcher polls the settings table and the config file and publishes changes.
type Watcher struct {
	db           *gorm.DB
	configPath   string
	reload       ReloadFunc
	pollInterval time.Duration

	// config polling
	cfgMu   sync.RWMutex
	cfgHash string

	// settings snapshot (global db config)
	settingsLatestAt  time.Time
	settingsLatestKey string
	settingsCount     int64
	hasSettingsLatest bool

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Watcher. A non-positive interval uses the default.
func New(db *gorm.DB, configPath string, interval time.Duration, reload ReloadFunc) *Watcher {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &Watcher{
		db:           db,
		configPath:   strings.TrimSpace(configPath),
		reload:       reload,
		pollInterval: interval,
	}
}

// Start runs one synchronous poll, then launches the polling goroutine.
func (w *Watcher) Start(ctx context.Context) error {
	if w == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return nil
	}
	w.Poll(ctx, true)

	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(runCtx)
	}()

	log.Infof("settings watcher started (poll_interval=%s)", w.pollInterval)
	return nil
}

// Stop cancels the polling goroutine and waits for it to exit.
func (w *Watcher) Stop() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
	w.mu.Unlock()
	w.wg.Wait()
	return nil
}

// Poll checks both sources once. force reloads settings even when unchanged.
// It must not run concurrently with a started watcher.
func (w *Watcher) Poll(ctx context.Context, force bool) {
	w.pollConfig()
	w.pollSettings(ctx, force)
}

// run executes the periodic polling loop until the context is canceled.
func (w *Watcher) run(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Poll(ctx, false)
		}
	}
}

// pollConfig reloads the config file when its contents change.
func (w *Watcher) pollConfig() {
	if w == nil || w.configPath == "" || w.reload == nil {
		return
	}

	data, errRead := os.ReadFile(w.configPath)
	if errRead != nil || len(data) == 0 {
		return
	}
	hash := hashBytes(data)

	w.cfgMu.RLock()
	prevHash := w.cfgHash
	w.cfgMu.RUnlock()
	if prevHash != "" && prevHash == hash {
		return
	}

	cfg, errLoad := config.Load(w.configPath)
	if errLoad != nil {
		log.WithError(errLoad).Warn("settings watcher: load config failed")
		return
	}

	w.cfgMu.Lock()
	w.cfgHash = hash
	w.cfgMu.Unlock()

	if prevHash != "" {
		log.Infof("settings watcher: config file changed, reloading (path=%s)", w.configPath)
	}
	w.reload(cfg)
}

// pollSettings refreshes the settings snapshot when rows change.
func (w *Watcher) pollSettings(ctx context.Context, force bool) {
	if w == nil || w.db == nil {
		return
	}
	qctx, cancel := context.WithTimeout(ctx, defaultQueryTimeout)
	defer cancel()

	// latestRow captures the newest setting timestamp for change detection.
	type latestRow struct {
		Key       string     `gorm:"column:key"`        // Latest settings key.
		UpdatedAt *time.Time `gorm:"column:updated_at"` // Latest settings update time.
	}
	var latest latestRow
	hasLatest := false
	errLatest := w.db.WithContext(qctx).
		Model(&models.Setting{}).
		Select("key", "updated_at").
		Order("updated_at DESC, key DESC").
		Limit(1).
		Take(&latest).Error
	if errLatest != nil {
		if errors.Is(errLatest, context.Canceled) {
			return
		}
		if !errors.Is(errLatest, gorm.ErrRecordNotFound) {
			log.WithError(errLatest).Warn("settings watcher: query settings latest row failed")
			return
		}
	} else {
		hasLatest = true
	}

	var count int64
	if errCount := w.db.WithContext(qctx).Model(&models.Setting{}).Count(&count).Error; errCount != nil {
		if errors.Is(errCount, context.Canceled) {
			return
		}
		log.WithError(errCount).Warn("settings watcher: count settings failed")
		return
	}

	latestKey := strings.TrimSpace(latest.Key)
	latestAt := time.Time{}
	if hasLatest && latest.UpdatedAt != nil {
		latestAt = latest.UpdatedAt.UTC()
	}

	if !force {
		if !hasLatest {
			if !w.hasSettingsLatest {
				return
			}
		} else if w.hasSettingsLatest && latestAt.Equal(w.settingsLatestAt) && latestKey == w.settingsLatestKey && count == w.settingsCount {
			return
		}
	}

	log.Infof("settings watcher: settings changed, reloading (latest_updated_at=%s latest_key=%s)", latestAt.Format(time.RFC3339Nano), latestKey)

	if errReload := internalsettings.Reload(qctx, w.db); errReload != nil {
		if errors.Is(errReload, context.Canceled) {
			return
		}
		log.WithError(errReload).Warn("settings watcher: query settings failed")
		return
	}

	if !hasLatest || latestKey == "" {
		w.settingsLatestAt = time.Time{}
		w.settingsLatestKey = ""
		w.settingsCount = 0
		w.hasSettingsLatest = false
		return
	}
	w.settingsLatestAt = latestAt
	w.settingsLatestKey = latestKey
	w.settingsCount = count
	w.hasSettingsLatest = true
}

func hashBytes(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
