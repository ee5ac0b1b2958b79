package limits

import (
	"bufio"
	"context"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/aggr/internal/monitoring"
)

// BanList holds the set of rejected client IPs, loaded from a
// newline-delimited sidecar file. The file is polled for modification-time
// changes and re-read whole on change.
type BanList struct {
	logger zerolog.Logger
	path   string

	mu      sync.RWMutex
	ips     map[string]struct{}
	modTime time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewBanList creates a ban list backed by the file at path. A missing file
// is an empty list, not an error.
func NewBanList(logger zerolog.Logger, path string) *BanList {
	return &BanList{
		logger: logger.With().Str("component", "banlist").Logger(),
		path:   path,
		ips:    make(map[string]struct{}),
	}
}

// Contains reports whether ip is banned.
func (b *BanList) Contains(ip string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.ips[ip]
	return ok
}

// Len reports how many IPs are banned.
func (b *BanList) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.ips)
}

// Reload re-reads the file if its modification time changed since the last
// read. force skips the mtime check.
func (b *BanList) Reload(force bool) error {
	info, err := os.Stat(b.path)
	if err != nil {
		if os.IsNotExist(err) {
			b.mu.Lock()
			b.ips = make(map[string]struct{})
			b.modTime = time.Time{}
			b.mu.Unlock()
			return nil
		}
		return err
	}

	b.mu.RLock()
	unchanged := !force && info.ModTime().Equal(b.modTime)
	b.mu.RUnlock()
	if unchanged {
		return nil
	}

	f, err := os.Open(b.path)
	if err != nil {
		return err
	}
	defer f.Close()

	ips := make(map[string]struct{})
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ips[line] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	b.ips = ips
	b.modTime = info.ModTime()
	b.mu.Unlock()

	b.logger.Info().Int("count", len(ips)).Str("path", b.path).Msg("Ban list reloaded")
	return nil
}

// Watch loads the file once and then polls it on the given interval until
// the context is cancelled.
func (b *BanList) Watch(ctx context.Context, interval time.Duration) {
	if err := b.Reload(true); err != nil {
		b.logger.Warn().Err(err).Msg("Initial ban list load failed")
	}

	ctx, b.cancel = context.WithCancel(ctx)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer monitoring.RecoverPanic(b.logger, "banlist-watch", nil)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := b.Reload(false); err != nil {
					b.logger.Warn().Err(err).Msg("Ban list reload failed")
				}
			}
		}
	}()
}

// Shutdown stops the watch goroutine.
func (b *BanList) Shutdown() {
	if b.cancel != nil {
		b.cancel()
	}
	b.wg.Wait()
}
