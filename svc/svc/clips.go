package svc

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"clipvault/cfg"
	"clipvault/metrics"
	"clipvault/pkg/domain"
	"clipvault/pkg/envelope"
	"clipvault/pkg/keys"
	"clipvault/svc/cache"
	"clipvault/svc/db"
	"clipvault/svc/util"

	"github.com/pkg/errors"
)

// DeriveTextFunc is the OCR-equivalent hook: best-effort text extraction
// from an image payload. Invoked only for image clips, off the critical
// save guarantee.
type DeriveTextFunc func(ctx context.Context, binary []byte) (string, error)

// Clips is the facade callers use. One mutex serializes every operation
// that touches the record store or its index; interleaved writes could
// otherwise expose a clip without its index entry to a concurrent search.
type Clips struct {
	db         *db.SQLite
	lru        *cache.LRU
	keyAdapter *keys.Adapter
	cfg        *cfg.Cfg
	deriveText DeriveTextFunc

	mu     sync.Mutex
	cipher *envelope.Cipher

	initialized atomic.Bool
	ready       chan struct{}
	initMu      sync.Mutex
	initErr     error

	shutdown atomic.Bool
	opWg     sync.WaitGroup
}

func NewClips(sqlDB *db.SQLite, lru *cache.LRU, keyAdapter *keys.Adapter, c *cfg.Cfg, deriveText DeriveTextFunc) *Clips {
	if sqlDB == nil || lru == nil || keyAdapter == nil || c == nil {
		panic("clips service: nil dependency (sqlDB, lru, keyAdapter, or cfg)")
	}
	p := &Clips{
		db:         sqlDB,
		lru:        lru,
		keyAdapter: keyAdapter,
		cfg:        c,
		deriveText: deriveText,
		ready:      make(chan struct{}),
	}
	go p.bootstrap()
	return p
}

// bootstrap resolves the key and repairs the index before the store
// reports ready. Collaborators must await Ready or poll IsInitialized; a
// failed bootstrap presents as an empty, read-only history, never a crash.
func (p *Clips) bootstrap() {
	defer close(p.ready)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	key, err := p.keyAdapter.GetOrCreateKey(ctx)
	if err != nil {
		p.setInitErr(errors.Wrap(err, "resolve clip key"))
		util.Error().Err(err).Msg("bootstrap: key unavailable, store stays uninitialized")
		return
	}
	cipher, err := envelope.New(key)
	util.Wipe(key)
	if err != nil {
		p.setInitErr(err)
		return
	}
	p.mu.Lock()
	p.cipher = cipher
	p.mu.Unlock()

	if p.keyAdapter.Unpersisted() {
		util.Warn().
			Str("provider", p.keyAdapter.ProviderName()).
			Msg("clip key could not be persisted; history from this session will be unreadable after restart")
	}

	if err := p.rebuildIndexIfNeeded(ctx); err != nil {
		// A broken index degrades search, not the store.
		util.Error().Err(err).Msg("bootstrap: index rebuild failed")
	}

	p.initialized.Store(true)
	util.Info().Msg("clip store initialized")
}

func (p *Clips) setInitErr(err error) {
	p.initMu.Lock()
	p.initErr = err
	p.initMu.Unlock()
}

// Ready is closed once bootstrap finished, successfully or not.
func (p *Clips) Ready() <-chan struct{} {
	return p.ready
}

func (p *Clips) IsInitialized() bool {
	return p.initialized.Load()
}

func (p *Clips) InitErr() error {
	p.initMu.Lock()
	defer p.initMu.Unlock()
	return p.initErr
}

// rebuildIndexIfNeeded repopulates an empty index from a non-empty store:
// the one-time migration path from a pre-search version, and the repair
// path after index corruption. This is the only place a bulk decrypt-all
// is permitted. Individual decrypt failures are skipped, not fatal.
func (p *Clips) rebuildIndexIfNeeded(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	count, err := p.db.Count(ctx)
	if err != nil {
		return err
	}
	if count == 0 {
		return nil
	}
	idxCount, err := p.db.IndexCount(ctx)
	if err != nil {
		return err
	}
	if idxCount > 0 {
		return nil
	}

	opID := util.NewOpID()
	util.Info().Str("op_id", opID).Int64("clips", count).Msg("rebuilding full-text index")
	metrics.IndexRebuilds.Inc()

	clips, err := p.db.FetchAll(ctx)
	if err != nil {
		return err
	}
	skipped := 0
	for _, clip := range clips {
		plaintext, err := p.cipher.Decrypt(clip.CipherPayload)
		if err != nil {
			skipped++
			util.Warn().Str("op_id", opID).Int64("id", clip.ID).Msg("rebuild: skipping undecryptable clip")
			continue
		}
		clip.Content = string(plaintext)
		if err := p.db.IndexClip(ctx, clip.ID, util.NormalizeSearchText(clip.SearchableText())); err != nil {
			util.Warn().Str("op_id", opID).Int64("id", clip.ID).Err(err).Msg("rebuild: reindex failed")
		}
	}
	util.Info().Str("op_id", opID).Int("skipped", skipped).Msg("full-text index rebuilt")
	return nil
}

// SaveClip encrypts and persists new clipboard content, returning the
// assigned id. The record row and its index entry land in one
// transaction. Deduplication against the previously seen content is the
// polling caller's job, not the store's.
func (p *Clips) SaveClip(ctx context.Context, params domain.SaveParams) (int64, error) {
	if p.shutdown.Load() {
		return 0, errors.New("service shutting down")
	}
	if !p.initialized.Load() {
		return 0, domain.ErrNotInitialized
	}
	p.opWg.Add(1)
	defer p.opWg.Done()

	if !params.Kind.Valid() {
		return 0, domain.ErrInvalidKind
	}
	if int64(len(params.Content)) > p.cfg.MaxTextBytes {
		return 0, domain.ErrClipTooLarge
	}
	if int64(len(params.Binary)) > p.cfg.MaxImageBytes {
		return 0, domain.ErrClipTooLarge
	}

	derived := ""
	if params.Kind == domain.KindImage && p.cfg.OCREnabled && p.deriveText != nil && len(params.Binary) > 0 {
		deriveCtx, cancel := context.WithTimeout(ctx, p.cfg.DeriveTextTimeout)
		text, err := p.deriveText(deriveCtx, params.Binary)
		cancel()
		if err != nil {
			util.Warn().Err(err).Msg("derive-text hook failed, saving clip without derived text")
		} else {
			derived = text
		}
	}

	cipherPayload, err := p.cipher.Encrypt([]byte(params.Content))
	if err != nil {
		return 0, err
	}
	metrics.EncryptionOps.WithLabelValues("encrypt").Inc()

	now := time.Now()
	clip := &domain.Clip{
		Content:       params.Content,
		CipherPayload: cipherPayload,
		Binary:        params.Binary,
		Kind:          params.Kind,
		SourceApp:     params.SourceApp,
		ExtractedText: derived,
		CreatedAt:     now,
	}
	searchText := util.NormalizeSearchText(clip.SearchableText())

	p.mu.Lock()
	id, err := p.db.Insert(ctx, clip, searchText)
	if err != nil {
		p.mu.Unlock()
		return 0, errors.Wrap(err, "insert clip")
	}
	clip.ID = id
	clip.Binary = nil
	p.lru.Set(clip)
	p.mu.Unlock()
	metrics.ClipsSaved.Inc()
	util.Debug().Int64("id", id).Str("kind", string(clip.Kind)).Msg("clip saved")
	return id, nil
}

// GetRecentClips lists decrypted clips pinned-first then newest-first.
// Clips that fail decryption are dropped from the result; a shorter list
// beats an error dialog for one bad record.
func (p *Clips) GetRecentClips(ctx context.Context, limit int) ([]*domain.Clip, error) {
	if !p.initialized.Load() {
		return nil, nil
	}
	p.opWg.Add(1)
	defer p.opWg.Done()

	p.mu.Lock()
	defer p.mu.Unlock()
	rows, err := p.db.FetchRecent(ctx, limit)
	if err != nil {
		return nil, errors.Wrap(err, "fetch recent")
	}
	return p.decryptAll(rows), nil
}

// SearchClips matches the query against the full-text index, fetches the
// surviving ids and re-sorts them in listing order. Index entries whose
// record is gone are filtered out here, never surfaced.
func (p *Clips) SearchClips(ctx context.Context, query string) ([]*domain.Clip, error) {
	if !p.initialized.Load() {
		return nil, nil
	}
	p.opWg.Add(1)
	defer p.opWg.Done()
	metrics.Searches.Inc()

	p.mu.Lock()
	defer p.mu.Unlock()
	ids, err := p.db.Match(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, "match query")
	}
	rows, err := p.db.FetchByIDs(ctx, ids)
	if err != nil {
		return nil, errors.Wrap(err, "fetch matches")
	}
	clips := p.decryptAll(rows)
	sort.Slice(clips, func(i, j int) bool {
		if clips[i].Pinned != clips[j].Pinned {
			return clips[i].Pinned
		}
		if !clips[i].CreatedAt.Equal(clips[j].CreatedAt) {
			return clips[i].CreatedAt.After(clips[j].CreatedAt)
		}
		return clips[i].ID > clips[j].ID
	})
	return clips, nil
}

// decryptAll resolves plaintext for fetched rows, via the cache when
// possible. Callers must hold p.mu. Returned clips are copies; the cache
// keeps its own.
func (p *Clips) decryptAll(rows []*domain.Clip) []*domain.Clip {
	clips := make([]*domain.Clip, 0, len(rows))
	for _, row := range rows {
		if cached := p.lru.Get(row.ID); cached != nil {
			metrics.CacheHits.Inc()
			c := *cached
			c.Pinned = row.Pinned
			clips = append(clips, &c)
			continue
		}
		metrics.CacheMisses.Inc()
		plaintext, err := p.cipher.Decrypt(row.CipherPayload)
		if err != nil {
			metrics.DecryptFailures.Inc()
			util.Warn().Int64("id", row.ID).Msg("skipping clip that failed decryption")
			continue
		}
		metrics.EncryptionOps.WithLabelValues("decrypt").Inc()
		row.Content = string(plaintext)
		cacheCopy := *row
		p.lru.Set(&cacheCopy)
		clips = append(clips, row)
	}
	metrics.ClipsRetrieved.Add(float64(len(clips)))
	return clips
}

// TogglePin flips the pinned state and returns the new value. An absent
// id fails with CLIP_NOT_FOUND.
func (p *Clips) TogglePin(ctx context.Context, id int64) (bool, error) {
	if !p.initialized.Load() {
		return false, domain.ErrNotInitialized
	}
	p.opWg.Add(1)
	defer p.opWg.Done()

	p.mu.Lock()
	defer p.mu.Unlock()
	pinned, err := p.db.TogglePin(ctx, id)
	if err != nil {
		return false, err
	}
	if cached := p.lru.Get(id); cached != nil {
		cached.Pinned = pinned
	}
	return pinned, nil
}

// DeleteClip removes the clip and its index entry. Deleting an absent id
// is a safe no-op returning false.
func (p *Clips) DeleteClip(ctx context.Context, id int64) (bool, error) {
	if !p.initialized.Load() {
		return false, domain.ErrNotInitialized
	}
	p.opWg.Add(1)
	defer p.opWg.Done()

	p.mu.Lock()
	removed, err := p.db.Delete(ctx, id)
	p.lru.Delete(id)
	p.mu.Unlock()
	if err != nil {
		return false, err
	}
	if removed {
		metrics.ClipsDeleted.Inc()
	}
	return removed, nil
}

// AttachExtractedText records derived text for a clip, at most once, and
// swaps its index entry for the combined searchable text.
func (p *Clips) AttachExtractedText(ctx context.Context, id int64, text string) error {
	if !p.initialized.Load() {
		return domain.ErrNotInitialized
	}
	if text == "" {
		return nil
	}
	p.opWg.Add(1)
	defer p.opWg.Done()

	p.mu.Lock()
	defer p.mu.Unlock()

	rows, err := p.db.FetchByIDs(ctx, []int64{id})
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return domain.ErrClipNotFound
	}
	clip := rows[0]
	content := ""
	if plaintext, err := p.cipher.Decrypt(clip.CipherPayload); err == nil {
		content = string(plaintext)
	} else {
		// Index at least the derived text when the payload is unreadable.
		metrics.DecryptFailures.Inc()
	}
	clip.Content = content
	clip.ExtractedText = text
	if err := p.db.AttachExtractedText(ctx, id, text, util.NormalizeSearchText(clip.SearchableText())); err != nil {
		return err
	}
	p.lru.Delete(id)
	return nil
}

// CleanupOldClips removes unpinned clips older than the given number of
// days and returns how many went away.
func (p *Clips) CleanupOldClips(ctx context.Context, days int) (int64, error) {
	if !p.initialized.Load() {
		return 0, domain.ErrNotInitialized
	}
	p.opWg.Add(1)
	defer p.opWg.Done()

	cutoff := time.Now().AddDate(0, 0, -days)
	p.mu.Lock()
	deleted, err := p.db.DeleteOlderThan(ctx, cutoff, true)
	if deleted > 0 {
		p.lru.Purge()
	}
	p.mu.Unlock()
	if err != nil {
		return deleted, err
	}
	if deleted > 0 {
		metrics.ClipsDeleted.Add(float64(deleted))
	}
	return deleted, nil
}

// ClearLast24Hours removes everything captured in the last day, pinned
// included. The panic button for accidentally copied secrets.
func (p *Clips) ClearLast24Hours(ctx context.Context) (int64, error) {
	if !p.initialized.Load() {
		return 0, domain.ErrNotInitialized
	}
	p.opWg.Add(1)
	defer p.opWg.Done()

	cutoff := time.Now().Add(-24 * time.Hour)
	p.mu.Lock()
	deleted, err := p.db.DeleteNewerThan(ctx, cutoff, false)
	if deleted > 0 {
		p.lru.Purge()
	}
	p.mu.Unlock()
	if err != nil {
		return deleted, err
	}
	if deleted > 0 {
		metrics.ClipsDeleted.Add(float64(deleted))
	}
	return deleted, nil
}

// ClearAllHistory wipes the history, optionally sparing pinned clips.
func (p *Clips) ClearAllHistory(ctx context.Context, keepPinned bool) (int64, error) {
	if !p.initialized.Load() {
		return 0, domain.ErrNotInitialized
	}
	p.opWg.Add(1)
	defer p.opWg.Done()

	p.mu.Lock()
	deleted, err := p.db.DeleteAll(ctx, keepPinned)
	if deleted > 0 {
		p.lru.Purge()
	}
	p.mu.Unlock()
	if err != nil {
		return deleted, err
	}
	if deleted > 0 {
		metrics.ClipsDeleted.Add(float64(deleted))
	}
	return deleted, nil
}

func (p *Clips) TotalClips(ctx context.Context) (int64, error) {
	if !p.initialized.Load() {
		return 0, nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.db.Count(ctx)
}

func (p *Clips) DatabaseSize() (int64, error) {
	if !p.initialized.Load() {
		return 0, nil
	}
	return p.db.SizeOnDisk()
}

// FetchBinary lazily loads the raw image or rich-text bytes of one clip.
func (p *Clips) FetchBinary(ctx context.Context, id int64) ([]byte, error) {
	if !p.initialized.Load() {
		return nil, domain.ErrNotInitialized
	}
	p.opWg.Add(1)
	defer p.opWg.Done()

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.db.FetchBinary(ctx, id)
}

// Shutdown waits for in-flight operations and wipes key material.
func (p *Clips) Shutdown() {
	p.shutdown.Store(true)
	<-p.ready

	done := make(chan struct{})
	go func() {
		p.opWg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		util.Warn().Msg("operations didn't drain in time")
	}

	p.mu.Lock()
	if p.cipher != nil {
		p.cipher.Wipe()
	}
	p.mu.Unlock()
	p.lru.Purge()
	p.keyAdapter.Wipe()

	util.Debug().Msg("clips service shutdown complete")
}
