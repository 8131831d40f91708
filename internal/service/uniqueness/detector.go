package uniqueness

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashita-ai/scriptorium/internal/lock"
	"github.com/ashita-ai/scriptorium/internal/model"
	"github.com/ashita-ai/scriptorium/internal/storage"
)

// Defaults used when Config leaves a field zero.
const (
	DefaultThreshold = 0.90
	DefaultWindow    = 800

	contentHashPrefix = 512
	maxLineBytes      = 1 << 20
)

// Config configures a Detector.
type Config struct {
	RegistryPath string
	Threshold    float64
	Window       int
	LockOptions  lock.Options
}

// Detector checks text against recent fingerprints from other scopes and
// records each checked text. All registry access happens under the global
// registry lock.
type Detector struct {
	cfg    Config
	locks  lock.Manager
	logger *slog.Logger
}

// NewDetector creates a detector, creating the registry's directory.
func NewDetector(cfg Config, locks lock.Manager, logger *slog.Logger) (*Detector, error) {
	if cfg.RegistryPath == "" {
		return nil, model.ConfigError("uniqueness.new", "registry path is required")
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if err := os.MkdirAll(filepath.Dir(cfg.RegistryPath), 0o755); err != nil {
		return nil, fmt.Errorf("uniqueness: create registry dir: %w", err)
	}
	return &Detector{cfg: cfg, locks: locks, logger: logger}, nil
}

// Threshold returns the REVISE threshold in effect.
func (d *Detector) Threshold() float64 { return d.cfg.Threshold }

// Check fingerprints text, compares it with the last Window records whose
// scope differs from scopeID, and appends a record for text. Records from the
// same scope never count as duplicates.
func (d *Detector) Check(ctx context.Context, text, scopeID, runID, source string) (model.UniquenessResult, error) {
	fp := Simhash(text)
	res := model.UniquenessResult{
		Decision:    model.DecisionAccept,
		Threshold:   d.cfg.Threshold,
		Fingerprint: FormatFingerprint(fp),
	}

	err := lock.WithLock(ctx, d.locks, lock.RegistryResource, d.cfg.LockOptions, func(lease lock.Lease) error {
		recent, err := d.readTail(d.cfg.Window)
		if err != nil {
			return err
		}
		for i := range recent {
			rec := recent[i]
			if rec.ScopeID == scopeID {
				continue
			}
			other, err := ParseFingerprint(rec.Fingerprint)
			if err != nil {
				d.logger.Warn("uniqueness: skipping malformed record", "error", err)
				continue
			}
			res.Compared++
			if s := Similarity(fp, other); res.BestMatch == nil || s > res.Score {
				res.Score = s
				res.BestMatch = &rec
			}
		}
		if res.Score >= d.cfg.Threshold && res.BestMatch != nil {
			res.Decision = model.DecisionRevise
		}

		rec := model.UniquenessRecord{
			Fingerprint: res.Fingerprint,
			ScopeID:     scopeID,
			RunID:       runID,
			Source:      source,
			CreatedAt:   time.Now().UTC(),
			ContentHash: contentHash(text),
		}
		return d.append(rec, lease.Validate)
	})
	if err != nil {
		return model.UniquenessResult{}, err
	}
	res.Score = float64(int64(res.Score*1000+0.5)) / 1000
	return res, nil
}

// Compact rewrites the registry to its last keep records.
func (d *Detector) Compact(ctx context.Context, keep int) (int, error) {
	if keep <= 0 {
		keep = d.cfg.Window
	}
	var dropped int
	err := lock.WithLock(ctx, d.locks, lock.RegistryResource, d.cfg.LockOptions, func(lease lock.Lease) error {
		all, err := d.readTail(0)
		if err != nil {
			return err
		}
		if len(all) <= keep {
			return nil
		}
		dropped = len(all) - keep
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		for _, rec := range all[dropped:] {
			if err := enc.Encode(rec); err != nil {
				return fmt.Errorf("uniqueness: encode record: %w", err)
			}
		}
		return storage.WriteFileAtomic(d.cfg.RegistryPath, buf.Bytes(), lease.Validate)
	})
	if err != nil {
		return 0, err
	}
	if dropped > 0 {
		d.logger.Info("uniqueness: registry compacted", "dropped", dropped, "kept", keep)
	}
	return dropped, nil
}

// readTail returns the last n records, or all of them when n is zero.
// Malformed lines are skipped.
func (d *Detector) readTail(n int) ([]model.UniquenessRecord, error) {
	f, err := os.Open(d.cfg.RegistryPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("uniqueness: open registry: %w", err)
	}
	defer func() { _ = f.Close() }()

	var out []model.UniquenessRecord
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec model.UniquenessRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			d.logger.Warn("uniqueness: skipping malformed registry line", "error", err)
			continue
		}
		out = append(out, rec)
		if n > 0 && len(out) > 2*n {
			out = append(out[:0], out[len(out)-n:]...)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("uniqueness: read registry: %w", err)
	}
	if n > 0 && len(out) > n {
		out = out[len(out)-n:]
	}
	return out, nil
}

func (d *Detector) append(rec model.UniquenessRecord, fence storage.Fence) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("uniqueness: encode record: %w", err)
	}
	line = append(line, '\n')
	if err := fence(); err != nil {
		return fmt.Errorf("uniqueness: append: %w", err)
	}
	f, err := os.OpenFile(d.cfg.RegistryPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("uniqueness: open registry: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return fmt.Errorf("uniqueness: append: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("uniqueness: sync registry: %w", err)
	}
	return f.Close()
}

// contentHash is the sha256 of the first 512 bytes of text.
func contentHash(text string) string {
	b := []byte(text)
	if len(b) > contentHashPrefix {
		b = b[:contentHashPrefix]
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
