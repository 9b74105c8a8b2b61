// Package upload sends attachment blobs with bounded, linearly backed-off
// retries.
package upload

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"kronos/internal/metrics"
	"kronos/internal/wire"
)

// File is an original attachment blob kept for retries.
type File struct {
	Name string
	Kind string
	Data []byte
}

func (f File) Size() int64 { return int64(len(f.Data)) }

// NewFile infers the kind from the file name.
func NewFile(name string, data []byte) File {
	return File{Name: name, Kind: KindFor(name), Data: data}
}

// Sender performs one upload attempt.
type Sender interface {
	Upload(ctx context.Context, f File, progress func(sent, total int64)) (wire.Attachment, error)
}

type Progress struct {
	Attempt int
	Sent    int64
	Total   int64
}

// Fraction is the share of bytes sent in the current attempt.
func (p Progress) Fraction() float64 {
	if p.Total <= 0 {
		return 0
	}
	return float64(p.Sent) / float64(p.Total)
}

var ErrEmptyFile = errors.New("empty file")

// Retrier wraps a Sender with bounded retries.
type Retrier struct {
	sender   Sender
	attempts int
	backoff  time.Duration
	log      zerolog.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

type Option func(*Retrier)

func WithAttempts(n int) Option {
	return func(r *Retrier) {
		if n > 0 {
			r.attempts = n
		}
	}
}

// WithBackoff sets the base delay; attempt n waits n times this value.
func WithBackoff(d time.Duration) Option {
	return func(r *Retrier) { r.backoff = d }
}

func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(r *Retrier) { r.sleep = fn }
}

func NewRetrier(sender Sender, logger zerolog.Logger, opts ...Option) *Retrier {
	r := &Retrier{
		sender:   sender,
		attempts: 3,
		backoff:  time.Second,
		log:      logger.With().Str("component", "upload").Logger(),
		sleep:    sleepCtx,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Upload tries up to the configured number of attempts. progress may be
// called from the calling goroutine and must be safe for that.
func (r *Retrier) Upload(ctx context.Context, f File, progress func(Progress)) (wire.Attachment, error) {
	if len(f.Data) == 0 {
		return wire.Attachment{}, ErrEmptyFile
	}

	var lastErr error
	for attempt := 1; attempt <= r.attempts; attempt++ {
		att, err := r.sender.Upload(ctx, f, func(sent, total int64) {
			if progress != nil {
				progress(Progress{Attempt: attempt, Sent: sent, Total: total})
			}
		})
		if err == nil {
			metrics.UploadAttempts.WithLabelValues("ok").Inc()
			return att, nil
		}
		metrics.UploadAttempts.WithLabelValues("error").Inc()
		lastErr = err
		r.log.Warn().Err(err).Str("file", f.Name).Int("attempt", attempt).Msg("upload attempt failed")

		if attempt == r.attempts {
			break
		}
		if err := r.sleep(ctx, time.Duration(attempt)*r.backoff); err != nil {
			return wire.Attachment{}, err
		}
	}
	return wire.Attachment{}, fmt.Errorf("upload %s after %d attempts: %w", f.Name, r.attempts, lastErr)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Kinds reported for attachments.
const (
	KindImage    = "image"
	KindGIF      = "gif"
	KindVideo    = "video"
	KindAudio    = "audio"
	KindDocument = "document"
	KindFile     = "file"
)

// KindFor classifies a file by extension.
func KindFor(name string) string {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), ".")
	switch ext {
	case "gif":
		return KindGIF
	case "png", "jpg", "jpeg", "webp":
		return KindImage
	case "mp4", "webm", "mkv", "avi":
		return KindVideo
	case "mp3", "wav", "ogg", "flac":
		return KindAudio
	case "pdf", "doc", "docx", "xls", "xlsx", "ppt", "pptx", "txt", "md":
		return KindDocument
	}
	return KindFile
}

// IsImage reports whether a local preview can be shown.
func IsImage(kind string) bool {
	return kind == KindImage || kind == KindGIF
}
