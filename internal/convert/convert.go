// SPDX-License-Identifier: MIT

// Package convert runs the background image conversion workers. Each worker
// claims the oldest convertible image through the store's atomic claim, runs
// qemu-img against it and publishes the raw result with a rename. Multiple
// workers are safe because a claim either wins or loses; there is no other
// coordination.
package convert

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"regexp"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"

	"github.com/ggnet/diskless/internal/bus"
	"github.com/ggnet/diskless/internal/imagestore"
	"github.com/ggnet/diskless/internal/log"
	"github.com/ggnet/diskless/internal/model"
	"github.com/ggnet/diskless/internal/runner"
	"github.com/ggnet/diskless/internal/store"
)

// pollInterval is the fallback cadence when no ingest event wakes a worker.
const pollInterval = 10 * time.Second

var (
	conversionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ggnet_conversions_total",
		Help: "Completed image conversions by outcome",
	}, []string{"outcome"})
	conversionSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ggnet_conversion_duration_seconds",
		Help:    "Wall time of one qemu-img conversion",
		Buckets: prometheus.ExponentialBuckets(1, 4, 8),
	})
)

// progressRe matches qemu-img -p meter lines, e.g. "    (42.13/100%)".
var progressRe = regexp.MustCompile(`\(([0-9]+(?:\.[0-9]+)?)/100%\)`)

// Options tune one Worker.
type Options struct {
	// QemuImg is the program name in the runner allow-list.
	QemuImg string
	// Timeout bounds a single conversion.
	Timeout time.Duration
	// StaleClaimAge is how old a CONVERTING claim must be before startup
	// recovery returns it to the queue.
	StaleClaimAge time.Duration
}

// Worker converts claimed images until its context ends.
type Worker struct {
	st     store.Store
	images *imagestore.ImageStore
	run    runner.Runner
	events bus.Bus
	opts   Options
}

// New wires a conversion worker. Callers run any number of them.
func New(st store.Store, images *imagestore.ImageStore, run runner.Runner, events bus.Bus, opts Options) *Worker {
	if opts.QemuImg == "" {
		opts.QemuImg = "qemu-img"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = time.Hour
	}
	if opts.StaleClaimAge <= 0 {
		opts.StaleClaimAge = 2 * opts.Timeout
	}
	return &Worker{st: st, images: images, run: run, events: events, opts: opts}
}

// Recover requeues conversions orphaned by a crash and removes their partial
// output. Call once at startup, before any worker runs.
func (w *Worker) Recover(ctx context.Context) error {
	ids, err := w.st.ReclaimStaleConverting(ctx, 0)
	if err != nil {
		return err
	}
	logger := log.WithComponent("convert")
	for _, id := range ids {
		tmp := w.tempPath(id)
		if err := os.Remove(tmp); err != nil && !os.IsNotExist(err) {
			logger.Warn().Err(err).Str("path", tmp).Msg("failed to remove partial conversion output")
		}
		logger.Info().Str("image_id", id).Msg("requeued orphaned conversion")
	}
	return nil
}

// Run is the worker loop. It claims, converts, and sleeps on the ingest
// topic between rounds. It returns when ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	logger := log.WithComponent("convert")
	sub := w.events.Subscribe(bus.TopicImageIngested)
	defer sub.Close()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		// Drain the queue before sleeping; several uploads may have
		// arrived while a conversion ran.
		for {
			img, err := w.st.ClaimOldestProcessing(ctx)
			if err != nil {
				if model.IsKind(err, model.KindNotFound) {
					break
				}
				if ctx.Err() != nil {
					return ctx.Err()
				}
				logger.Error().Err(err).Msg("claim failed")
				break
			}
			w.convert(ctx, img)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sub.C():
		case <-ticker.C:
			// A claim left behind by a wedged sibling process goes back
			// to the queue once it exceeds the stale age.
			if ids, err := w.st.ReclaimStaleConverting(ctx, w.opts.StaleClaimAge); err == nil {
				for _, id := range ids {
					logger.Warn().Str("image_id", id).Msg("reclaimed stale conversion claim")
				}
			}
		}
	}
}

func (w *Worker) tempPath(imageID string) string {
	// Sibling of the final path, so the publishing rename stays on one
	// filesystem.
	return w.images.FinalPath(imageID) + ".part"
}

func (w *Worker) convert(ctx context.Context, img *model.Image) {
	logger := log.FromContext(ctx).With().
		Str("component", "convert").
		Str("image_id", img.ID).
		Str("format", string(img.Format)).
		Logger()
	logger.Info().Str("source", img.StagingPath).Msg("conversion started")

	start := time.Now()
	finalPath := w.images.FinalPath(img.ID)
	tmpPath := w.tempPath(img.ID)

	fail := func(cause error) {
		_ = os.Remove(tmpPath)
		conversionsTotal.WithLabelValues("error").Inc()
		err := w.st.TransitionImage(ctx, img.ID, model.ImageConverting, model.ImageError, func(i *model.Image) {
			i.ErrorMessage = cause.Error()
			i.Progress = 0
		})
		if err != nil {
			logger.Error().Err(err).Msg("failed to mark conversion errored")
		}
		logger.Error().Err(cause).Msg("conversion failed")
		w.events.Publish(ctx, bus.TopicImageFailed, img.ID)
	}

	// Progress writes are throttled so a chatty meter cannot hammer the
	// database.
	limiter := rate.NewLimiter(rate.Every(time.Second), 1)
	onLine := func(line string) {
		m := progressRe.FindStringSubmatch(line)
		if m == nil {
			return
		}
		pct, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return
		}
		if !limiter.Allow() {
			return
		}
		if err := w.st.SetImageProgress(ctx, img.ID, pct); err == nil {
			w.events.Publish(ctx, bus.TopicImageProgress, map[string]any{
				"image_id": img.ID,
				"progress": pct,
			})
		}
	}

	_, err := w.run.Run(ctx, runner.Request{
		Program: w.opts.QemuImg,
		Args: []string{
			"convert", "-O", "raw", "-p", "-S", "4096",
			img.StagingPath, tmpPath,
		},
		Timeout: w.opts.Timeout,
		OnLine:  onLine,
	})
	if err != nil {
		fail(model.Wrap(model.KindIOError, err, "qemu-img convert"))
		return
	}

	size, sha, err := hashFile(tmpPath)
	if err != nil {
		fail(model.Wrap(model.KindIOError, err, "verify conversion output"))
		return
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		fail(model.Wrap(model.KindIOError, err, "publish converted image"))
		return
	}

	err = w.st.TransitionImage(ctx, img.ID, model.ImageConverting, model.ImageReady, func(i *model.Image) {
		i.StoragePath = finalPath
		i.VirtualSizeBytes = size
		i.ChecksumSHA256 = sha
		i.Progress = 100
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to finish conversion")
		return
	}

	// The upload is no longer needed once the raw copy is live.
	if img.StagingPath != "" {
		if err := os.Remove(img.StagingPath); err != nil && !os.IsNotExist(err) {
			logger.Warn().Err(err).Str("path", img.StagingPath).Msg("failed to remove staged upload")
		}
	}

	conversionsTotal.WithLabelValues("ok").Inc()
	conversionSeconds.Observe(time.Since(start).Seconds())
	logger.Info().
		Dur("duration", time.Since(start)).
		Int64("raw_size_bytes", size).
		Msg("conversion completed")
	w.events.Publish(ctx, bus.TopicImageReady, img.ID)
}

// hashFile streams the converted output once, returning its size and
// SHA-256. The raw checksum differs from the upload checksum; both are kept.
func hashFile(path string) (int64, string, error) {
	f, err := os.Open(path) // #nosec G304 -- path derived from the image ID under the images dir
	if err != nil {
		return 0, "", err
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return 0, "", err
	}
	return n, hex.EncodeToString(h.Sum(nil)), nil
}
