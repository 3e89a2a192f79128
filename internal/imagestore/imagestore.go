// SPDX-License-Identifier: MIT

// Package imagestore owns the on-disk layout of uploaded and converted disk
// images. The staging and final directories live on the same filesystem so
// publication is a single atomic rename; no file is ever overwritten in
// place.
package imagestore

import (
	"bytes"
	"context"
	"crypto/md5"  // #nosec G501 -- MD5 kept alongside SHA-256 for legacy client verification only
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/ggnet/diskless/internal/bus"
	"github.com/ggnet/diskless/internal/log"
	"github.com/ggnet/diskless/internal/model"
	"github.com/ggnet/diskless/internal/store"
)

var (
	vhdxMagic  = []byte("vhdxfile")
	qcow2Magic = []byte{0x51, 0x46, 0x49, 0xFB} // "QFI\xfb"
)

// DetectFormat sniffs an image header. Anything that is neither VHDX nor
// QCOW2 is treated as RAW; raw disks have no magic of their own.
func DetectFormat(header []byte) model.ImageFormat {
	if bytes.HasPrefix(header, vhdxMagic) {
		return model.FormatVHDX
	}
	if bytes.HasPrefix(header, qcow2Magic) {
		return model.FormatQCOW2
	}
	return model.FormatRAW
}

// ResolveResult is the answer to an image lookup.
type ResolveResult struct {
	Status      model.ImageStatus
	StoragePath string // empty until READY
	Progress    float64
}

// ImageStore ingests uploads, resolves converted paths and deletes images.
type ImageStore struct {
	st         store.Store
	events     bus.Bus
	stagingDir string
	imagesDir  string
}

// New prepares the staging and final directories.
func New(st store.Store, events bus.Bus, storageRoot string) (*ImageStore, error) {
	stagingDir := filepath.Join(storageRoot, "staging")
	imagesDir := filepath.Join(storageRoot, "images")
	for _, dir := range []string{stagingDir, imagesDir} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, model.Wrap(model.KindIOError, err, "create %s", dir)
		}
	}
	return &ImageStore{st: st, events: events, stagingDir: stagingDir, imagesDir: imagesDir}, nil
}

// StagingDir returns the staging directory path.
func (s *ImageStore) StagingDir() string { return s.stagingDir }

// ImagesDir returns the final images directory path.
func (s *ImageStore) ImagesDir() string { return s.imagesDir }

// FinalPath is where a converted (raw) image lives once published.
func (s *ImageStore) FinalPath(imageID string) string {
	return filepath.Join(s.imagesDir, imageID+".raw")
}

// Ingest streams an upload into staging, computing MD5 and SHA-256 on the
// same bytes written. The row is created in UPLOADING and moves to
// PROCESSING on a clean close; raw uploads are published immediately.
func (s *ImageStore) Ingest(ctx context.Context, r io.Reader, declaredName string, declaredType model.ImageType) (*model.Image, error) {
	if declaredName == "" {
		return nil, model.E(model.KindBadFormat, "image name required")
	}
	if !model.ValidImageType(declaredType) {
		return nil, model.E(model.KindBadFormat, "unknown image type %q", declaredType)
	}

	id := uuid.NewString()
	stagingPath := filepath.Join(s.stagingDir, id+".upload")
	logger := log.FromContext(ctx).With().Str("component", "imagestore").Str("image_id", id).Logger()

	img := &model.Image{
		ID:               id,
		Name:             declaredName,
		OriginalFilename: declaredName,
		Format:           model.FormatRAW, // corrected after the header arrives
		Type:             declaredType,
		Status:           model.ImageUploading,
		StagingPath:      stagingPath,
	}
	if err := s.st.CreateImage(ctx, img); err != nil {
		return nil, err
	}

	size, md5sum, shasum, header, err := s.stream(r, stagingPath)
	if err != nil {
		_ = os.Remove(stagingPath)
		ferr := s.st.TransitionImage(ctx, id, model.ImageUploading, model.ImageError, func(i *model.Image) {
			i.ErrorMessage = err.Error()
			i.StagingPath = ""
		})
		if ferr != nil {
			logger.Error().Err(ferr).Msg("failed to mark image errored")
		}
		s.events.Publish(ctx, bus.TopicImageFailed, id)
		return nil, err
	}

	format := DetectFormat(header)
	logger.Info().
		Str("format", string(format)).
		Int64("size_bytes", size).
		Msg("upload staged")

	if format == model.FormatRAW {
		// No conversion needed; publish under the final path right away.
		finalPath := s.FinalPath(id)
		if err := os.Rename(stagingPath, finalPath); err != nil {
			ioErr := model.Wrap(model.KindIOError, err, "publish raw image")
			_ = s.st.TransitionImage(ctx, id, model.ImageUploading, model.ImageError, func(i *model.Image) {
				i.ErrorMessage = ioErr.Error()
			})
			s.events.Publish(ctx, bus.TopicImageFailed, id)
			return nil, ioErr
		}
		err = s.st.TransitionImage(ctx, id, model.ImageUploading, model.ImageReady, func(i *model.Image) {
			i.Format = format
			i.SizeBytes = size
			i.VirtualSizeBytes = size
			i.ChecksumMD5 = md5sum
			i.ChecksumSHA256 = shasum
			i.StoragePath = finalPath
			i.StagingPath = ""
			i.Progress = 100
		})
		if err != nil {
			return nil, err
		}
		s.events.Publish(ctx, bus.TopicImageIngested, id)
		s.events.Publish(ctx, bus.TopicImageReady, id)
		return s.st.GetImage(ctx, id)
	}

	err = s.st.TransitionImage(ctx, id, model.ImageUploading, model.ImageProcessing, func(i *model.Image) {
		i.Format = format
		i.SizeBytes = size
		i.ChecksumMD5 = md5sum
		i.ChecksumSHA256 = shasum
	})
	if err != nil {
		return nil, err
	}
	s.events.Publish(ctx, bus.TopicImageIngested, id)
	return s.st.GetImage(ctx, id)
}

// stream copies r to path while hashing the same bytes; the first 512 bytes
// are retained for format detection so nothing is re-read afterwards.
func (s *ImageStore) stream(r io.Reader, path string) (size int64, md5sum, shasum string, header []byte, err error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640) // #nosec G304 -- path built from a fresh UUID under the staging dir
	if err != nil {
		return 0, "", "", nil, model.Wrap(model.KindIOError, err, "create staging file")
	}

	md5h := md5.New() // #nosec G401 -- not used for security decisions
	shah := sha256.New()
	head := &headerCapture{limit: 512}
	w := io.MultiWriter(f, md5h, shah, head)

	size, copyErr := io.Copy(w, r)
	closeErr := f.Close()
	if copyErr != nil {
		return 0, "", "", nil, model.Wrap(model.KindIOError, copyErr, "stream upload")
	}
	if closeErr != nil {
		return 0, "", "", nil, model.Wrap(model.KindIOError, closeErr, "close staging file")
	}
	if size == 0 {
		return 0, "", "", nil, model.E(model.KindBadFormat, "empty upload")
	}
	return size, hexSum(md5h), hexSum(shah), head.buf, nil
}

// Resolve reports the image's lifecycle position for callers that need the
// converted path (blocking on conversion is the caller's business).
func (s *ImageStore) Resolve(ctx context.Context, id string) (ResolveResult, error) {
	img, err := s.st.GetImage(ctx, id)
	if err != nil {
		return ResolveResult{}, err
	}
	res := ResolveResult{Status: img.Status, Progress: img.Progress}
	if img.Status == model.ImageReady {
		res.StoragePath = img.StoragePath
	}
	return res, nil
}

// Delete refuses while any target or session references the image, then
// unlinks the files and soft-deletes the row.
func (s *ImageStore) Delete(ctx context.Context, id string) error {
	img, err := s.st.GetImage(ctx, id)
	if err != nil {
		return err
	}
	if err := s.st.MarkImageDeleted(ctx, id); err != nil {
		return err
	}
	for _, p := range []string{img.StoragePath, img.StagingPath} {
		if p == "" {
			continue
		}
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			log.FromContext(ctx).Warn().Err(err).Str("path", p).Msg("failed to unlink image file")
		}
	}
	return nil
}

type headerCapture struct {
	limit int
	buf   []byte
}

func (h *headerCapture) Write(p []byte) (int, error) {
	if missing := h.limit - len(h.buf); missing > 0 {
		if len(p) < missing {
			missing = len(p)
		}
		h.buf = append(h.buf, p[:missing]...)
	}
	return len(p), nil
}

func hexSum(h hash.Hash) string {
	return hex.EncodeToString(h.Sum(nil))
}
