// SPDX-License-Identifier: MIT

package model

import "time"

// ImageFormat is the on-disk format of an uploaded image.
type ImageFormat string

const (
	FormatVHDX  ImageFormat = "VHDX"
	FormatQCOW2 ImageFormat = "QCOW2"
	FormatRAW   ImageFormat = "RAW"
)

// ImageType classifies what an image is used for.
type ImageType string

const (
	ImageTypeSystem   ImageType = "SYSTEM"
	ImageTypeData     ImageType = "DATA"
	ImageTypeTemplate ImageType = "TEMPLATE"
)

// ValidImageType reports whether t is a known image type.
func ValidImageType(t ImageType) bool {
	switch t {
	case ImageTypeSystem, ImageTypeData, ImageTypeTemplate:
		return true
	}
	return false
}

// ImageStatus is the upload/conversion lifecycle state of an image.
type ImageStatus string

const (
	ImageUploading  ImageStatus = "UPLOADING"
	ImageProcessing ImageStatus = "PROCESSING"
	ImageConverting ImageStatus = "CONVERTING"
	ImageReady      ImageStatus = "READY"
	ImageError      ImageStatus = "ERROR"
)

// Image is an uploaded and possibly converted disk image. Once status is
// READY, StoragePath points at a raw-format regular file whose SHA-256
// matches ChecksumSHA256.
type Image struct {
	ID               string
	Name             string
	OriginalFilename string
	Format           ImageFormat
	Type             ImageType
	SizeBytes        int64
	VirtualSizeBytes int64
	ChecksumMD5      string
	ChecksumSHA256   string
	Status           ImageStatus
	StoragePath      string
	StagingPath      string
	Progress         float64 // conversion progress, 0..100
	ProcessingLog    string
	ErrorMessage     string
	Deleted          bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
	ClaimedAt        time.Time // set when a conversion worker claims the image
}
