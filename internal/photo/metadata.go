package photo

import (
	"bytes"
	"strconv"
	"strings"
	"time"

	"github.com/rwcarlsen/goexif/exif"

	"facet/internal/catalog"
)

// ExtractMetadata pulls the camera EXIF fields worth keeping into key/value
// entries. Missing EXIF is common (screenshots, scans, stripped exports) and
// simply yields no entries.
func ExtractMetadata(data []byte) []catalog.MetadataEntry {
	exifData, err := exif.Decode(bytes.NewReader(data))
	if err != nil {
		return nil
	}

	var entries []catalog.MetadataEntry
	add := func(key, value string) {
		if value != "" {
			entries = append(entries, catalog.MetadataEntry{Key: key, Value: value})
		}
	}

	add("camera_make", getString(exifData, exif.Make))
	add("camera_model", getString(exifData, exif.Model))
	add("lens_make", getString(exifData, exif.LensMake))
	add("lens_model", getString(exifData, exif.LensModel))
	if v, ok := getRational(exifData, exif.FNumber); ok {
		add("aperture", strconv.FormatFloat(v, 'f', -1, 64))
	}
	if v, ok := getRational(exifData, exif.FocalLength); ok {
		add("focal_length", strconv.FormatFloat(v, 'f', -1, 64))
	}
	if v, ok := getInt(exifData, exif.ISOSpeedRatings); ok {
		add("iso", strconv.Itoa(v))
	}
	add("shutter_speed", getShutterSpeed(exifData))
	if taken, err := exifData.DateTime(); err == nil {
		add("taken_at", taken.UTC().Format(time.RFC3339))
	}

	return entries
}

// getRational reads a rational tag, falling back to an integer encoding some
// cameras use.
func getRational(exifData *exif.Exif, name exif.FieldName) (float64, bool) {
	tag, err := exifData.Get(name)
	if err != nil || tag == nil {
		return 0, false
	}
	num, den, err := tag.Rat2(0)
	if err != nil || den == 0 {
		value, errInt := tag.Int(0)
		if errInt != nil {
			return 0, false
		}
		return float64(value), true
	}
	return float64(num) / float64(den), true
}

func getInt(exifData *exif.Exif, name exif.FieldName) (int, bool) {
	tag, err := exifData.Get(name)
	if err != nil || tag == nil {
		return 0, false
	}
	value, err := tag.Int(0)
	if err != nil {
		return 0, false
	}
	return value, true
}

// getString reads a string tag, trimming the null terminators some firmware
// leaves in place.
func getString(exifData *exif.Exif, name exif.FieldName) string {
	tag, err := exifData.Get(name)
	if err != nil || tag == nil {
		return ""
	}
	value, err := tag.StringVal()
	if err != nil {
		return ""
	}
	return strings.TrimRight(value, "\x00")
}

func getShutterSpeed(exifData *exif.Exif) string {
	tag, err := exifData.Get(exif.ExposureTime)
	if err != nil || tag == nil {
		return ""
	}
	num, den, err := tag.Rat2(0)
	if err != nil || den == 0 {
		return ""
	}
	if num == 1 && den > 1 {
		return "1/" + strconv.FormatInt(den, 10)
	}
	value := float64(num) / float64(den)
	if value >= 1.0 {
		return strconv.FormatFloat(value, 'f', 1, 64) + "s"
	}
	return strconv.FormatFloat(value, 'f', 4, 64) + "s"
}
