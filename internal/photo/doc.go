// Package photo turns raw image files into the normalized form the rest of
// the pipeline works on: orientation-corrected bytes for hashing, decoded
// pixels for perceptual digests and face crops, EXIF key/value metadata, and
// bounded thumbnails.
package photo
