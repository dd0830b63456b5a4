// Package identity decides what an incoming file is: the same image the
// catalog already tracks, a rename of one, a near duplicate, or genuinely
// new. Identity rests on two digests computed from orientation-normalized
// bytes: an exact SHA-256 content digest and a 64-bit DCT perceptual hash
// compared by Hamming distance.
package identity
