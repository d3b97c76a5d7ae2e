// Package decompress turns the images stored in an update archive back into raw bytes.
//
// The production transform is the decompressor program shipped inside the
// archive itself (see Stage and Command). Built-in codecs cover gzip, zstd
// and xz for devices configured without the external program, for the
// overlay integrity test and for tests that need an in-memory transform.
package decompress
