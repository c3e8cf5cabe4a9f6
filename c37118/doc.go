// Package c37118 implements the IEEE C37.118.2-2011 synchrophasor wire
// protocol: the common frame header, CRC-CCITT trailer, and the body codecs
// for configuration (CFG-1/2/3), data, command and header frames.
//
// The codec is pure: decoding a data frame takes the owning configuration
// frame as an argument, because the data frame layout and the numeric
// interpretation of its phasor, frequency and analog fields are only
// defined by that configuration's format flags and conversion factors.
// Encoding always recomputes the frame size and checksum fields from the
// constructed body, never trusting caller-supplied values.
package c37118
