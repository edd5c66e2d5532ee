// Package protocol defines the wire records exchanged between the server,
// the bridge, and the extension worker.
//
// Every record is a tagged JSON object with a "type" discriminant. The same
// record set travels over both encodings in use: length-prefixed frames on
// the browser host channel and newline-delimited lines on the local socket.
// Unknown record types decode without error and are ignored by dispatchers,
// which keeps older peers compatible with newer record variants.
//
// The package also owns the two size-driven mechanisms of the protocol:
// the gzip "compressed" envelope used on the line channel and the chunk
// split/reassembly used when a record would exceed the 1 MiB frame cap.
package protocol
