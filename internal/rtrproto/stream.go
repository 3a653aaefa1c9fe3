package rtrproto

import "io"

// ReadPDU reads one complete PDU from r: the 8-byte header, then however
// many more bytes the header's declared length calls for. It is shared
// by the client and server halves of the engine — both sit on top of a
// plain io.Reader (a TCP or TLS connection).
func ReadPDU(r io.Reader) (PDU, error) {
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	_, _, _, length, err := DecodeHeader(header)
	if err != nil {
		return nil, err
	}
	full := make([]byte, length)
	copy(full, header)
	if length > HeaderSize {
		if _, err := io.ReadFull(r, full[HeaderSize:]); err != nil {
			return nil, err
		}
	}
	return Decode(full)
}

// WritePDU marshals and writes a single PDU using the given protocol
// version.
func WritePDU(w io.Writer, version uint8, p PDU) error {
	_, err := w.Write(p.Marshal(version))
	return err
}

// ReadPDUVersioned is ReadPDU plus the wire version byte the peer sent.
// The server side needs this to learn which protocol version a client
// has chosen on its first Reset/Serial Query, since PDU values
// themselves don't carry it.
func ReadPDUVersioned(r io.Reader) (version uint8, p PDU, err error) {
	header := make([]byte, HeaderSize)
	if _, err = io.ReadFull(r, header); err != nil {
		return 0, nil, err
	}
	v, _, _, length, err := DecodeHeader(header)
	if err != nil {
		return 0, nil, err
	}
	full := make([]byte, length)
	copy(full, header)
	if length > HeaderSize {
		if _, err = io.ReadFull(r, full[HeaderSize:]); err != nil {
			return 0, nil, err
		}
	}
	p, err = Decode(full)
	return v, p, err
}
