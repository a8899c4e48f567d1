package serversync

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/flate"

	"github.com/musync/musync"
)

// PayloadXML returns the XML carried by an update payload, inflating the
// compressed form when that is what the server sent.
func PayloadXML(d *UpdateData) ([]byte, error) {
	if d.XML != "" {
		return []byte(d.XML), nil
	}
	if len(d.XMLCompressed) == 0 {
		return nil, &musync.Error{
			Op:      "serversync.PayloadXML",
			Kind:    musync.ErrInvalid,
			Message: "payload carries no XML",
		}
	}
	fr := flate.NewReader(bytes.NewReader(d.XMLCompressed))
	defer fr.Close()
	out, err := io.ReadAll(fr)
	if err != nil {
		return nil, &musync.Error{
			Op:    "serversync.PayloadXML",
			Kind:  musync.ErrIntegrity,
			Inner: err,
		}
	}
	return out, nil
}

// DeflateXML compresses XML the way upstream payloads carry it. Used by
// test fixtures standing in for an upstream server.
func DeflateXML(xml []byte) ([]byte, error) {
	var buf bytes.Buffer
	fw, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return nil, err
	}
	if _, err := fw.Write(xml); err != nil {
		return nil, err
	}
	if err := fw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
