package datastore

import (
	"github.com/musync/musync/wuxml"
)

// RecordFromXML decodes a full metadata document into a storable record.
func RecordFromXML(xml []byte) (*Record, error) {
	doc, err := wuxml.ParseDocument(xml)
	if err != nil {
		return nil, err
	}
	u, err := doc.Decode()
	if err != nil {
		return nil, err
	}
	return &Record{Update: u, XML: xml}, nil
}
