package index

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/trailmark/trailmark/internal/audit"
)

// Document is the export layout of the whole index:
//
//	{"channels": {<id>: {"assets": {<assetID>: pointer}, "config": record}}}
type Document struct {
	Channels map[string]ChannelDocument `json:"channels"`
}

type ChannelDocument struct {
	Assets map[string]audit.AssetPointer `json:"assets"`
	Config ChannelRecord                 `json:"config"`
}

// Snapshot reads every channel and asset into a Document. Seeds are
// dropped unless withSeeds is set.
func Snapshot(ctx context.Context, s Store, withSeeds bool) (*Document, error) {
	channels, err := s.ListChannels(ctx)
	if err != nil {
		return nil, err
	}

	doc := &Document{Channels: make(map[string]ChannelDocument, len(channels))}
	for _, c := range channels {
		assets, err := s.ListAssets(ctx, c.ChannelID)
		if err != nil {
			return nil, err
		}
		cd := ChannelDocument{
			Assets: make(map[string]audit.AssetPointer, len(assets)),
			Config: toRecord(c),
		}
		if !withSeeds {
			cd.Config.Seed = nil
		}
		for _, a := range assets {
			cd.Assets[a.AssetID] = a
		}
		doc.Channels[c.ChannelID] = cd
	}
	return doc, nil
}

// Export writes the Snapshot as indented JSON.
func Export(ctx context.Context, s Store, w io.Writer, withSeeds bool) error {
	doc, err := Snapshot(ctx, s, withSeeds)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("writing export: %w", err)
	}
	return nil
}

// ReadDocument parses an export document.
func ReadDocument(r io.Reader) (*Document, error) {
	var doc Document
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("reading export document: %w", err)
	}
	return &doc, nil
}

// Imports turns each channel of the document into a read-only import,
// sorted by channel id. Seeds in the document are ignored.
func (d *Document) Imports() []audit.ChannelImport {
	ids := make([]string, 0, len(d.Channels))
	for id := range d.Channels {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]audit.ChannelImport, 0, len(ids))
	for _, id := range ids {
		cd := d.Channels[id]
		imp := audit.ChannelImport{
			ChannelID:     id,
			Root:          cd.Config.Root,
			Mode:          cd.Config.CryptoState.Mode,
			Key:           cd.Config.CryptoState.Key,
			SecurityLevel: cd.Config.CryptoState.SecurityLevel,
			Assets:        make(map[string]string, len(cd.Assets)),
		}
		for assetID, p := range cd.Assets {
			imp.Assets[assetID] = p.CurrentLocator
		}
		out = append(out, imp)
	}
	return out
}
