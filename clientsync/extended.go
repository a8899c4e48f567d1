package clientsync

import (
	"context"
	"strings"

	"github.com/quay/zlog"
	"golang.org/x/text/language"

	"github.com/musync/musync"
	"github.com/musync/musync/wuxml"
)

// ExtendedRequest is the GetExtendedUpdateInfo input.
type ExtendedRequest struct {
	Cookie *ClientCookie `json:"cookie"`
	// RevisionIndexes name updates by their session aliases from earlier
	// SyncUpdates responses.
	RevisionIndexes []int `json:"revisionIndexes"`
	// Languages lists the client's preferred locales, BCP 47 tags.
	Languages []string `json:"languages,omitempty"`
}

// ExtendedInfo is the per-revision slice of an extended info response.
type ExtendedInfo struct {
	RevisionIndex int    `json:"revisionIndex"`
	ExtendedXML   string `json:"extendedXml"`
	LocalizedXML  string `json:"localizedXml,omitempty"`
}

// FileLocation maps a content digest to a download URL.
type FileLocation struct {
	Digest musync.Digest `json:"digest"`
	URL    string        `json:"url"`
}

// ExtendedResult is the GetExtendedUpdateInfo output.
type ExtendedResult struct {
	Updates       []ExtendedInfo `json:"updates,omitempty"`
	FileLocations []FileLocation `json:"fileLocations,omitempty"`
}

// GetExtendedUpdateInfo returns extended and localized fragments plus file
// locations for previously offered revisions.
func (s *Service) GetExtendedUpdateInfo(ctx context.Context, req *ExtendedRequest) (*ExtendedResult, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "clientsync/Service.GetExtendedUpdateInfo")
	if err := checkCookie(req.Cookie); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	langs := s.fragmentLanguages(req.Languages)
	var out ExtendedResult
	seen := make(map[string]struct{})
	for _, idx := range req.RevisionIndexes {
		id, ok := s.identityOf(idx)
		if !ok {
			return nil, &Fault{Code: FaultInvalidParameters, Detail: "unknown revision index"}
		}
		xml, err := s.store.GetXML(ctx, id)
		if err != nil {
			return nil, err
		}
		doc, err := wuxml.ParseDocument(xml)
		if err != nil {
			return nil, &musync.Error{Op: "clientsync.GetExtendedUpdateInfo", Kind: musync.ErrInternal, Inner: err}
		}
		out.Updates = append(out.Updates, ExtendedInfo{
			RevisionIndex: idx,
			ExtendedXML:   doc.Extended(),
			LocalizedXML:  localizedFragment(doc, langs),
		})
		u, ok := s.g.Update(id)
		if !ok {
			continue
		}
		for _, f := range u.Files {
			d, ok := f.StrongestDigest()
			if !ok {
				continue
			}
			if _, dup := seen[d.String()]; dup {
				continue
			}
			seen[d.String()] = struct{}{}
			out.FileLocations = append(out.FileLocations, FileLocation{
				Digest: d,
				URL:    s.fileURL(d, &f),
			})
		}
	}
	return &out, nil
}

// localizedFragment tries each language in preference order, so a
// document carrying several locales yields the best one rather than the
// first in document order.
func localizedFragment(doc *wuxml.Document, langs []string) string {
	for _, l := range langs {
		if frag := doc.Localized([]string{l}); frag != "" {
			return frag
		}
	}
	return ""
}

// fragmentLanguages resolves the client's locale preferences against the
// supported set, falling back to the server's first language.
func (s *Service) fragmentLanguages(requested []string) []string {
	if len(requested) == 0 {
		return s.langNames
	}
	desired, _, _ := language.ParseAcceptLanguage(strings.Join(requested, ","))
	_, idx, conf := s.langMatch.Match(desired...)
	if conf == language.No {
		idx = 0
	}
	// The matched language first, the rest as fallback in server order.
	out := []string{s.langNames[idx]}
	for i, l := range s.langNames {
		if i != idx {
			out = append(out, l)
		}
	}
	return out
}

// fileURL points at the local content mirror when one is configured,
// otherwise at the original source.
func (s *Service) fileURL(d musync.Digest, f *musync.File) string {
	if s.cfg.ContentRoot == "" {
		return f.SourceURL
	}
	return s.cfg.ContentRoot + "/" + d.Hex()
}
