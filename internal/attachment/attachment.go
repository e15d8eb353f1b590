// Package attachment holds uploaded attachment content for the lifetime of
// the process and serves it back by view.
package attachment

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/wondertwin-ai/twin-directline/internal/activity"
	"github.com/wondertwin-ai/twin-directline/internal/apierror"
	"github.com/wondertwin-ai/twin-directline/pkg/store"
)

// View ids.
const (
	ViewOriginal  = "original"
	ViewThumbnail = "thumbnail"
)

// Attachment is immutable once stored.
type Attachment struct {
	ID        string
	Name      string
	Type      string
	Original  []byte
	Thumbnail []byte
}

// Upload is the body of an attachment upload. Byte fields travel as base64
// in JSON.
type Upload struct {
	Type            string `json:"type"`
	Name            string `json:"name"`
	OriginalBase64  []byte `json:"originalBase64"`
	ThumbnailBase64 []byte `json:"thumbnailBase64,omitempty"`
}

// ViewInfo describes one stored view.
type ViewInfo struct {
	ViewID string `json:"viewId"`
	Size   int    `json:"size"`
}

// Info is the metadata returned for an attachment.
type Info struct {
	Name  string     `json:"name"`
	Type  string     `json:"type"`
	Views []ViewInfo `json:"views"`
}

// Store is the attachment store.
type Store struct {
	items *store.Store[*Attachment]
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{items: store.NewWithIDs[*Attachment](store.UUIDs)}
}

// Upload stores u and returns the new attachment id. Both a type and
// original bytes are required.
func (s *Store) Upload(u Upload) (string, error) {
	if u.Type == "" {
		return "", apierror.BadArgumentf("attachment type is required")
	}
	if len(u.OriginalBase64) == 0 {
		return "", apierror.BadArgumentf("attachment original bytes are required")
	}
	a := &Attachment{
		ID:        s.items.NextID(),
		Name:      u.Name,
		Type:      u.Type,
		Original:  u.OriginalBase64,
		Thumbnail: u.ThumbnailBase64,
	}
	s.items.Set(a.ID, a)
	return a.ID, nil
}

// Get returns the attachment with the given id.
func (s *Store) Get(id string) (*Attachment, error) {
	a, ok := s.items.Get(id)
	if !ok {
		return nil, apierror.NotFoundf("attachment %q not found", id)
	}
	return a, nil
}

// Info returns the attachment's metadata.
func (s *Store) Info(id string) (Info, error) {
	a, err := s.Get(id)
	if err != nil {
		return Info{}, err
	}
	info := Info{
		Name:  a.Name,
		Type:  a.Type,
		Views: []ViewInfo{{ViewID: ViewOriginal, Size: len(a.Original)}},
	}
	if len(a.Thumbnail) > 0 {
		info.Views = append(info.Views, ViewInfo{ViewID: ViewThumbnail, Size: len(a.Thumbnail)})
	}
	return info, nil
}

// View returns the bytes of one view. A view that was never supplied is a
// BadArgument reported as 404.
func (s *Store) View(id, viewID string) (contentType string, data []byte, err error) {
	a, err := s.Get(id)
	if err != nil {
		return "", nil, err
	}
	switch viewID {
	case ViewOriginal:
		data = a.Original
	case ViewThumbnail:
		data = a.Thumbnail
	}
	if len(data) == 0 {
		return "", nil, apierror.Newf(apierror.BadArgument, http.StatusNotFound,
			"attachment %q has no %q view", id, viewID)
	}
	return a.Type, data, nil
}

// Count returns the number of stored attachments.
func (s *Store) Count() int {
	return s.items.Count()
}

// Reset removes every attachment.
func (s *Store) Reset() {
	s.items.Reset()
}

// ViewURL is the URL under which serviceURL serves a view of attachment id.
func ViewURL(serviceURL, id, viewID string) string {
	return strings.TrimRight(serviceURL, "/") + "/v3/attachments/" + url.PathEscape(id) + "/views/" + viewID
}

// CaptureDataURLs moves inline data: URL content of a's attachments into the
// store and points each attachment at its stored original view instead.
func (s *Store) CaptureDataURLs(a *activity.Activity, serviceURL string) error {
	for i := range a.Attachments {
		att := &a.Attachments[i]
		if !strings.HasPrefix(att.ContentURL, "data:") {
			continue
		}
		mediaType, data, err := DecodeDataURL(att.ContentURL)
		if err != nil {
			return apierror.BadArgumentf("attachment %d: %v", i, err)
		}
		contentType := att.ContentType
		if contentType == "" {
			contentType = mediaType
		}
		id, err := s.Upload(Upload{Type: contentType, Name: att.Name, OriginalBase64: data})
		if err != nil {
			return err
		}
		att.ContentURL = ViewURL(serviceURL, id, ViewOriginal)
	}
	return nil
}

// EncodeDataURL renders data as a base64 data: URL.
func EncodeDataURL(mediaType string, data []byte) string {
	return "data:" + mediaType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// DecodeDataURL parses a data: URL. Only the base64 and percent-encoded
// forms are accepted; the media type defaults to text/plain.
func DecodeDataURL(raw string) (mediaType string, data []byte, err error) {
	rest, ok := strings.CutPrefix(raw, "data:")
	if !ok {
		return "", nil, fmt.Errorf("not a data url")
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return "", nil, fmt.Errorf("data url has no payload separator")
	}
	meta, isBase64 := strings.CutSuffix(meta, ";base64")
	mediaType = meta
	if mediaType == "" || strings.HasPrefix(mediaType, ";") {
		mediaType = "text/plain" + mediaType
	}
	if isBase64 {
		data, err = base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return "", nil, fmt.Errorf("decoding base64 payload: %w", err)
		}
		return mediaType, data, nil
	}
	unescaped, err := url.PathUnescape(payload)
	if err != nil {
		return "", nil, fmt.Errorf("decoding payload: %w", err)
	}
	return mediaType, []byte(unescaped), nil
}
