package sender

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"regexp"

	"streamwatch/internal/storage"
	"streamwatch/internal/transport"
	logx "streamwatch/pkg/logx"
)

// Telegram could not fetch the URL itself; uploading the bytes may work.
var urlFetchErrors = []*regexp.Regexp{
	regexp.MustCompile(`failed to get HTTP URL content`),
	regexp.MustCompile(`wrong type of the web page content`),
	regexp.MustCompile(`wrong file identifier/HTTP URL specified`),
}

// The cached file id is no longer accepted.
var fileIDErrors = []*regexp.Regexp{
	regexp.MustCompile(`wrong file identifier`),
	regexp.MustCompile(`wrong remote file identifier`),
	regexp.MustCompile(`FILE_REFERENCE_`),
}

func matchAny(res []*regexp.Regexp, err error) bool {
	te, ok := transport.AsError(err)
	if !ok {
		return false
	}
	for _, re := range res {
		if re.MatchString(te.Description) {
			return true
		}
	}
	return false
}

func isURLFetchError(err error) bool {
	if matchAny(urlFetchErrors, err) {
		return true
	}
	te, ok := transport.AsError(err)
	return ok && te.Status() == 504
}

// photoUpload is the shared outcome of one preview upload.
type photoUpload struct {
	chatID int64
	sent   transport.SentMessage
}

// sendPhoto sends st's preview to chatID.
//
// A cached file id is used when present. Otherwise the preview is resolved
// and uploaded once per stream: concurrent callers for the same stream wait
// for the in-flight upload and reuse its file id.
func (e *Engine) sendPhoto(ctx context.Context, chatID int64, st storage.Stream, caption string, opt *transport.SendOptions) (transport.SentMessage, error) {
	if st.TelegramPreviewFileID != "" {
		return e.sendCachedPhoto(ctx, chatID, st, caption, opt)
	}

	v, err, _ := e.photos.Do(st.ID, func() (any, error) {
		sent, err := e.uploadPreview(ctx, chatID, st, caption, opt)
		return photoUpload{chatID: chatID, sent: sent}, err
	})
	up, _ := v.(photoUpload)
	if up.chatID == chatID {
		return up.sent, err
	}
	// Another chat led the upload.
	if err != nil {
		if errors.Is(err, ErrPreviewsInvalid) {
			return transport.SentMessage{}, err
		}
		return e.uploadPreview(ctx, chatID, st, caption, opt)
	}
	if up.sent.PhotoFileID == "" {
		return e.uploadPreview(ctx, chatID, st, caption, opt)
	}
	st.TelegramPreviewFileID = up.sent.PhotoFileID
	return e.sendCachedPhoto(ctx, chatID, st, caption, opt)
}

func (e *Engine) sendCachedPhoto(ctx context.Context, chatID int64, st storage.Stream, caption string, opt *transport.SendOptions) (transport.SentMessage, error) {
	var sent transport.SentMessage
	err := e.call(ctx, func(ctx context.Context) error {
		var err error
		sent, err = e.tr.SendPhoto(ctx, chatID, transport.PhotoSource{FileID: st.TelegramPreviewFileID}, caption, opt)
		return err
	})
	if err != nil && matchAny(fileIDErrors, err) {
		if cerr := e.store.SetStreamPreviewFileID(ctx, st.ID, ""); cerr != nil {
			e.log.Warn("clear preview file id failed", logx.String("stream", st.ID), logx.Err(cerr))
		}
		return sent, fmt.Errorf("%w: %v", ErrFileIDNotFound, err)
	}
	return sent, err
}

// uploadPreview probes st's previews, sends the first live one by URL and,
// when Telegram cannot fetch it, uploads the bytes. The resulting file id is
// cached on the stream.
func (e *Engine) uploadPreview(ctx context.Context, chatID int64, st storage.Stream, caption string, opt *transport.SendOptions) (transport.SentMessage, error) {
	pv, err := e.probe.first(ctx, st.Previews)
	if err != nil {
		return transport.SentMessage{}, fmt.Errorf("%w: %v", ErrPreviewsInvalid, err)
	}

	var sent transport.SentMessage
	err = e.call(ctx, func(ctx context.Context) error {
		var err error
		sent, err = e.tr.SendPhoto(ctx, chatID, transport.PhotoSource{URL: pv.URL}, caption, opt)
		return err
	})
	if err != nil && isURLFetchError(err) {
		body, derr := e.probe.download(ctx, pv.URL)
		if derr != nil {
			return transport.SentMessage{}, fmt.Errorf("%w: %v", ErrPreviewsInvalid, derr)
		}
		err = e.call(ctx, func(ctx context.Context) error {
			var err error
			src := transport.PhotoSource{Reader: bytes.NewReader(body)}
			sent, err = e.tr.SendPhoto(ctx, chatID, src, caption, opt)
			return err
		})
	}
	if err != nil {
		return transport.SentMessage{}, err
	}

	if sent.PhotoFileID != "" {
		sctx, cancel := settled(ctx)
		defer cancel()
		if err := e.store.SetStreamPreviewFileID(sctx, st.ID, sent.PhotoFileID); err != nil {
			e.log.Warn("cache preview file id failed", logx.String("stream", st.ID), logx.Err(err))
		}
	}
	return sent, nil
}
