package avidachat

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// uploaderFunc adapts a function to the Uploader interface.
type uploaderFunc func(ctx context.Context, key string, r io.Reader, contentType string) (string, error)

func (f uploaderFunc) Upload(ctx context.Context, key string, r io.Reader, contentType string) (string, error) {
	return f(ctx, key, r, contentType)
}

func newTestPipeline(t *testing.T, upload uploaderFunc, perms PermissionGuard) (*Pipeline, *Reconciler) {
	t.Helper()
	f := newFakeService(t)
	rec := NewReconciler(f.client(), nil, "u1", nil, nil)
	rec.SetForeground("c1")
	return NewPipeline(upload, rec, perms, nil), rec
}

func TestStartVoiceCapturePermissionDenied(t *testing.T) {
	p, _ := newTestPipeline(t, nil, DenyAll{})
	recorder := NewRecorder(func() io.Reader { return strings.NewReader("audio") })

	err := p.StartVoiceCapture(context.Background(), recorder)
	var permErr *PermissionError
	require.ErrorAs(t, err, &permErr)
	assert.Equal(t, CapabilityMicrophone, permErr.Capability)
	assert.Equal(t, RecorderIdle, recorder.State(), "denied permission must not start recording")
}

func TestRecorderLifecycle(t *testing.T) {
	recorder := NewRecorder(func() io.Reader { return strings.NewReader("audio") })

	require.NoError(t, recorder.Start())
	assert.Equal(t, RecorderRecording, recorder.State())
	assert.Error(t, recorder.Start(), "double start")

	audio, secs, err := recorder.Finish()
	require.NoError(t, err)
	assert.NotNil(t, audio)
	assert.GreaterOrEqual(t, secs, 1)
	assert.Equal(t, RecorderIdle, recorder.State())

	_, _, err = recorder.Finish()
	assert.Error(t, err, "finish while idle")
}

func TestRecorderCancelDiscardsCapture(t *testing.T) {
	recorder := NewRecorder(func() io.Reader { return strings.NewReader("audio") })
	require.NoError(t, recorder.Start())
	recorder.Cancel()
	assert.Equal(t, RecorderIdle, recorder.State())
	_, _, err := recorder.Finish()
	assert.Error(t, err)
}

func TestSendVoiceSuccess(t *testing.T) {
	var gotKey, gotContentType string
	p, rec := newTestPipeline(t, func(_ context.Context, key string, r io.Reader, contentType string) (string, error) {
		gotKey = key
		gotContentType = contentType
		io.Copy(io.Discard, r)
		return "https://cdn.avida.app/" + key, nil
	}, GrantAll{})

	msg, err := p.SendVoice(context.Background(), "c1", strings.NewReader("audio"), 8)
	require.NoError(t, err)
	assert.Equal(t, TypeAudio, msg.Type)
	assert.Equal(t, 8, msg.DurationSecs)
	assert.True(t, strings.HasPrefix(gotKey, "voice/"))
	assert.True(t, strings.HasSuffix(gotKey, ".m4a"))
	assert.Equal(t, "audio/mp4", gotContentType)
	require.Len(t, rec.Messages("c1"), 1)
}

func TestSendVoiceUploadFailureFallsBackToPlaceholder(t *testing.T) {
	p, rec := newTestPipeline(t, func(context.Context, string, io.Reader, string) (string, error) {
		return "", errors.New("storage down")
	}, GrantAll{})

	msg, err := p.SendVoice(context.Background(), "c1", strings.NewReader("audio"), 8)
	require.NoError(t, err, "the placeholder message still goes through")
	assert.Equal(t, TypeText, msg.Type)
	assert.Equal(t, "\U0001F3A4 Voice message (8s)", msg.Content)
	assert.Equal(t, DeliverySent, msg.Delivery)
	require.Len(t, rec.Messages("c1"), 1)
}

func TestSendAttachment(t *testing.T) {
	var gotKey, gotContentType string
	p, rec := newTestPipeline(t, func(_ context.Context, key string, r io.Reader, contentType string) (string, error) {
		gotKey = key
		gotContentType = contentType
		return "https://cdn.avida.app/" + key, nil
	}, GrantAll{})

	msg, err := p.SendAttachment(context.Background(), "c1", "IMG_0042.jpg", "file:///local/IMG_0042.jpg", strings.NewReader("jpeg"), TypeImage)
	require.NoError(t, err)
	assert.Equal(t, TypeImage, msg.Type)
	assert.NotEmpty(t, msg.MediaURL)
	assert.True(t, strings.HasPrefix(gotKey, "image/"))
	assert.True(t, strings.HasSuffix(gotKey, ".jpg"))
	assert.Equal(t, "image/jpeg", gotContentType)
	require.Len(t, rec.Messages("c1"), 1)
}

func TestSendAttachmentPermissionDenied(t *testing.T) {
	p, rec := newTestPipeline(t, func(context.Context, string, io.Reader, string) (string, error) {
		t.Fatal("upload must not run without permission")
		return "", nil
	}, DenyAll{})

	_, err := p.SendAttachment(context.Background(), "c1", "a.jpg", "", strings.NewReader("x"), TypeImage)
	var permErr *PermissionError
	require.ErrorAs(t, err, &permErr)
	assert.Empty(t, rec.Messages("c1"))
}

func TestSendAttachmentUploadFailure(t *testing.T) {
	p, rec := newTestPipeline(t, func(context.Context, string, io.Reader, string) (string, error) {
		return "", errors.New("storage down")
	}, GrantAll{})

	_, err := p.SendAttachment(context.Background(), "c1", "a.jpg", "", strings.NewReader("x"), TypeVideo)
	require.Error(t, err)
	// Video needs no placeholder: nothing should have been sent at all.
	var upErr *UploadError
	require.ErrorAs(t, err, &upErr)
	assert.Empty(t, rec.Messages("c1"))
}

func TestSendAttachmentRejectsWrongType(t *testing.T) {
	p, _ := newTestPipeline(t, nil, GrantAll{})
	_, err := p.SendAttachment(context.Background(), "c1", "a.txt", "", strings.NewReader("x"), TypeText)
	require.Error(t, err)
}

func TestGuessMimeType(t *testing.T) {
	for _, tc := range []struct {
		name string
		want string
	}{
		{"photo.jpg", "image/jpeg"},
		{"photo.webp", "image/webp"},
		{"clip.webm", "video/webm"},
		{"note.m4a", "audio/mp4"},
		{"noext", "application/octet-stream"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, guessMimeType(tc.name))
		})
	}
}

func TestRecorderDurationRounding(t *testing.T) {
	recorder := NewRecorder(func() io.Reader { return strings.NewReader("audio") })
	require.NoError(t, recorder.Start())
	time.Sleep(20 * time.Millisecond)
	_, secs, err := recorder.Finish()
	require.NoError(t, err)
	assert.Equal(t, 1, secs, "sub-second captures round up to one second")
}
