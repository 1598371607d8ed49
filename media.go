package avidachat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ============================================================================
// Permissions
// ============================================================================

// Capability names a device capability that requires user consent.
type Capability string

const (
	CapabilityMicrophone   Capability = "microphone"
	CapabilityCamera       Capability = "camera"
	CapabilityMediaLibrary Capability = "media_library"
)

// PermissionGuard answers whether the app may use a device capability. The
// host application bridges this to its platform permission prompts.
type PermissionGuard interface {
	// Request returns nil when the capability is granted and a
	// *PermissionError when it is denied.
	Request(ctx context.Context, cap Capability) error
}

// GrantAll allows every capability. Useful in tests and headless tools.
type GrantAll struct{}

func (GrantAll) Request(context.Context, Capability) error { return nil }

// DenyAll refuses every capability.
type DenyAll struct{}

func (DenyAll) Request(_ context.Context, cap Capability) error {
	return &PermissionError{Capability: cap}
}

// ============================================================================
// Uploaders
// ============================================================================

// Uploader stores binary content and returns a publicly reachable URL.
type Uploader interface {
	Upload(ctx context.Context, key string, r io.Reader, contentType string) (string, error)
}

// RESTUploader uploads through the messaging service's media endpoint.
type RESTUploader struct {
	Client *Client
}

func (u *RESTUploader) Upload(ctx context.Context, key string, r io.Reader, contentType string) (string, error) {
	return u.Client.UploadMedia(ctx, key, r, contentType)
}

// S3Uploader stores media directly in an S3-compatible bucket. The bucket is
// created on first use and opened for public reads so returned URLs resolve
// without presigning.
type S3Uploader struct {
	bucket        string
	publicBaseURL string
	client        *minio.Client
	logger        *slog.Logger

	bucketOnce sync.Once
	bucketErr  error
}

// NewS3Uploader configures an uploader against the given endpoint.
func NewS3Uploader(endpoint string, useSSL bool, accessKey, secretKey, bucket, publicBaseURL string, logger *slog.Logger) (*S3Uploader, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, errors.New("s3: endpoint is required")
	}
	if bucket = strings.TrimSpace(bucket); bucket == "" {
		return nil, errors.New("s3: bucket is required")
	}
	mc, err := minio.New(hostOf(endpoint), &minio.Options{
		Creds:  credentials.NewStaticV4(strings.TrimSpace(accessKey), strings.TrimSpace(secretKey), ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("s3: create client: %w", err)
	}
	base := strings.TrimSpace(publicBaseURL)
	if base == "" {
		base = endpoint
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &S3Uploader{
		bucket:        bucket,
		publicBaseURL: strings.TrimRight(base, "/"),
		client:        mc,
		logger:        logger,
	}, nil
}

func (u *S3Uploader) Upload(ctx context.Context, key string, r io.Reader, contentType string) (string, error) {
	key = strings.Trim(strings.TrimSpace(key), "/")
	if key == "" {
		return "", errors.New("s3: object key is required")
	}
	if err := u.ensureBucket(ctx); err != nil {
		return "", err
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if _, err := u.client.PutObject(ctx, u.bucket, key, r, -1, minio.PutObjectOptions{ContentType: contentType}); err != nil {
		return "", fmt.Errorf("s3: put object: %w", err)
	}
	publicURL := fmt.Sprintf("%s/%s/%s", u.publicBaseURL, u.bucket, key)
	u.logger.Debug("media uploaded", "bucket", u.bucket, "key", key)
	return publicURL, nil
}

func (u *S3Uploader) ensureBucket(ctx context.Context) error {
	u.bucketOnce.Do(func() {
		exists, err := u.client.BucketExists(ctx, u.bucket)
		if err != nil {
			u.bucketErr = fmt.Errorf("s3: check bucket: %w", err)
			return
		}
		if exists {
			return
		}
		if err := u.client.MakeBucket(ctx, u.bucket, minio.MakeBucketOptions{}); err != nil {
			u.bucketErr = fmt.Errorf("s3: create bucket: %w", err)
			return
		}
		policy := fmt.Sprintf(`{"Version":"2012-10-17","Statement":[{"Effect":"Allow","Principal":{"AWS":["*"]},"Action":["s3:GetObject"],"Resource":["arn:aws:s3:::%s/*"]}]}`, u.bucket)
		if err := u.client.SetBucketPolicy(ctx, u.bucket, policy); err != nil {
			u.bucketErr = fmt.Errorf("s3: set bucket policy: %w", err)
		}
	})
	return u.bucketErr
}

func hostOf(endpoint string) string {
	if parsed, err := url.Parse(endpoint); err == nil && parsed.Host != "" {
		return parsed.Host
	}
	return endpoint
}

// ============================================================================
// Voice recorder
// ============================================================================

// RecorderState tracks the voice capture lifecycle.
type RecorderState int

const (
	RecorderIdle RecorderState = iota
	RecorderRecording
)

// Recorder models the voice capture session: started, then either finished
// (yielding the capture and its duration) or cancelled (discarding it). The
// actual audio source is injected so the pipeline stays platform-neutral.
type Recorder struct {
	mu      sync.Mutex
	state   RecorderState
	started time.Time
	source  func() io.Reader
	capture io.Reader
}

// NewRecorder builds a recorder over an audio source callback, invoked once
// per finished capture.
func NewRecorder(source func() io.Reader) *Recorder {
	return &Recorder{source: source}
}

// State returns the current lifecycle state.
func (rec *Recorder) State() RecorderState {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.state
}

// Start begins a capture. Starting twice is an error.
func (rec *Recorder) Start() error {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.state == RecorderRecording {
		return errors.New("recorder: already recording")
	}
	rec.state = RecorderRecording
	rec.started = time.Now()
	rec.capture = nil
	return nil
}

// Cancel discards the capture in progress.
func (rec *Recorder) Cancel() {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.state = RecorderIdle
	rec.capture = nil
}

// Finish ends the capture and returns the recorded audio with its duration in
// whole seconds (minimum 1).
func (rec *Recorder) Finish() (io.Reader, int, error) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.state != RecorderRecording {
		return nil, 0, errors.New("recorder: not recording")
	}
	rec.state = RecorderIdle
	secs := int(time.Since(rec.started).Round(time.Second) / time.Second)
	if secs < 1 {
		secs = 1
	}
	if rec.source != nil {
		rec.capture = rec.source()
	}
	if rec.capture == nil {
		return nil, 0, errors.New("recorder: no audio captured")
	}
	return rec.capture, secs, nil
}

// ============================================================================
// Pipeline
// ============================================================================

// Pipeline drives media capture and attachment sends end to end: permission
// check, upload, then message delivery through the reconciler. Upload failure
// for voice notes degrades to a text placeholder so the recording effort is
// never silently lost.
type Pipeline struct {
	uploader Uploader
	rec      *Reconciler
	perms    PermissionGuard
	logger   *slog.Logger
}

// NewPipeline wires the media pipeline. perms may be nil, which grants
// everything.
func NewPipeline(uploader Uploader, rec *Reconciler, perms PermissionGuard, logger *slog.Logger) *Pipeline {
	if perms == nil {
		perms = GrantAll{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{uploader: uploader, rec: rec, perms: perms, logger: logger}
}

// StartVoiceCapture checks the microphone permission and starts the recorder.
// A denial surfaces as *PermissionError before any capture begins.
func (p *Pipeline) StartVoiceCapture(ctx context.Context, recorder *Recorder) error {
	if err := p.perms.Request(ctx, CapabilityMicrophone); err != nil {
		return err
	}
	return recorder.Start()
}

// SendVoice uploads the finished capture and sends it as an audio message.
// When the upload fails the voice note is converted to a text placeholder
// carrying its duration and delivered anyway; the upload error is logged, not
// returned, because the message itself went through.
func (p *Pipeline) SendVoice(ctx context.Context, conversationID string, audio io.Reader, durationSecs int) (Message, error) {
	key := "voice/" + uuid.NewString() + ".m4a"
	publicURL, err := p.uploader.Upload(ctx, key, audio, "audio/mp4")
	if err != nil {
		uerr := &UploadError{Key: key, Err: err}
		p.logger.Warn("voice upload failed, sending placeholder", "error", uerr)
		placeholder := fmt.Sprintf("\U0001F3A4 Voice message (%ds)", durationSecs)
		return p.rec.Send(ctx, conversationID, placeholder, TypeText, nil)
	}
	return p.rec.Send(ctx, conversationID, "", TypeAudio, &MediaRef{
		URL:          publicURL,
		DurationSecs: durationSecs,
	})
}

// SendAttachment uploads an image or video picked from the device and sends
// it. localURL is the device-local preview path, carried on the optimistic
// entry so the UI can render the media before the upload URL resolves.
func (p *Pipeline) SendAttachment(ctx context.Context, conversationID, fileName, localURL string, content io.Reader, typ MessageType) (Message, error) {
	if typ != TypeImage && typ != TypeVideo {
		return Message{}, fmt.Errorf("media: unsupported attachment type %q", typ)
	}
	if err := p.perms.Request(ctx, CapabilityMediaLibrary); err != nil {
		return Message{}, err
	}

	key := string(typ) + "/" + uuid.NewString() + filepath.Ext(fileName)
	publicURL, err := p.uploader.Upload(ctx, key, content, guessMimeType(fileName))
	if err != nil {
		return Message{}, &UploadError{Key: key, Err: err}
	}
	return p.rec.Send(ctx, conversationID, "", typ, &MediaRef{
		URL:      publicURL,
		LocalURL: localURL,
	})
}

// guessMimeType returns the MIME type from the file extension.
func guessMimeType(fileName string) string {
	ext := filepath.Ext(fileName)
	if ext == "" {
		return "application/octet-stream"
	}
	// Fallback for types not in Go's builtin registry
	fallback := map[string]string{
		".webp": "image/webp", ".webm": "video/webm",
		".m4a": "audio/mp4", ".heic": "image/heic",
	}
	if m, ok := fallback[strings.ToLower(ext)]; ok {
		return m
	}
	if t := mime.TypeByExtension(ext); t != "" {
		if idx := strings.Index(t, ";"); idx > 0 {
			t = strings.TrimSpace(t[:idx])
		}
		return t
	}
	return "application/octet-stream"
}
