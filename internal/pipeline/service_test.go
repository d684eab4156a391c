package pipeline

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memohai/imgscalr/internal/config"
	"github.com/memohai/imgscalr/internal/decode"
	"github.com/memohai/imgscalr/internal/format"
	"github.com/memohai/imgscalr/internal/keygen"
	"github.com/memohai/imgscalr/internal/logger"
	"github.com/memohai/imgscalr/internal/storage"
	"github.com/memohai/imgscalr/internal/uploader"
	"github.com/memohai/imgscalr/internal/variant"
)

const testBaseURL = "http://i.imgscalr.com"

// fakeStore acknowledges every Put unless the key matches one of the failure
// hooks.
type fakeStore struct {
	mu      sync.Mutex
	objects map[string]string
	public  map[string]bool
	// noETag lists keys for which Put succeeds without an ETag.
	noETag func(key string) bool
	// fail lists keys for which Put returns an error.
	fail func(key string) bool
	// block lists keys for which Put waits until ctx is done.
	block func(key string) bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: map[string]string{}, public: map[string]bool{}}
}

func (f *fakeStore) Put(ctx context.Context, in storage.PutInput) (storage.PutResult, error) {
	if f.block != nil && f.block(in.Key) {
		<-ctx.Done()
		return storage.PutResult{}, ctx.Err()
	}
	if f.fail != nil && f.fail(in.Key) {
		return storage.PutResult{}, errors.New("connection reset")
	}
	if _, err := io.Copy(io.Discard, in.Body); err != nil {
		return storage.PutResult{}, err
	}
	f.mu.Lock()
	f.objects[in.Key] = in.ContentType
	f.mu.Unlock()
	if f.noETag != nil && f.noETag(in.Key) {
		return storage.PutResult{}, nil
	}
	return storage.PutResult{ETag: `"d41d8cd98f00b204e9800998ecf8427e"`}, nil
}

func (f *fakeStore) MakePublic(_ context.Context, key string) error {
	f.mu.Lock()
	f.public[key] = true
	f.mu.Unlock()
	return nil
}

func (f *fakeStore) PublicURL(key string) string {
	return storage.JoinURL(testBaseURL, key)
}

type recordingNotifier struct {
	mu      sync.Mutex
	sources []string
	results []Result
}

func (n *recordingNotifier) Notify(source string, result Result) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sources = append(n.sources, source)
	n.results = append(n.results, result)
}

type outcomeRecorder struct {
	mu       sync.Mutex
	outcomes []string
}

func (o *outcomeRecorder) RecordOutcome(outcome string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes = append(o.outcomes, outcome)
}

type fixture struct {
	svc      *Service
	dir      string
	store    *fakeStore
	notifier *recordingNotifier
	observer *outcomeRecorder
}

func defaultSpecs() []variant.Spec {
	var specs []variant.Spec
	for _, v := range config.DefaultVariants() {
		specs = append(specs, variant.Spec{Label: v.Label, Suffix: v.Suffix, Width: v.Width})
	}
	return specs
}

func newFixture(t *testing.T, factory uploader.ClientFactory, mutate func(*Options)) *fixture {
	t.Helper()
	log := logger.Discard()
	keys, err := keygen.New(config.DefaultKeyLength, config.DefaultKeyAlphabet)
	require.NoError(t, err)

	store := newFakeStore()
	if factory == nil {
		factory = func(context.Context) (storage.ObjectStore, error) { return store, nil }
	}
	f := &fixture{
		dir:      t.TempDir(),
		store:    store,
		notifier: &recordingNotifier{},
		observer: &outcomeRecorder{},
	}
	opts := Options{
		TempDir:                 f.dir,
		MaxPixels:               config.DefaultMaxPixels,
		Workers:                 4,
		DefaultEncoding:         decode.EncodingBase64,
		RetainOriginalOnFailure: true,
	}
	if mutate != nil {
		mutate(&opts)
	}
	f.svc = NewService(log, opts, Deps{
		Keys:      keys,
		Validator: format.NewValidator(format.NewRegistry(), config.DefaultMimeTypes()),
		Decoder:   decode.New(config.DefaultBufferSize),
		Variants:  variant.NewGenerator(log, defaultSpecs(), 4, nil),
		Uploader:  uploader.New(log, factory, nil),
		Notifier:  f.notifier,
		Observer:  f.observer,
	})
	return f
}

func (f *fixture) files(t *testing.T) []string {
	t.Helper()
	entries, err := os.ReadDir(f.dir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func pngBase64(t *testing.T, w, h int) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: color.RGBA{R: 200, G: 80, B: 20, A: 255}}, image.Point{}, draw.Src)
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

func TestProcessSuccessfulUpload(t *testing.T) {
	f := newFixture(t, nil, nil)
	body := "data:image/png;base64," + pngBase64(t, 2000, 1000)

	res := f.svc.Process(context.Background(), Request{
		FileName: "photo.png",
		Body:     strings.NewReader(body),
		Source:   "10.0.0.7",
	})

	require.Equal(t, Success, res.Outcome, res.Outcome.Message())
	assert.True(t, res.Success())
	assert.Equal(t, StateCompleted, res.Stage)
	assert.Equal(t, "photo.png", res.OriginalFileName)
	assert.Len(t, res.Key.ID, config.DefaultKeyLength)
	assert.Equal(t, "png", res.Key.Extension)

	orig := res.Original()
	assert.Equal(t, 2000, orig.Width)
	assert.Equal(t, 1000, orig.Height)
	assert.Positive(t, orig.SizeInBytes)
	assert.Equal(t, testBaseURL+"/"+res.Key.FileName(), orig.URL)

	for _, spec := range defaultSpecs() {
		meta := res.Artifacts[spec.Label]
		assert.Equal(t, spec.Width, meta.Width, spec.Label)
		assert.Equal(t, spec.Width/2, meta.Height, spec.Label)
		assert.LessOrEqual(t, meta.Width, orig.Width, spec.Label)
		assert.Equal(t, testBaseURL+"/"+res.Key.VariantFileName(spec.Suffix), meta.URL, spec.Label)
		assert.True(t, f.store.public[res.Key.VariantFileName(spec.Suffix)], spec.Label)
	}
	// PNG uploads carry the content type from the default table.
	assert.Equal(t, "image/png", f.store.objects[res.Key.FileName()])

	assert.Empty(t, f.files(t), "no local file may remain after success")
	assert.Equal(t, []string{"10.0.0.7"}, f.notifier.sources)
	assert.Equal(t, []string{"success"}, f.observer.outcomes)
}

func TestNoUpscaleForNarrowOriginal(t *testing.T) {
	f := newFixture(t, nil, nil)

	res := f.svc.Process(context.Background(), Request{
		FileName: "narrow.png",
		Body:     strings.NewReader(pngBase64(t, 500, 300)),
	})

	require.Equal(t, Success, res.Outcome)
	assert.Equal(t, 150, res.Artifacts["thumbnail"].Width)
	assert.Equal(t, 90, res.Artifacts["thumbnail"].Height)
	assert.Equal(t, 250, res.Artifacts["small"].Width)
	assert.Equal(t, 150, res.Artifacts["small"].Height)
	for _, label := range []string{"medium", "large", "xlarge", "xxlarge", "xxxlarge"} {
		assert.Equal(t, ArtifactMetadata{}, res.Artifacts[label], label)
	}
	assert.Empty(t, f.files(t))
}

func TestProcessMissingFilename(t *testing.T) {
	f := newFixture(t, nil, nil)

	res := f.svc.Process(context.Background(), Request{FileName: "", Body: strings.NewReader("x")})

	assert.Equal(t, MissingFilename, res.Outcome)
	assert.Equal(t, StateReceived, res.Stage)
	assert.Empty(t, res.Key.ID)
	assert.Empty(t, f.files(t))
	assert.Empty(t, f.notifier.sources)
}

func TestProcessUnsupportedFileType(t *testing.T) {
	f := newFixture(t, nil, nil)

	for _, name := range []string{"doc.xyz", "noextension", "archive.png.zip", "trailingdot."} {
		res := f.svc.Process(context.Background(), Request{FileName: name, Body: strings.NewReader("x")})
		assert.Equal(t, UnsupportedFileType, res.Outcome, name)
		assert.Equal(t, name, res.OriginalFileName, name)
	}
	assert.Empty(t, f.files(t))
}

func TestProcessOriginalUploadNotAcknowledged(t *testing.T) {
	store := newFakeStore()
	store.noETag = func(k string) bool { return !strings.Contains(k, "-") }
	factory := func(context.Context) (storage.ObjectStore, error) { return store, nil }

	for _, retain := range []bool{true, false} {
		f := newFixture(t, factory, func(o *Options) { o.RetainOriginalOnFailure = retain })

		res := f.svc.Process(context.Background(), Request{
			FileName: "photo.png",
			Body:     strings.NewReader(pngBase64(t, 400, 200)),
		})

		assert.Equal(t, UnableToUploadToCdn, res.Outcome)
		assert.Equal(t, StateResized, res.Stage)
		assert.Empty(t, res.Original().URL)
		if retain {
			assert.Equal(t, []string{res.Key.FileName()}, f.files(t), "original kept for the janitor")
		} else {
			assert.Empty(t, f.files(t))
		}
		assert.Empty(t, f.notifier.sources)
	}
}

func TestClientCreationFailure(t *testing.T) {
	factory := func(context.Context) (storage.ObjectStore, error) {
		return nil, errors.New("missing credentials")
	}
	f := newFixture(t, factory, nil)

	res := f.svc.Process(context.Background(), Request{
		FileName: "photo.png",
		Body:     strings.NewReader(pngBase64(t, 300, 300)),
	})

	assert.Equal(t, CannotCreateRemoteClient, res.Outcome)
	assert.Equal(t, []string{res.Key.FileName()}, f.files(t))
}

func TestDerivativeFailuresAreIsolated(t *testing.T) {
	store := newFakeStore()
	store.fail = func(k string) bool { return strings.Contains(k, "-S.") || strings.Contains(k, "-L.") }
	factory := func(context.Context) (storage.ObjectStore, error) { return store, nil }
	f := newFixture(t, factory, nil)

	res := f.svc.Process(context.Background(), Request{
		FileName: "wide.png",
		Body:     strings.NewReader(pngBase64(t, 1300, 650)),
	})

	require.Equal(t, Success, res.Outcome)
	assert.NotEmpty(t, res.Original().URL)
	assert.NotEmpty(t, res.Artifacts["thumbnail"].URL)
	assert.NotEmpty(t, res.Artifacts["medium"].URL)
	assert.NotEmpty(t, res.Artifacts["xlarge"].URL)

	small := res.Artifacts["small"]
	assert.Empty(t, small.URL)
	assert.Equal(t, 250, small.Width)
	assert.Empty(t, res.Artifacts["large"].URL)

	// Failed derivatives are not left behind either.
	assert.Empty(t, f.files(t))
}

func TestProcessDeadlineAbandonsDerivatives(t *testing.T) {
	store := newFakeStore()
	store.block = func(k string) bool { return strings.Contains(k, "-") }
	factory := func(context.Context) (storage.ObjectStore, error) { return store, nil }
	f := newFixture(t, factory, func(o *Options) { o.Workers = 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	res := f.svc.Process(ctx, Request{
		FileName: "photo.png",
		Body:     strings.NewReader(pngBase64(t, 600, 300)),
	})

	require.Equal(t, Success, res.Outcome, res.Outcome.Message())
	assert.Equal(t, testBaseURL+"/"+res.Key.FileName(), res.Original().URL)
	for _, label := range []string{"thumbnail", "small", "medium"} {
		assert.Empty(t, res.Artifacts[label].URL, label)
	}
	assert.Zero(t, res.Artifacts["large"].Width)
	assert.Len(t, store.objects, 1)
	assert.Empty(t, f.files(t), "cleanup must run after the deadline")
}

func TestTempDirReadOnly(t *testing.T) {
	f := newFixture(t, nil, func(o *Options) { o.TempDirReadOnly = true })

	res := f.svc.Process(context.Background(), Request{FileName: "a.png", Body: strings.NewReader("x")})

	assert.Equal(t, TempDirReadonly, res.Outcome)
	assert.Equal(t, StateValidated, res.Stage)
}

func TestCannotAccessTempFile(t *testing.T) {
	f := newFixture(t, nil, func(o *Options) { o.TempDir = filepath.Join(t.TempDir(), "missing") })

	res := f.svc.Process(context.Background(), Request{FileName: "a.png", Body: strings.NewReader("x")})

	assert.Equal(t, CannotAccessTempFile, res.Outcome)
	assert.NotEmpty(t, res.Key.ID)
}

func TestDecodeFailure(t *testing.T) {
	f := newFixture(t, nil, nil)

	res := f.svc.Process(context.Background(), Request{FileName: "a.png", Body: strings.NewReader("!!!not base64!!!")})

	assert.Equal(t, DecodeFailure, res.Outcome)
	assert.Empty(t, f.files(t))
}

func TestUnparsableImage(t *testing.T) {
	f := newFixture(t, nil, nil)

	res := f.svc.Process(context.Background(), Request{
		FileName: "a.png",
		Body:     strings.NewReader("not an image"),
		Encoding: decode.EncodingIdentity,
	})

	assert.Equal(t, UnableToGenerateAltSizes, res.Outcome)
	assert.Equal(t, StateDecoded, res.Stage)
	assert.Empty(t, f.files(t))
}

func TestPixelLimit(t *testing.T) {
	f := newFixture(t, nil, func(o *Options) { o.MaxPixels = 100 * 100 })

	res := f.svc.Process(context.Background(), Request{
		FileName: "big.png",
		Body:     strings.NewReader(pngBase64(t, 200, 100)),
	})

	assert.Equal(t, UnableToGenerateAltSizes, res.Outcome)
	assert.Empty(t, f.files(t))
}

func TestResultJSONShape(t *testing.T) {
	f := newFixture(t, nil, nil)
	res := f.svc.Process(context.Background(), Request{
		FileName: "photo.png",
		Body:     strings.NewReader(pngBase64(t, 200, 100)),
	})
	require.Equal(t, Success, res.Outcome)

	raw, err := json.Marshal(res)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, true, got["success"])
	assert.EqualValues(t, 1, got["code"])
	assert.Equal(t, "Upload Complete", got["message"])
	assert.Equal(t, "photo.png", got["originalFileName"])
	assert.Equal(t, res.Key.ID, got["uniqueFileKey"])
	assert.Equal(t, res.Key.FileName(), got["uniqueFileName"])

	thumb := got["thumbnail"].(map[string]any)
	assert.EqualValues(t, 150, thumb["width"])
	assert.Contains(t, thumb, "url")

	large := got["large"].(map[string]any)
	assert.EqualValues(t, 0, large["width"])
	assert.NotContains(t, large, "url")

	// Keys follow the response order, original first.
	assert.Less(t, bytes.Index(raw, []byte(`"original"`)), bytes.Index(raw, []byte(`"thumbnail"`)))
	assert.Less(t, bytes.Index(raw, []byte(`"thumbnail"`)), bytes.Index(raw, []byte(`"xxxlarge"`)))
}

func TestOutcomeMessages(t *testing.T) {
	cases := map[Outcome]string{
		Success:                  "Upload Complete",
		GeneralFailure:           "Service Temporarily Unavailable (Code: 2)",
		MissingFilename:          "Your browser may not fully support HTML5, the image's filename was missing.",
		TempDirReadonly:          "Server is Unable to Process Your Upload (Code: 4)",
		UnsupportedFileType:      "Uploaded File Type Not Supported (sorry)",
		CannotAccessTempFile:     "Error Preparing for Image Processing (Code: 6)",
		DecodeFailure:            "Error Processing Image (Code: 7)",
		CannotCreateRemoteClient: "CDN Client Cannot be Created (Code: 8)",
		UnableToGenerateAltSizes: "Unable to Generate Alternate Sizes (Code: 9)",
		UnableToUploadToCdn:      "Unable to upload hosted images to CDN, that's not good.",
	}
	for outcome, msg := range cases {
		assert.Equal(t, msg, outcome.Message())
	}
	assert.Equal(t, 10, UnableToUploadToCdn.Code())
	assert.Equal(t, GeneralFailure.Message(), Outcome(42).Message())
}

func TestExtension(t *testing.T) {
	assert.Equal(t, "png", Extension("photo.png"))
	assert.Equal(t, "gz", Extension("a.tar.gz"))
	assert.Equal(t, "", Extension("README"))
	assert.Equal(t, "", Extension("dot."))
	assert.Equal(t, "", Extension("png"))
}

func TestProcessBareExtensionNameIsUnsupported(t *testing.T) {
	f := newFixture(t, nil, nil)
	res := f.svc.Process(context.Background(), Request{
		FileName: "png",
		Body:     strings.NewReader(pngBase64(t, 10, 10)),
	})
	assert.Equal(t, UnsupportedFileType, res.Outcome)
	assert.Empty(t, f.files(t))
}

func TestCloneIsIndependent(t *testing.T) {
	res := NewResult([]string{"thumbnail"})
	clone := res.Clone()
	res.update("thumbnail", func(m *ArtifactMetadata) { m.URL = "http://x" })
	assert.Empty(t, clone.Artifacts["thumbnail"].URL)
	assert.Equal(t, []string{OriginalLabel, "thumbnail"}, clone.Labels())
}
