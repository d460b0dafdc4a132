package daemon

import (
	"context"
	"errors"
	"log/slog"

	"github.com/offlinefirst/screenwatch/pkg/config"
	"github.com/offlinefirst/screenwatch/pkg/framestore"
	"github.com/offlinefirst/screenwatch/pkg/screenshots"
	"github.com/offlinefirst/screenwatch/pkg/video"
)

// errOfflineCapture is returned if anything tries to capture through the
// read-only store used by CompileOffline.
var errOfflineCapture = errors.New("capture is disabled in offline mode")

// OfflineOptions tune CompileOffline.
type OfflineOptions struct {
	Logger     *slog.Logger
	NewEncoder video.EncoderFactory
	OnProgress func(video.Progress)
}

// CompileOffline compiles the frames already in the capture directory without
// a running daemon. The directory is never reset.
func CompileOffline(ctx context.Context, cfg config.Config, opts OfflineOptions) (video.Result, error) {
	store, err := framestore.Open(framestore.Options{
		Dir:       cfg.Paths.CaptureDir,
		Capacity:  cfg.Capture.Capacity,
		AssetName: cfg.Compile.AssetName,
		Capturer: screenshots.CapturerFunc(func(context.Context, string) error {
			return errOfflineCapture
		}),
		Logger: opts.Logger,
	})
	if err != nil {
		return video.Result{}, err
	}

	compiler, err := video.NewCompiler(video.Options{
		Source:     store,
		OutputPath: store.AssetPath(),
		Encoder:    EncoderConfig(cfg.Compile),
		NewEncoder: opts.NewEncoder,
		OnProgress: opts.OnProgress,
		Logger:     opts.Logger,
	})
	if err != nil {
		return video.Result{}, err
	}
	return compiler.Run(ctx)
}
