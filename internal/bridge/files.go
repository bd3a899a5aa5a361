package bridge

import (
	"context"
	"fmt"
	"io"

	"github.com/danmuck/edgelink/internal/command"
)

// ListFiles returns the names stored under filetype.
func (b *Bridge) ListFiles(ctx context.Context, filetype string) ([]string, error) {
	seq, err := b.IssueRead(ctx, command.MethodFileList, map[string]any{"filetype": filetype})
	if err != nil {
		return nil, err
	}
	frames, err := seq.Collect(ctx)
	if err != nil {
		return nil, err
	}
	return command.Strings(frames)
}

// ReadFile downloads one file in read-chunk-sized frames.
func (b *Bridge) ReadFile(ctx context.Context, filetype, filename string) ([]byte, error) {
	seq, err := b.IssueRead(ctx, command.MethodFileRead, map[string]any{
		"filetype": filetype,
		"filename": filename,
		"size":     b.cfg.Session.ReadChunkSize,
	})
	if err != nil {
		return nil, err
	}
	frames, err := seq.Collect(ctx)
	if err != nil {
		return nil, err
	}
	return command.Bytes(frames)
}

func (b *Bridge) DeleteFile(ctx context.Context, filetype, filename string) error {
	seq, err := b.IssueRead(ctx, command.MethodFileDelete, map[string]any{
		"filetype": filetype,
		"filename": filename,
	})
	if err != nil {
		return err
	}
	_, err = seq.Collect(ctx)
	return err
}

// WriteFile uploads r. A failed upload is aborted so the device can discard
// the partial file.
func (b *Bridge) WriteFile(ctx context.Context, filetype, filename string, r io.Reader, size int64, onProgress func(command.Progress)) error {
	sink, err := b.IssueWrite(ctx, command.MethodFileWrite, command.WriteOptions{
		Filename:   filename,
		Filetype:   filetype,
		Size:       size,
		OnProgress: onProgress,
	})
	if err != nil {
		return err
	}
	if _, err := sink.ReadFrom(ctx, r); err != nil {
		_ = sink.Abort(context.WithoutCancel(ctx))
		return fmt.Errorf("bridge: upload %s: %w", filename, err)
	}
	if err := sink.Close(ctx); err != nil {
		return fmt.Errorf("bridge: upload %s: %w", filename, err)
	}
	return nil
}

// CreatePackage asks the device to bundle an instance set into a package.
func (b *Bridge) CreatePackage(ctx context.Context, name string, params map[string]any) (command.ResultFrame, error) {
	p := map[string]any{"name": name}
	for k, v := range params {
		p[k] = v
	}
	seq, err := b.IssueRead(ctx, command.MethodPackageCreate, p)
	if err != nil {
		return command.ResultFrame{}, err
	}
	frames, err := seq.Collect(ctx)
	if err != nil {
		return command.ResultFrame{}, err
	}
	if len(frames) == 0 {
		return command.ResultFrame{}, nil
	}
	return frames[len(frames)-1], nil
}

// InstallPackage installs an uploaded package, reporting device progress.
func (b *Bridge) InstallPackage(ctx context.Context, filename string, onProgress func(float64)) error {
	seq, err := b.IssueRead(ctx, command.MethodPackageInstall, map[string]any{"filename": filename})
	if err != nil {
		return err
	}
	for f, err := range seq.All(ctx) {
		if err != nil {
			return err
		}
		if f.Progress != nil && onProgress != nil {
			onProgress(*f.Progress)
		}
	}
	return nil
}
