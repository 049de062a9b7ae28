// Package template builds the sandbox container image: a pinned Python
// runtime with the backtesting stack, plus the helper modules sandbox code
// imports from its working directory (getPrices, testStrategy, search_news,
// search_posts and web_search).
package template

import (
	"archive/tar"
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"time"

	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/pkg/jsonmessage"
)

//go:embed Dockerfile requirements.txt workdir
var files embed.FS

// LabelTemplate marks images built from this package.
const LabelTemplate = "quantchat.sandbox.template"

// Builder is the part of the Docker client that builds images.
type Builder interface {
	ImageBuild(ctx context.Context, buildContext io.Reader, options build.ImageBuildOptions) (build.ImageBuildResponse, error)
}

// BuildOptions configures Build.
type BuildOptions struct {
	Tag string
	// Pull refreshes the base image even when it is cached.
	Pull    bool
	NoCache bool
}

// Context returns the embedded build context as a tar stream.
func Context() (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	now := time.Now()

	err := fs.WalkDir(files, ".", func(name string, d fs.DirEntry, err error) error {
		if err != nil || name == "." {
			return err
		}
		if d.IsDir() {
			return tw.WriteHeader(&tar.Header{Name: name + "/", Mode: 0o755, Typeflag: tar.TypeDir, ModTime: now})
		}
		data, err := files.ReadFile(name)
		if err != nil {
			return err
		}
		if err := tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(data)), Typeflag: tar.TypeReg, ModTime: now}); err != nil {
			return err
		}
		_, err = tw.Write(data)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("write build context: %w", err)
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close build context: %w", err)
	}
	return &buf, nil
}

// Build builds and tags the sandbox image, streaming the daemon's progress
// to out. A failed build step is returned as an error.
func Build(ctx context.Context, b Builder, opts BuildOptions, out io.Writer) error {
	if opts.Tag == "" {
		return errors.New("build sandbox image: tag is required")
	}
	buildCtx, err := Context()
	if err != nil {
		return err
	}

	resp, err := b.ImageBuild(ctx, buildCtx, build.ImageBuildOptions{
		Tags:        []string{opts.Tag},
		Dockerfile:  "Dockerfile",
		Remove:      true,
		ForceRemove: true,
		PullParent:  opts.Pull,
		NoCache:     opts.NoCache,
		Labels:      map[string]string{LabelTemplate: opts.Tag},
	})
	if err != nil {
		return fmt.Errorf("build image %s: %w", opts.Tag, err)
	}
	defer resp.Body.Close()

	if err := jsonmessage.DisplayJSONMessagesStream(resp.Body, out, 0, false, nil); err != nil {
		return fmt.Errorf("build image %s: %w", opts.Tag, err)
	}
	return nil
}
