// Package build mirrors a source tree into an output tree, expanding include
// directives in every file it copies.
//
// Names starting with the exclusion prefix ("_" by default) are private: they
// are never written to the output tree, and excluded directories are not
// descended into. Excluded files can still be included because includes are
// resolved against the include root, not the output.
//
// Expansion is single pass. A fragment inserted for a directive is not
// scanned again for further directives within the same file.
package build

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/conneroisu/stitch/internal/directive"
	"github.com/conneroisu/stitch/internal/errors"
	"github.com/conneroisu/stitch/internal/logging"
	"github.com/conneroisu/stitch/internal/resolver"
)

const (
	DefaultExcludePrefix = "_"
	DefaultMarkupExt     = ".html"

	dirPerm  = 0o755
	filePerm = 0o644
)

// Options configures a Transformer.
type Options struct {
	Source        string
	Output        string
	IncludeRoot   string // defaults to Source
	ExcludePrefix string // defaults to DefaultExcludePrefix
	MarkupExt     string // defaults to DefaultMarkupExt
	LiveReload    bool
	Snippet       string // injected into markup files when LiveReload is set
}

// Result summarizes one transform pass.
type Result struct {
	Written     int
	Skipped     int
	Directories int
	Missing     []string
	Duration    time.Duration
}

// Transformer performs full passes from Source into Output.
type Transformer struct {
	opts     Options
	resolver *resolver.Resolver
	logger   logging.Logger
}

// New creates a transformer, filling unset options with defaults.
func New(opts Options, logger logging.Logger) *Transformer {
	if opts.IncludeRoot == "" {
		opts.IncludeRoot = opts.Source
	}
	if opts.ExcludePrefix == "" {
		opts.ExcludePrefix = DefaultExcludePrefix
	}
	if opts.MarkupExt == "" {
		opts.MarkupExt = DefaultMarkupExt
	}
	if opts.LiveReload && opts.Snippet == "" {
		opts.Snippet = ReloadSnippet(DefaultReloadEndpoint)
	}

	return &Transformer{
		opts:     opts,
		resolver: resolver.New(opts.IncludeRoot, logger),
		logger:   logger.WithComponent("build"),
	}
}

type dirPair struct {
	src string
	out string
	// ancestors holds the source directories from the root down to src.
	ancestors []os.FileInfo
}

// Transform runs one full pass. A missing include is not an error. Any other
// read or write failure aborts the pass; files written before the failure
// stay on disk.
func (t *Transformer) Transform(ctx context.Context) (*Result, error) {
	op := logging.StartOperation(t.logger, "transform")
	result := &Result{}

	info, err := os.Stat(t.opts.Source)
	if err != nil {
		return nil, errors.NewFileError("stat", t.opts.Source, err)
	}
	if !info.IsDir() {
		return nil, errors.NewBuildError("SOURCE_NOT_DIR",
			fmt.Sprintf("source %s is not a directory", t.opts.Source), nil).WithComponent("build")
	}

	if err := os.MkdirAll(t.opts.Output, dirPerm); err != nil {
		return nil, errors.NewFileError("mkdir", t.opts.Output, err)
	}

	work := []dirPair{{src: t.opts.Source, out: t.opts.Output, ancestors: []os.FileInfo{info}}}
	for len(work) > 0 {
		pair := work[len(work)-1]
		work = work[:len(work)-1]

		subdirs, err := t.transformDir(ctx, pair, result)
		if err != nil {
			result.Duration = op.EndWithError(ctx, err)
			return result, fmt.Errorf("transform %s: %w", t.opts.Source, err)
		}
		work = append(work, subdirs...)
	}

	result.Duration = op.End(ctx,
		"written", result.Written,
		"skipped", result.Skipped,
		"missing", len(result.Missing),
	)
	return result, nil
}

// transformDir processes the files of one directory and returns the
// subdirectories still to visit. Excluded directories are dropped here,
// before any mirror directory is created.
func (t *Transformer) transformDir(ctx context.Context, pair dirPair, result *Result) ([]dirPair, error) {
	entries, err := os.ReadDir(pair.src)
	if err != nil {
		return nil, errors.NewFileError("list", pair.src, err)
	}

	var subdirs []dirPair
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		name := entry.Name()
		srcPath := filepath.Join(pair.src, name)
		outPath := filepath.Join(pair.out, name)

		// Stat follows symlinks so linked directories are walked like real
		// ones. A link back to an ancestor would never end and is skipped.
		info, err := os.Stat(srcPath)
		if err != nil {
			return nil, errors.NewFileError("stat", srcPath, err)
		}

		if info.IsDir() {
			if t.excluded(name) {
				t.logger.Debug(ctx, "Skipped directory", "path", srcPath)
				result.Skipped++
				continue
			}
			if isAncestor(info, pair.ancestors) {
				t.logger.Warn(ctx, nil, "Skipped directory link that loops back to an ancestor", "path", srcPath)
				continue
			}
			if err := os.MkdirAll(outPath, dirPerm); err != nil {
				return nil, errors.NewFileError("mkdir", outPath, err)
			}
			result.Directories++
			subdirs = append(subdirs, dirPair{
				src:       srcPath,
				out:       outPath,
				ancestors: append(slices.Clip(pair.ancestors), info),
			})
			continue
		}

		if err := t.transformFile(ctx, name, srcPath, outPath, result); err != nil {
			return nil, err
		}
	}
	return subdirs, nil
}

func (t *Transformer) transformFile(ctx context.Context, name, srcPath, outPath string, result *Result) error {
	data, err := os.ReadFile(srcPath)
	if err != nil {
		return errors.NewFileError("read", srcPath, err)
	}

	content, missing, err := t.Expand(ctx, string(data))
	if err != nil {
		return err
	}
	result.Missing = append(result.Missing, missing...)

	if t.excluded(name) {
		t.logger.Debug(ctx, "Skipped file", "path", srcPath)
		result.Skipped++
		return nil
	}

	if t.opts.LiveReload && strings.HasSuffix(name, t.opts.MarkupExt) {
		content = InjectSnippet(content, t.opts.Snippet)
	}

	if err := os.WriteFile(outPath, []byte(content), filePerm); err != nil {
		return errors.NewFileError("write", outPath, err)
	}
	t.logger.Info(ctx, "Processed", "path", outPath)
	result.Written++
	return nil
}

// Expand replaces every directive of content with its resolved fragment and
// returns the include paths that fell back to the missing-file comment.
// Only markers present in content are replaced; inserted fragments are
// copied as they are.
func (t *Transformer) Expand(ctx context.Context, content string) (string, []string, error) {
	var (
		b       strings.Builder
		missing []string
		last    int
	)

	for m := range directive.Scan(content) {
		res, err := t.resolver.Resolve(ctx, m.Directive)
		if err != nil {
			return "", nil, err
		}
		if res.Missing {
			missing = append(missing, m.Directive.Path)
		}
		b.WriteString(content[last:m.Start])
		b.WriteString(res.Fragment)
		last = m.End
	}

	if last == 0 {
		return content, nil, nil
	}
	b.WriteString(content[last:])
	return b.String(), missing, nil
}

func isAncestor(info os.FileInfo, ancestors []os.FileInfo) bool {
	for _, a := range ancestors {
		if os.SameFile(info, a) {
			return true
		}
	}
	return false
}

func (t *Transformer) excluded(name string) bool {
	return strings.HasPrefix(name, t.opts.ExcludePrefix)
}

// Clean removes the output directory and everything below it.
func Clean(output string) error {
	if err := os.RemoveAll(output); err != nil {
		return errors.NewFileError("remove", output, err)
	}
	return nil
}
