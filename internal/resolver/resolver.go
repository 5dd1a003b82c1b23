// Package resolver loads the file named by an include directive and applies
// its parameters.
package resolver

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/conneroisu/stitch/internal/directive"
	"github.com/conneroisu/stitch/internal/errors"
	"github.com/conneroisu/stitch/internal/logging"
)

// Resolver resolves include paths against a fixed root directory.
type Resolver struct {
	root   string
	logger logging.Logger
}

// New creates a resolver for includes below root.
func New(root string, logger logging.Logger) *Resolver {
	return &Resolver{
		root:   root,
		logger: logger.WithComponent("resolver"),
	}
}

// Resolution is the outcome of resolving one directive.
type Resolution struct {
	Fragment string
	Target   string
	Missing  bool
}

// Resolve reads the directive's target and substitutes its parameters.
//
// A target that does not exist, or is not a regular file, resolves to the
// Fallback comment and is reported as Missing; err stays nil. Other
// filesystem failures are returned as *errors.FileError.
func (r *Resolver) Resolve(ctx context.Context, d directive.Directive) (Resolution, error) {
	target := filepath.Join(r.root, d.Path)
	res := Resolution{Target: target}

	info, err := os.Stat(target)
	switch {
	case errors.IsNotExist(err):
		r.logger.Warn(ctx, nil, "File not found", "path", target)
		res.Fragment, res.Missing = Fallback(d.Path), true
		return res, nil
	case err != nil:
		return res, errors.NewFileError("stat", target, err)
	case !info.Mode().IsRegular():
		r.logger.Warn(ctx, nil, "Include target is not a regular file", "path", target, "mode", info.Mode().String())
		res.Fragment, res.Missing = Fallback(d.Path), true
		return res, nil
	}

	data, err := os.ReadFile(target)
	if err != nil {
		return res, errors.NewFileError("read", target, err)
	}

	res.Fragment = Substitute(string(data), d.Params)
	r.logger.Debug(ctx, "Resolved include", "path", target, "params", len(d.Params))
	return res, nil
}

// Fallback is the markup substituted for an include that cannot be found.
func Fallback(includePath string) string {
	return fmt.Sprintf("<!-- file [%s] does not exist -->", includePath)
}

// Substitute replaces every literal [key] in content with its value.
// Placeholders without a parameter are left as they are. Keys are applied in
// sorted order so a value containing another placeholder behaves the same on
// every run.
func Substitute(content string, params directive.Params) string {
	if len(params) == 0 {
		return content
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		content = strings.ReplaceAll(content, "["+k+"]", params[k])
	}
	return content
}
