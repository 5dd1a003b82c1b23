package server

import (
	"context"
	"io"
	"net/http"

	"github.com/a-h/templ"
)

// NotFoundPage renders the page shown for paths with no file behind them.
func NotFoundPage(requested string) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		_, err := io.WriteString(w, `<!DOCTYPE html>
<html lang="en">
<head><meta charset="utf-8"><title>404 Not Found</title></head>
<body>
<h1>File not found</h1>
<p><code>`+templ.EscapeString(requested)+`</code> does not exist in the output directory.</p>
</body>
</html>
`)
		return err
	})
}

// NotFoundHandler writes NotFoundPage with a 404 status.
func NotFoundHandler(requested string) http.Handler {
	return templ.Handler(NotFoundPage(requested), templ.WithStatus(http.StatusNotFound))
}
