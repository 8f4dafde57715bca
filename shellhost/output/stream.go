// Package output provides the sequential write sink tenant handlers render
// response bodies through.
package output

import (
	"context"
	"errors"
	"io"
	"strings"
)

var (
	// ErrNoShapeRenderer is returned by RenderShape when the stream's content
	// manager cannot render shapes.
	ErrNoShapeRenderer = errors.New("content manager does not render shapes")
)

// ContentManager is the rendering/content collaborator a stream is bound to.
// The stream only holds a reference; rendering behavior is opt-in through
// ShapeRenderer.
type ContentManager interface{}

// ShapeRenderer is implemented by content managers that can render a
// structured content unit into a stream.
type ShapeRenderer interface {
	RenderShape(ctx context.Context, s *Stream, shape any) error
}

// Options configures a Stream.
type Options struct {
	Title          string
	ContentManager ContentManager
}

// Meta is a page-level meta entry.
type Meta struct {
	Name    string
	Content string
}

// Stream is a single-pass write sink. It is not safe for concurrent use; one
// stream belongs to one response.
type Stream struct {
	w              io.Writer
	title          string
	contentManager ContentManager

	scripts     []string
	stylesheets []string
	meta        []Meta
}

// New creates a stream that writes to w.
func New(w io.Writer, opts Options) *Stream {
	return &Stream{
		w:              w,
		title:          opts.Title,
		contentManager: opts.ContentManager,
	}
}

// Title returns the response title metadata.
func (s *Stream) Title() string { return s.title }

// SetTitle replaces the response title metadata.
func (s *Stream) SetTitle(title string) { s.title = title }

// ContentManager returns the collaborator the stream was created with.
func (s *Stream) ContentManager() ContentManager { return s.contentManager }

// Write writes pre-escaped bytes as-is.
func (s *Stream) Write(p []byte) (int, error) {
	return s.w.Write(p)
}

// WriteString writes pre-escaped text as-is.
func (s *Stream) WriteString(text string) (int, error) {
	return io.WriteString(s.w, text)
}

// WriteEncoded HTML-escapes text and writes it.
func (s *Stream) WriteEncoded(text string) (int, error) {
	return io.WriteString(s.w, EscapeString(text))
}

// AddScript registers a page-level script reference. Duplicates are ignored.
func (s *Stream) AddScript(src string) {
	s.scripts = appendUnique(s.scripts, src)
}

// AddStylesheet registers a page-level stylesheet reference. Duplicates are ignored.
func (s *Stream) AddStylesheet(href string) {
	s.stylesheets = appendUnique(s.stylesheets, href)
}

// AddMeta registers a page-level meta entry.
func (s *Stream) AddMeta(name, content string) {
	s.meta = append(s.meta, Meta{Name: name, Content: content})
}

func (s *Stream) Scripts() []string     { return append([]string(nil), s.scripts...) }
func (s *Stream) Stylesheets() []string { return append([]string(nil), s.stylesheets...) }
func (s *Stream) Meta() []Meta          { return append([]Meta(nil), s.meta...) }

// RenderShape asks the content manager to render shape into this stream.
func (s *Stream) RenderShape(ctx context.Context, shape any) error {
	renderer, ok := s.contentManager.(ShapeRenderer)
	if !ok {
		return ErrNoShapeRenderer
	}
	return renderer.RenderShape(ctx, s, shape)
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}

var htmlReplacer = strings.NewReplacer(
	`&`, "&amp;",
	`<`, "&lt;",
	`>`, "&gt;",
	`"`, "&quot;",
	`'`, "&#39;",
)

// EscapeString replaces &, <, >, " and ' with their entities. Every '&' is
// escaped, including one that already starts an entity, so escaping an
// escaped string encodes it a second time: "&lt;" becomes "&amp;lt;".
func EscapeString(text string) string {
	return htmlReplacer.Replace(text)
}
