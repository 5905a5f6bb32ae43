package stylesheet

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"regexp"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/Sumatoshi-tech/stylefang/pkg/filemanager"
	"github.com/Sumatoshi-tech/stylefang/pkg/resolver"
	"github.com/Sumatoshi-tech/stylefang/pkg/urlrewrite"
)

// DefaultLessBinary is the LESS compiler used when it is found on PATH.
const DefaultLessBinary = "lessc"

var (
	// ErrLessEngine is wrapped by compile errors for LESS features that need
	// the lessc compiler when none is configured.
	ErrLessEngine = errors.New("less feature requires the lessc compiler")

	// ErrImportOption is wrapped by compile errors for unsupported @import options.
	ErrImportOption = errors.New("unsupported import option")
)

// Import options understood by the LESS stage.
const (
	importOnce     = "once"
	importMultiple = "multiple"
	importOptional = "optional"
	importLess     = "less"
	importCSS      = "css"
	importInline   = "inline"
)

// scanMode selects how a file is scanned during import expansion.
type scanMode int

const (
	// scanLess expands imports, strips line comments and checks for LESS-only features.
	scanLess scanMode = iota
	// scanCSS expands imports only.
	scanCSS
	// scanInline copies the file, rewriting url() references only.
	scanInline
)

// lineOrigin is the file and line an output line was copied from.
type lineOrigin struct {
	file string
	line int
}

// urlOrigin is a url() reference from an imported file, as written there.
type urlOrigin struct {
	ref  string
	from string
}

// originWriter accumulates output and remembers where each line came from.
type originWriter struct {
	buf     strings.Builder
	lines   []lineOrigin
	midLine bool
}

func (w *originWriter) write(file string, line int, text string) {
	for text != "" {
		if !w.midLine {
			w.lines = append(w.lines, lineOrigin{file: file, line: line})
			w.midLine = true
		}

		i := strings.IndexByte(text, '\n')
		if i < 0 {
			w.buf.WriteString(text)

			return
		}

		w.buf.WriteString(text[:i+1])
		text = text[i+1:]
		line++
		w.midLine = false
	}
}

// endLine terminates the current line, if any.
func (w *originWriter) endLine(file string, line int) {
	if w.midLine {
		w.write(file, line, "\n")
	}
}

// expansion is a LESS source with every local import inlined.
type expansion struct {
	text    string
	lines   []lineOrigin
	imports []Import
	urls    map[string]urlOrigin

	// features lists LESS-only constructs, one per file at most.
	features []*CompileError
}

// origin maps a 1-based line of the expanded text back to its source.
func (e *expansion) origin(line int) (lineOrigin, bool) {
	if e == nil || line < 1 || line > len(e.lines) {
		return lineOrigin{}, false
	}

	return e.lines[line-1], true
}

// expander inlines imports through the file manager.
type expander struct {
	ctx      context.Context
	files    filemanager.FileManager
	entryDir string

	externals originWriter
	hoisted   originWriter
	body      originWriter

	imports  []Import
	urls     map[string]urlOrigin
	seen     map[string]bool
	stack    map[string]bool
	features []*CompileError
}

// isLess reports whether filename is compiled as LESS rather than plain CSS.
func isLess(filename string) bool {
	return !strings.EqualFold(filepath.Ext(filename), ".css")
}

// expandLess inlines the imports of the LESS source of entry. Imports to
// absolute URLs are kept and moved to the top; CSS imports are inlined at the
// top, as lessc hoists them; LESS imports are inlined in place.
func (c *Compiler) expandLess(ctx context.Context, source string, opts Options) (*expansion, error) {
	err := ctx.Err()
	if err != nil {
		return nil, err
	}

	res := resolver.New(c.fs, resolver.Config{Extensions: opts.Extensions, RootDir: c.rootDir})

	e := &expander{
		ctx:      ctx,
		files:    filemanager.New(res, c.reader),
		entryDir: filepath.Dir(opts.Filename),
		urls:     map[string]urlOrigin{},
		seen:     map[string]bool{opts.Filename: true},
		stack:    map[string]bool{opts.Filename: true},
	}

	err = e.expand(opts.Filename, source, &e.body, scanLess, false)
	if err != nil {
		return nil, err
	}

	out := &expansion{imports: e.imports, urls: e.urls, features: e.features}

	var text strings.Builder

	for _, w := range []*originWriter{&e.externals, &e.hoisted, &e.body} {
		text.WriteString(w.buf.String())
		out.lines = append(out.lines, w.lines...)
	}

	out.text = text.String()

	return out, nil
}

// expand scans one file and writes it to out.
func (e *expander) expand(file, text string, out *originWriter, mode scanMode, nested bool) error {
	starts := lineStarts(text)
	lineOf := func(off int) int { return sort.SearchInts(starts, off+1) }

	if mode == scanLess {
		if f := lessFeature(file, text, starts); f != nil {
			e.features = append(e.features, f)
		}
	}

	last := 0
	flush := func(to int) {
		if to > last {
			out.write(file, lineOf(last), text[last:to])
		}

		last = to
	}

	for i := 0; i < len(text); {
		switch ch := text[i]; {
		case ch == '/' && strings.HasPrefix(text[i:], "/*"):
			end := strings.Index(text[i+2:], "*/")
			if end < 0 {
				i = len(text)
			} else {
				i += end + 4
			}

		case ch == '/' && strings.HasPrefix(text[i:], "//") && mode == scanLess:
			flush(i)

			end := strings.IndexByte(text[i:], '\n')
			if end < 0 {
				end = len(text) - i
			}

			i += end
			last = i

		case ch == '"' || ch == '\'':
			i = skipString(text, i)

		case isURLToken(text, i):
			tok, ok := parseURLToken(text, i)
			if !ok {
				i += len("url(")

				continue
			}

			if nested {
				if rewritten, changed := e.rebase(file, tok.value); changed {
					flush(tok.start)
					out.write(file, lineOf(tok.start), "url("+tok.quote+rewritten+tok.quote+")")
					last = tok.end
				}
			}

			i = tok.end

		case ch == '@' && mode != scanInline && isImportAt(text, i):
			stmt, ok := parseImport(text, i)
			if !ok {
				i += len("@import")

				continue
			}

			flush(i)

			err := e.include(file, text, starts, stmt, out)
			if err != nil {
				return err
			}

			i = stmt.end
			last = i

		default:
			i++
		}
	}

	flush(len(text))

	return nil
}

// include handles one @import statement found in file.
func (e *expander) include(file, text string, starts []int, stmt importStmt, out *originWriter) error {
	line := sort.SearchInts(starts, stmt.start+1)
	column := stmt.start - starts[line-1] + 1

	fail := func(msg string, err error) error {
		return &CompileError{
			Message:  msg,
			File:     file,
			Line:     line,
			Column:   column,
			LineText: lineText(text, starts, line),
			Err:      err,
		}
	}

	if slices.Contains(stmt.options, "reference") {
		return fail(`import option "reference" is not supported`, ErrImportOption)
	}

	if urlrewrite.IsURL(stmt.spec) {
		e.externals.write(file, line, strings.TrimSpace(text[stmt.start:stmt.end])+"\n")

		return nil
	}

	err := e.ctx.Err()
	if err != nil {
		return err
	}

	loaded, err := filemanager.Await(e.ctx, e.files, stmt.spec, filepath.Dir(file))
	if err != nil {
		if ctxErr := e.ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		if stmt.has(importOptional) && errors.Is(err, resolver.ErrNotFound) {
			return nil
		}

		return fail(err.Error(), err)
	}

	e.imports = append(e.imports, Import{Specifier: stmt.spec, Importer: file, Resolved: loaded.Filename})

	if e.stack[loaded.Filename] {
		if stmt.has(importMultiple) {
			return fail("import cycle through "+loaded.Filename, nil)
		}

		return nil
	}

	if e.seen[loaded.Filename] && !stmt.has(importMultiple) {
		return nil
	}

	e.seen[loaded.Filename] = true

	mode, target := scanLess, out

	switch {
	case stmt.has(importInline):
		mode = scanInline
	case stmt.has(importCSS), !stmt.has(importLess) && isCSSPath(stmt.spec):
		mode, target = scanCSS, &e.hoisted
	}

	if stmt.media != "" {
		target.endLine(file, line)
		target.write(file, line, "@media "+stmt.media+" {\n")
	}

	e.stack[loaded.Filename] = true

	err = e.expand(loaded.Filename, loaded.Contents, target, mode, true)

	delete(e.stack, loaded.Filename)

	if err != nil {
		return err
	}

	target.endLine(loaded.Filename, strings.Count(loaded.Contents, "\n")+1)

	if stmt.media != "" {
		target.write(file, line, "}\n")
	}

	return nil
}

// rebase rewrites a relative url() value written in an imported file so it
// resolves the same way from the entry directory, and remembers the original.
func (e *expander) rebase(file, value string) (string, bool) {
	if urlrewrite.IsURL(value) || strings.HasPrefix(value, "/") || strings.HasPrefix(value, "~") ||
		strings.Contains(value, "@") {
		return value, false
	}

	pathPart, suffix := value, ""
	if i := strings.IndexAny(value, "?#"); i >= 0 {
		pathPart, suffix = value[:i], value[i:]
	}

	rel, err := filepath.Rel(e.entryDir, filepath.Join(filepath.Dir(file), filepath.FromSlash(pathPart)))
	if err != nil {
		return value, false
	}

	rebased := filepath.ToSlash(rel) + suffix
	if rebased == value {
		return value, false
	}

	if _, ok := e.urls[rebased]; !ok {
		e.urls[rebased] = urlOrigin{ref: value, from: file}
	}

	return rebased, true
}

func isCSSPath(spec string) bool {
	if i := strings.IndexAny(spec, "?#"); i >= 0 {
		spec = spec[:i]
	}

	return strings.EqualFold(filepath.Ext(spec), ".css")
}

func lineStarts(text string) []int {
	starts := []int{0}

	for i := range len(text) {
		if text[i] == '\n' {
			starts = append(starts, i+1)
		}
	}

	return starts
}

func lineText(text string, starts []int, line int) string {
	start := starts[line-1]

	end := len(text)
	if line < len(starts) {
		end = starts[line] - 1
	}

	return strings.TrimRight(text[start:end], "\r")
}

// skipString returns the offset after the quoted string starting at i.
func skipString(text string, i int) int {
	quote := text[i]

	for j := i + 1; j < len(text); j++ {
		switch text[j] {
		case '\\':
			j++
		case quote, '\n':
			return j + 1
		}
	}

	return len(text)
}

func isIdentByte(b byte) bool {
	return b == '-' || b == '_' || b >= '0' && b <= '9' || b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z'
}

func isURLToken(text string, i int) bool {
	if i > 0 && isIdentByte(text[i-1]) {
		return false
	}

	return len(text)-i >= 4 && strings.EqualFold(text[i:i+4], "url(")
}

type urlToken struct {
	start, end int
	value      string
	quote      string
}

// parseURLToken reads url(...) at i.
func parseURLToken(text string, i int) (urlToken, bool) {
	tok := urlToken{start: i}

	j := i + len("url(")
	for j < len(text) && isSpace(text[j]) {
		j++
	}

	if j < len(text) && (text[j] == '"' || text[j] == '\'') {
		end := skipString(text, j)
		tok.quote = text[j : j+1]
		tok.value = strings.TrimSuffix(text[j+1:end], tok.quote)
		j = end
	} else {
		k := strings.IndexByte(text[j:], ')')
		if k < 0 {
			return tok, false
		}

		tok.value = strings.TrimSpace(text[j : j+k])
		j += k
	}

	for j < len(text) && isSpace(text[j]) {
		j++
	}

	if j >= len(text) || text[j] != ')' {
		return tok, false
	}

	tok.end = j + 1

	return tok, true
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r' || b == '\f'
}

func isImportAt(text string, i int) bool {
	const kw = "@import"

	if len(text)-i <= len(kw) || !strings.EqualFold(text[i:i+len(kw)], kw) {
		return false
	}

	next := text[i+len(kw)]

	return isSpace(next) || next == '(' || next == '"' || next == '\'' || next == 'u' || next == 'U'
}

// importStmt is one parsed @import statement spanning [start, end).
type importStmt struct {
	start, end int
	options    []string
	spec       string
	media      string
}

func (s importStmt) has(option string) bool {
	return slices.Contains(s.options, option)
}

// parseImport reads `@import (options) "spec" media;` at i.
func parseImport(text string, i int) (importStmt, bool) {
	stmt := importStmt{start: i}

	j := i + len("@import")
	skip := func() {
		for j < len(text) && isSpace(text[j]) {
			j++
		}
	}

	skip()

	if j < len(text) && text[j] == '(' {
		k := strings.IndexByte(text[j:], ')')
		if k < 0 {
			return stmt, false
		}

		for _, opt := range strings.Split(text[j+1:j+k], ",") {
			if opt = strings.ToLower(strings.TrimSpace(opt)); opt != "" {
				stmt.options = append(stmt.options, opt)
			}
		}

		j += k + 1
		skip()
	}

	switch {
	case j < len(text) && (text[j] == '"' || text[j] == '\''):
		end := skipString(text, j)
		stmt.spec = strings.TrimSuffix(text[j+1:end], text[j:j+1])
		j = end
	case isURLToken(text, j):
		tok, ok := parseURLToken(text, j)
		if !ok {
			return stmt, false
		}

		stmt.spec = tok.value
		j = tok.end
	default:
		return stmt, false
	}

	k := j
	for k < len(text) && text[k] != ';' && text[k] != '{' && text[k] != '}' {
		k++
	}

	if k >= len(text) || text[k] != ';' || stmt.spec == "" {
		return stmt, false
	}

	stmt.media = strings.TrimSpace(text[j:k])
	stmt.end = k + 1

	if len(stmt.options) == 0 {
		stmt.options = []string{importOnce}
	}

	return stmt, true
}

// cssAtRules are the at-rules plain CSS defines. Any other at-keyword in a
// LESS source is a variable or a LESS directive.
var cssAtRules = map[string]bool{
	"import": true, "media": true, "charset": true, "namespace": true, "supports": true,
	"font-face": true, "keyframes": true, "page": true, "layer": true, "container": true,
	"property": true, "counter-style": true, "font-feature-values": true,
	"font-palette-values": true, "document": true, "viewport": true, "scope": true,
	"starting-style": true, "view-transition": true, "swash": true, "annotation": true,
	"ornaments": true, "stylistic": true, "styleset": true, "character-variant": true,
	"top-left-corner": true, "top-left": true, "top-center": true, "top-right": true,
	"top-right-corner": true, "bottom-left-corner": true, "bottom-left": true,
	"bottom-center": true, "bottom-right": true, "bottom-right-corner": true,
	"left-top": true, "left-middle": true, "left-bottom": true, "right-top": true,
	"right-middle": true, "right-bottom": true,
}

var (
	lessAtKeyword = regexp.MustCompile(`@(\{?)([A-Za-z_-][\w-]*)`)
	lessMixinCall = regexp.MustCompile(`(?:^|[;{}])\s*([.#][\w-]+(?:\s*>?\s*[.#][\w-]+)*\s*(?:\([^;{}]*\))?)\s*(?:!important\s*)?;`)
	lessGuard     = regexp.MustCompile(`\bwhen\s+(?:not\s*)?\(`)
	lessExtend    = regexp.MustCompile(`:extend\(`)
	lessEscape    = regexp.MustCompile(`~["']`)
	lessFunction  = regexp.MustCompile(`(?i)(?:^|[^\w-])(darken|lighten|saturate|desaturate|fadein|fadeout|fade|spin|tint|shade|greyscale|contrast|luma|percentage|escape|unit|data-uri|svg-gradient)\(`)
)

// lessFeature returns the first construct in text that plain CSS does not
// have, as an error positioned in file, or nil.
func lessFeature(file, text string, starts []int) *CompileError {
	masked := maskLess(text)

	best, what := -1, ""
	consider := func(off int, desc string) {
		if off >= 0 && (best < 0 || off < best) {
			best, what = off, desc
		}
	}

	for _, m := range lessAtKeyword.FindAllStringSubmatchIndex(masked, -1) {
		name := masked[m[4]:m[5]]
		if m[3] > m[2] {
			consider(m[0], "variable interpolation @{"+name+"}")

			break
		}

		if !strings.HasPrefix(name, "-") && !cssAtRules[strings.ToLower(name)] {
			consider(m[0], "less variable or directive @"+name)

			break
		}
	}

	if m := lessMixinCall.FindStringSubmatchIndex(masked); m != nil {
		consider(m[2], "mixin call "+strconv.Quote(strings.TrimSpace(masked[m[2]:m[3]])))
	}

	if m := lessGuard.FindStringIndex(masked); m != nil {
		consider(m[0], "mixin guard")
	}

	if m := lessExtend.FindStringIndex(masked); m != nil {
		consider(m[0], ":extend")
	}

	if m := lessEscape.FindStringIndex(masked); m != nil {
		consider(m[0], "~ escape")
	}

	if m := lessFunction.FindStringSubmatchIndex(masked); m != nil {
		consider(m[2], "less function "+masked[m[2]:m[3]]+"()")
	}

	if best < 0 {
		return nil
	}

	line := sort.SearchInts(starts, best+1)

	return &CompileError{
		Message:  what + " requires the lessc compiler",
		File:     file,
		Line:     line,
		Column:   best - starts[line-1] + 1,
		LineText: lineText(text, starts, line),
		Err:      ErrLessEngine,
	}
}

// maskLess blanks comments, string contents and url() values, keeping
// offsets and newlines, so pattern checks only see code.
func maskLess(text string) string {
	b := []byte(text)
	blank := func(from, to int) {
		for k := from; k < to && k < len(b); k++ {
			if b[k] != '\n' {
				b[k] = ' '
			}
		}
	}

	for i := 0; i < len(text); {
		switch ch := text[i]; {
		case ch == '/' && strings.HasPrefix(text[i:], "/*"):
			end := strings.Index(text[i+2:], "*/")
			if end < 0 {
				end = len(text)
			} else {
				end += i + 4
			}

			blank(i, end)
			i = end

		case ch == '/' && strings.HasPrefix(text[i:], "//"):
			end := strings.IndexByte(text[i:], '\n')
			if end < 0 {
				end = len(text) - i
			}

			blank(i, i+end)
			i += end

		case ch == '"' || ch == '\'':
			end := skipString(text, i)
			blank(i+1, end-1)
			i = end

		case isURLToken(text, i):
			tok, ok := parseURLToken(text, i)
			if !ok {
				i += len("url(")

				continue
			}

			blank(i+len("url("), tok.end-1)
			i = tok.end

		default:
			i++
		}
	}

	return string(b)
}

var lesscPosition = regexp.MustCompile(`(?:\s+in\s+\S+)?\s+on line (\d+), column (\d+):?\s*$`)

// lessc compiles an expanded source with the lessc executable.
func (c *Compiler) lessc(ctx context.Context, exp *expansion, entry string) (string, error) {
	cmd := exec.CommandContext(ctx, c.lesscPath, "--no-color", "-")
	cmd.Stdin = strings.NewReader(exp.text)

	var stdout, stderr bytes.Buffer

	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return stdout.String(), nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return "", ctxErr
	}

	msg, _, _ := strings.Cut(strings.TrimSpace(stderr.String()), "\n")
	if msg == "" {
		return "", fmt.Errorf("run %s: %w", c.lesscPath, err)
	}

	ce := &CompileError{Message: msg, File: entry, Err: err}

	if m := lesscPosition.FindStringSubmatchIndex(msg); m != nil {
		line, _ := strconv.Atoi(msg[m[2]:m[3]])
		column, _ := strconv.Atoi(msg[m[4]:m[5]])

		ce.Message = strings.TrimSpace(msg[:m[0]])
		ce.Column = column + 1

		if origin, ok := exp.origin(line); ok {
			ce.File, ce.Line = origin.file, origin.line
		} else {
			ce.Line = line
		}
	}

	return "", ce
}
