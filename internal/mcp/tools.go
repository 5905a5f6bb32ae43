package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/afero"

	"github.com/Sumatoshi-tech/stylefang/pkg/resolver"
	"github.com/Sumatoshi-tech/stylefang/pkg/stylesheet"
)

// Tool names.
const (
	ToolNameCompile = "stylefang_compile"
	ToolNameResolve = "stylefang_resolve"
)

// MaxSourceBytes is the largest inline source accepted (1 MB).
const MaxSourceBytes = 1 << 20

// Sentinel errors for tool input validation.
var (
	ErrEmptyPath       = errors.New("path parameter is required and must not be empty")
	ErrPathNotAbsolute = errors.New("path must be an absolute path")
	ErrSourceTooLarge  = errors.New("source exceeds maximum size")
	ErrEmptySpecifier  = errors.New("specifier parameter is required and must not be empty")
)

// CompileInput is the input schema for the stylefang_compile tool.
type CompileInput struct {
	Path      string `json:"path"                 jsonschema:"absolute path of the stylesheet (.less .css .scss .sass)"`
	Source    string `json:"source,omitempty"     jsonschema:"optional inline source used instead of the file contents"`
	RootDir   string `json:"root_dir,omitempty"   jsonschema:"project root for root-relative references"`
	PublicURL string `json:"public_url,omitempty" jsonschema:"prefix for rewritten url() references"`
	Minify    bool   `json:"minify,omitempty"     jsonschema:"minify the generated CSS"`
}

// ResolveInput is the input schema for the stylefang_resolve tool.
type ResolveInput struct {
	Specifier  string   `json:"specifier"            jsonschema:"import reference as written, e.g. ./colors or ~pkg/theme"`
	FromDir    string   `json:"from_dir"             jsonschema:"absolute directory of the importing file"`
	RootDir    string   `json:"root_dir,omitempty"   jsonschema:"project root for root-relative references"`
	Extensions []string `json:"extensions,omitempty" jsonschema:"extension fallback order (default .css .less)"`
}

// ResolveOutput is the structured result of stylefang_resolve.
type ResolveOutput struct {
	Path string `json:"path"`
}

// ToolOutput wraps structured tool results.
type ToolOutput struct {
	Data any `json:"data"`
}

func (s *Server) handleCompile(
	ctx context.Context, _ *mcpsdk.CallToolRequest, input CompileInput,
) (*mcpsdk.CallToolResult, ToolOutput, error) {
	err := validateCompileInput(input)
	if err != nil {
		return errorResult(err)
	}

	fs := s.fs

	if input.Source != "" {
		fs, err = overlay(s.fs, input.Path, input.Source)
		if err != nil {
			return errorResult(err)
		}
	}

	opts := s.defaults
	opts.Fs = fs
	opts.Logger = s.logger

	if input.RootDir != "" {
		opts.RootDir = input.RootDir
	}

	if input.PublicURL != "" {
		opts.PublicURL = input.PublicURL
	}

	opts.Minify = opts.Minify || input.Minify

	out, err := stylesheet.CompileFile(ctx, input.Path, opts, s.metrics)
	if err != nil {
		s.logger.DebugContext(ctx, "compile tool failed", "path", input.Path, "error", err)

		return errorResult(err)
	}

	return jsonResult(out)
}

func (s *Server) handleResolve(
	_ context.Context, _ *mcpsdk.CallToolRequest, input ResolveInput,
) (*mcpsdk.CallToolResult, ToolOutput, error) {
	if input.Specifier == "" {
		return errorResult(ErrEmptySpecifier)
	}

	if !filepath.IsAbs(input.FromDir) {
		return errorResult(fmt.Errorf("from_dir: %w", ErrPathNotAbsolute))
	}

	res := resolver.New(s.fs, resolver.Config{Extensions: input.Extensions, RootDir: input.RootDir})

	found, err := res.Resolve(input.Specifier, input.FromDir)
	if err != nil {
		return errorResult(err)
	}

	return jsonResult(ResolveOutput{Path: found})
}

func validateCompileInput(input CompileInput) error {
	if input.Path == "" {
		return ErrEmptyPath
	}

	if !filepath.IsAbs(input.Path) {
		return ErrPathNotAbsolute
	}

	if len(input.Source) > MaxSourceBytes {
		return fmt.Errorf("%w: %d bytes (max %d)", ErrSourceTooLarge, len(input.Source), MaxSourceBytes)
	}

	return nil
}

// overlay returns base with path replaced by source. Writes never reach base.
func overlay(base afero.Fs, path, source string) (afero.Fs, error) {
	layer := afero.NewMemMapFs()

	err := layer.MkdirAll(filepath.Dir(path), 0o755)
	if err != nil {
		return nil, fmt.Errorf("overlay %s: %w", path, err)
	}

	err = afero.WriteFile(layer, path, []byte(source), 0o644)
	if err != nil {
		return nil, fmt.Errorf("overlay %s: %w", path, err)
	}

	return afero.NewCopyOnWriteFs(base, layer), nil
}

func errorResult(err error) (*mcpsdk.CallToolResult, ToolOutput, error) {
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: err.Error()}},
		IsError: true,
	}, ToolOutput{}, nil
}

func jsonResult(value any) (*mcpsdk.CallToolResult, ToolOutput, error) {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return errorResult(fmt.Errorf("encode result: %w", err))
	}

	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: string(data)}},
	}, ToolOutput{Data: value}, nil
}
