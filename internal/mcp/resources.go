package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

const (
	manifestURI    = "spanledger://manifest/current"
	spanURIPrefix  = "spanledger://span/"
	spanURIPattern = spanURIPrefix + "{id}"
)

func (s *Server) registerResources() {
	// spanledger://manifest/current — the trust policy boots are checked against.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			manifestURI,
			"Current Manifest",
			mcplib.WithResourceDescription("The most recent manifest: boot allowlist and policy knobs"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleManifest,
	)

	// spanledger://span/{id} — latest visible revision of one span.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			spanURIPattern,
			"Span",
			mcplib.WithTemplateDescription("Latest visible revision of a span"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleSpan,
	)
}

func (s *Server) handleManifest(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	m, err := s.manifests.Latest(ctx)
	if err != nil {
		return nil, fmt.Errorf("mcp: manifest: %w", err)
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal manifest: %w", err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      manifestURI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleSpan(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	id := strings.TrimPrefix(uri, spanURIPrefix)
	if id == "" || id == uri || strings.Contains(id, "/") {
		return nil, fmt.Errorf("mcp: invalid span URI: %s", uri)
	}

	span, err := s.ledger.Latest(ctx, id, "")
	if err != nil {
		return nil, fmt.Errorf("mcp: span %s: %w", id, err)
	}
	data, err := json.MarshalIndent(span, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal span: %w", err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
