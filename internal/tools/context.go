package tools

import (
	"context"
)

// ArtifactSink receives staged content from file-writing tools. Staging
// into the artifact store instead of touching the workspace keeps tool
// execution reversible and replay-safe; the client applies artifacts
// explicitly.
type ArtifactSink interface {
	StageArtifact(ctx context.Context, kind, path, content, language string) (artifactID string, err error)
}

type sinkKey struct{}

// WithArtifactSink attaches the operation's artifact sink to the context.
func WithArtifactSink(ctx context.Context, sink ArtifactSink) context.Context {
	return context.WithValue(ctx, sinkKey{}, sink)
}

// ArtifactSinkFromContext retrieves the sink, if any.
func ArtifactSinkFromContext(ctx context.Context) (ArtifactSink, bool) {
	sink, ok := ctx.Value(sinkKey{}).(ArtifactSink)
	return sink, ok
}
