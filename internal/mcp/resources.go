package mcp

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/sebas/isip/internal/history"
)

const (
	transcriptScheme = "transcript"
	recordingScheme  = "recording"
)

func resourceURI(scheme string, id int64) string {
	return fmt.Sprintf("%s://call_%d", scheme, id)
}

// addResourceTemplates makes every call readable by URI, including calls
// recorded by another process sharing the history store.
func (s *Server) addResourceTemplates() {
	s.mcp.AddResourceTemplate(&sdk.ResourceTemplate{
		Name:        "Call Transcript",
		URITemplate: transcriptScheme + "://call_{id}",
		MIMEType:    "text/plain",
		Description: "Transcript of a recorded call",
	}, s.readResource)
	s.mcp.AddResourceTemplate(&sdk.ResourceTemplate{
		Name:        "Call Recording",
		URITemplate: recordingScheme + "://call_{id}",
		MIMEType:    "text/plain",
		Description: "Location of the audio recording of a call",
	}, s.readResource)
}

// publishHistory lists every recorded call as a resource.
func (s *Server) publishHistory(ctx context.Context) error {
	recs, err := s.calls.List(ctx, 0)
	if err != nil {
		return fmt.Errorf("list call history: %w", err)
	}
	for i := len(recs) - 1; i >= 0; i-- {
		s.publish(recs[i])
	}
	return nil
}

// publish lists r's transcript, and its recording when the file exists.
func (s *Server) publish(r history.Record) {
	if r.ID == 0 {
		return
	}
	s.mcp.AddResource(&sdk.Resource{
		URI:         resourceURI(transcriptScheme, r.ID),
		Name:        fmt.Sprintf("Call %d Transcript", r.ID),
		MIMEType:    "text/plain",
		Description: fmt.Sprintf("Transcript of call to %s at %s", r.Phone, r.Timestamp.Format(time.RFC3339)),
	}, s.readResource)

	if r.RecordingPath == "" {
		return
	}
	if _, err := os.Stat(r.RecordingPath); err != nil {
		s.log.Debug("[MCP] Recording not published", "id", r.ID, "error", err)
		return
	}
	s.mcp.AddResource(&sdk.Resource{
		URI:         resourceURI(recordingScheme, r.ID),
		Name:        fmt.Sprintf("Call %d Recording", r.ID),
		MIMEType:    "audio/wav",
		Description: "Audio recording of call to " + r.Phone,
	}, s.readResource)
}

func (s *Server) readResource(ctx context.Context, req *sdk.ReadResourceRequest) (*sdk.ReadResourceResult, error) {
	uri := req.Params.URI
	notFound := sdk.ResourceNotFoundError(uri)

	scheme, rest, ok := strings.Cut(uri, "://call_")
	if !ok {
		return nil, notFound
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return nil, notFound
	}
	r, err := s.calls.Get(ctx, id)
	if errors.Is(err, history.ErrNotFound) {
		return nil, notFound
	}
	if err != nil {
		return nil, err
	}

	var text string
	switch scheme {
	case transcriptScheme:
		text = orDefault(r.Transcript, "[No transcript available]")
	case recordingScheme:
		if r.RecordingPath == "" {
			return nil, notFound
		}
		text = "Recording path: " + r.RecordingPath
	default:
		return nil, notFound
	}
	return &sdk.ReadResourceResult{
		Contents: []*sdk.ResourceContents{{URI: uri, MIMEType: "text/plain", Text: text}},
	}, nil
}
